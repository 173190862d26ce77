package carbonrelay

import "errors"

var (
	// ErrInvalidConfig indicates a malformed or missing configuration option.
	ErrInvalidConfig = errors.New("invalid carbonrelay configuration")

	// ErrConnect indicates the collector could not be reached within the connect timeout.
	ErrConnect = errors.New("failed to connect to collector")

	// ErrWrite indicates a line could not be written to the collector connection.
	ErrWrite = errors.New("failed to write to collector")

	// ErrPeerClosed indicates the collector closed its end of the connection.
	ErrPeerClosed = errors.New("collector closed the connection")

	// ErrNonFiniteValue indicates an observation value of NaN or ±Inf, which the line protocol
	// cannot carry.
	ErrNonFiniteValue = errors.New("non-finite metric value")
)
