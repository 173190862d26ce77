package carbonrelay

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// sinkDialer opens connections to the collector. The DNS policy decides the dial address and
// the connect timeout bounds lookup and dial together.
type sinkDialer struct {
	host     string
	port     string
	timeouts Timeouts
	dns      *dnsPolicyManager
	dialer   net.Dialer
	logger   zerolog.Logger
}

func newSinkDialer(cfg Config, dns *dnsPolicyManager, logger zerolog.Logger) *sinkDialer {
	return &sinkDialer{
		host:     cfg.Host,
		port:     strconv.Itoa(cfg.Port),
		timeouts: cfg.Timeouts,
		dns:      dns,
		logger:   logger,
	}
}

// open establishes a new connection. On failure nothing is left open and the error wraps
// ErrConnect.
func (d *sinkDialer) open(ctx context.Context) (*sinkConn, error) {
	if d.timeouts.Connect > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeouts.Connect)
		defer cancel()
	}

	start := time.Now()
	addr, err := d.dns.resolveAddr(ctx, d.host, d.port)
	if err != nil {
		return nil, errors.Join(ErrConnect, err)
	}
	resolved := time.Now()

	conn, err := d.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Join(ErrConnect, err)
	}
	c := newSinkConn(conn, addr, d.timeouts.Write, d.logger)
	c.times = connectTimes{Resolve: resolved.Sub(start), Dial: time.Since(resolved)}
	return c, nil
}

// connectTimes holds the phase durations of one connect.
type connectTimes struct {
	Resolve time.Duration // DNS policy decision, including any lookup
	Dial    time.Duration // TCP handshake
}

// sinkConn is one outbound TCP stream to the collector.
//
// The collector never sends anything back, so a drain goroutine blocks reading the socket for
// the connection's lifetime. When that read ends, the peer has closed or reset the stream and
// the next write fails fast instead of vanishing into the kernel send buffer.
type sinkConn struct {
	id           xid.ID
	addr         string
	conn         net.Conn
	writeTimeout time.Duration
	logger       zerolog.Logger
	times        connectTimes

	peerClosed atomic.Bool
	readDone   chan struct{}
	closeOnce  sync.Once
}

func newSinkConn(conn net.Conn, addr string, writeTimeout time.Duration, logger zerolog.Logger) *sinkConn {
	id := xid.New()
	c := &sinkConn{
		id:           id,
		addr:         addr,
		conn:         conn,
		writeTimeout: writeTimeout,
		logger:       logger.With().Str("conn_id", id.String()).Logger(),
		readDone:     make(chan struct{}),
	}
	go c.drain()
	return c
}

// drain discards anything the peer sends until the stream ends.
func (c *sinkConn) drain() {
	defer close(c.readDone)
	_, err := io.Copy(io.Discard, c.conn)
	c.peerClosed.Store(true)
	c.logger.Trace().Err(err).Msg("collector connection read side ended")
}

// writeLine writes one complete line. Errors wrap ErrWrite.
func (c *sinkConn) writeLine(line []byte) error {
	if c.peerClosed.Load() {
		return errors.Join(ErrWrite, ErrPeerClosed)
	}
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return errors.Join(ErrWrite, err)
		}
	}
	if _, err := c.conn.Write(line); err != nil {
		return errors.Join(ErrWrite, err)
	}
	return nil
}

// close releases the socket and waits for the drain goroutine. It is idempotent; teardown
// errors are logged and never returned.
func (c *sinkConn) close() {
	c.closeOnce.Do(func() {
		if err := c.conn.Close(); err != nil {
			c.logger.Error().Err(err).Msg("failed to close collector connection")
		}
		<-c.readDone
	})
}
