package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jkbrsn/carbonrelay"
	"github.com/rs/zerolog"
)

const maxLineSize = 64 * 1024

var errMissingName = errors.New("observation has no name")

// wireObservation is the JSON form of one observation, e.g.
//
//	{"group":"producer","name":"record-send-rate","value":12.5,"timestamp":1700000000}
//
// The timestamp is optional and informational; the collector line carries the relay's clock.
type wireObservation struct {
	Group     string   `json:"group"`
	Name      string   `json:"name"`
	Value     *float64 `json:"value"`
	Timestamp int64    `json:"timestamp,omitempty"`
}

// decodeObservation parses one JSON object into an Observation.
func decodeObservation(data []byte) (carbonrelay.Observation, error) {
	var wire wireObservation
	if err := sonic.Unmarshal(data, &wire); err != nil {
		return carbonrelay.Observation{}, fmt.Errorf("decoding observation: %w", err)
	}
	if wire.Name == "" {
		return carbonrelay.Observation{}, errMissingName
	}
	if wire.Value == nil {
		return carbonrelay.Observation{}, fmt.Errorf("observation %q has no value", wire.Name)
	}

	obs := carbonrelay.Observation{
		Group:     wire.Group,
		Name:      wire.Name,
		Value:     *wire.Value,
		Timestamp: time.Now(),
	}
	if wire.Timestamp > 0 {
		obs.Timestamp = time.Unix(wire.Timestamp, 0)
	}
	return obs, nil
}

// readObservations decodes newline-delimited JSON observations from r and hands each to
// forward. Malformed lines are logged and skipped. It returns at EOF or on a read error.
func readObservations(r io.Reader, forward func(carbonrelay.Observation), logger zerolog.Logger) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		obs, err := decodeObservation(line)
		if err != nil {
			logger.Warn().Err(err).Int("line", lineNo).Msg("Skipping malformed observation")
			continue
		}
		forward(obs)
	}
	return scanner.Err()
}
