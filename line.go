package carbonrelay

import (
	"math"
	"strconv"
	"time"
)

// Observation is a single named metric value produced by the host.
type Observation struct {
	Group string
	Name  string
	Value float64

	// Timestamp is when the host sampled the value. The wire timestamp is taken from the
	// forwarder's clock at send time instead.
	Timestamp time.Time
}

// valueDecimals is the number of fractional digits written for a value, matching printf's %f.
const valueDecimals = 6

// EncodeLine renders one observation in the plaintext line protocol:
//
//	<prefix>.<group>.<name> <value> <epochSeconds>\n
//
// Names are written as-is, without escaping dots or whitespace.
func EncodeLine(prefix, group, name string, value float64, epochSeconds int64) string {
	buf := make([]byte, 0, len(prefix)+len(group)+len(name)+40)
	return string(AppendLine(buf, prefix, group, name, value, epochSeconds))
}

// AppendLine appends the encoded line to dst and returns the extended buffer.
func AppendLine(dst []byte, prefix, group, name string, value float64, epochSeconds int64) []byte {
	dst = append(dst, prefix...)
	dst = append(dst, '.')
	dst = append(dst, group...)
	dst = append(dst, '.')
	dst = append(dst, name...)
	dst = append(dst, ' ')
	dst = strconv.AppendFloat(dst, value, 'f', valueDecimals, 64)
	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, epochSeconds, 10)
	return append(dst, '\n')
}

// finite reports whether v can be carried by the line protocol.
func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
