// Package frame decodes the sensor's telemetry wire format.
//
// The sensor emits compact text frames over its notify characteristic:
//
//	N:<intY>:<intX>\r
//
// where intY and intX are ASCII decimal integers (optionally signed) in
// centidegrees. A notification payload may carry leading garbage, a
// truncated tail, or no frame at all; Parse never fails loudly on any of
// it - a malformed buffer simply yields no frame.
package frame

import (
	"bytes"
	"strconv"
	"strings"
)

const (
	startMarker = "N:"
	separator   = byte(':')
	terminator  = byte('\r')
)

// Angles is one decoded sensor sample, in degrees.
type Angles struct {
	Y float64
	X float64
}

// Parse extracts at most one frame from buf. It anchors on the first
// occurrence of the start marker, then locates the separator and the
// terminator at or after it; any missing delimiter, non-numeric field or
// 64-bit overflow yields (zero, false). Parse never panics and never
// blocks.
//
// Buffers that straddle frame boundaries across notifications are not
// reassembled; each call decodes from its own buffer only.
func Parse(buf []byte) (Angles, bool) {
	start := bytes.Index(buf, []byte(startMarker))
	if start < 0 {
		return Angles{}, false
	}

	rest := buf[start+len(startMarker):]
	sep := bytes.IndexByte(rest, separator)
	if sep < 0 {
		return Angles{}, false
	}

	end := bytes.IndexByte(rest[sep+1:], terminator)
	if end < 0 {
		return Angles{}, false
	}

	y, ok := parseCenti(rest[:sep])
	if !ok {
		return Angles{}, false
	}
	x, ok := parseCenti(rest[sep+1 : sep+1+end])
	if !ok {
		return Angles{}, false
	}

	return Angles{Y: y, X: x}, true
}

// parseCenti parses an ASCII decimal centidegree field into degrees.
// Surrounding ASCII whitespace is tolerated; anything else is not.
func parseCenti(field []byte) (float64, bool) {
	s := strings.TrimSpace(string(field))
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return float64(n) / 100.0, true
}
