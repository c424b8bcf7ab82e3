package cluster

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// FrameSize is the length in bytes of every message on the wire.
	FrameSize = 32

	// MinNameLen and MaxNameLen bound a worker display name, in bytes.
	// MaxNameLen leaves room for the terminating NUL inside a frame.
	MinNameLen = 2
	MaxNameLen = FrameSize - 1

	// LeaveToken is the payload a worker sends to leave explicitly.
	LeaveToken = "exit"
)

// EncodeFrame pads payload with NUL bytes to FrameSize.
// Payloads longer than FrameSize-1 bytes are rejected.
func EncodeFrame(payload string) ([]byte, error) {
	if len(payload) > FrameSize-1 {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds frame", ErrProtocolViolation, len(payload))
	}
	frame := make([]byte, FrameSize)
	copy(frame, payload)
	return frame, nil
}

// WriteFrame encodes payload and writes it to w in a single call.
func WriteFrame(w io.Writer, payload string) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return classifyIOError(err)
	}
	return nil
}

// ReadFrame reads exactly one frame from r and returns its payload with the
// NUL padding and surrounding whitespace removed.
//
// A peer that closes before sending anything yields an error matching both
// ErrConnectionLost and io.EOF. An expired deadline yields ErrWorkerTimeout.
func ReadFrame(r io.Reader) (string, error) {
	buf := make([]byte, FrameSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", classifyIOError(err)
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return strings.TrimSpace(string(buf)), nil
}

func classifyIOError(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %w", ErrWorkerTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrConnectionLost, err)
}

// ValidateName checks that name is between MinNameLen and MaxNameLen bytes
// of printable UTF-8.
func ValidateName(name string) error {
	if len(name) < MinNameLen || len(name) > MaxNameLen {
		return fmt.Errorf("%w: name must be %d-%d characters, got %d",
			ErrProtocolViolation, MinNameLen, MaxNameLen, len(name))
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("%w: name is not valid UTF-8", ErrProtocolViolation)
	}
	for _, r := range name {
		if !unicode.IsPrint(r) {
			return fmt.Errorf("%w: name contains non-printable character %q", ErrProtocolViolation, r)
		}
	}
	return nil
}

// IsLeave reports whether payload is the explicit leave token.
func IsLeave(payload string) bool {
	return payload == LeaveToken
}

// FormatTaskSize renders a task size for the wire.
func FormatTaskSize(points int64) string {
	return strconv.FormatInt(points, 10)
}

// ParseTaskSize parses a task-size payload. Zero and negative sizes are
// protocol violations since a worker cannot estimate from no points.
func ParseTaskSize(payload string) (int64, error) {
	n, err := strconv.ParseInt(payload, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: task size %q: %v", ErrProtocolViolation, payload, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: task size must be positive, got %d", ErrProtocolViolation, n)
	}
	return n, nil
}

// FormatEstimate renders an estimate with 8 fractional digits.
func FormatEstimate(v float64) string {
	return strconv.FormatFloat(v, 'f', 8, 64)
}

// ParseEstimate parses a result payload under policy. With PolicyCoerce a
// payload that is not a finite number becomes 0 and the returned bool is
// true; with PolicyReject it is an ErrProtocolViolation.
func ParseEstimate(payload string, policy ResultPolicy) (float64, bool, error) {
	v, err := strconv.ParseFloat(payload, 64)
	if err == nil && !math.IsNaN(v) && !math.IsInf(v, 0) {
		return v, false, nil
	}
	if policy == PolicyReject {
		return 0, false, fmt.Errorf("%w: result %q is not a finite number", ErrProtocolViolation, payload)
	}
	return 0, true, nil
}
