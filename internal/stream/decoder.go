package stream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// ErrUnexpectedEnd is returned by Decoder.Next when the transport ends
// before a terminal event was received. Callers treat it as a completion
// failure: the stream was dropped, not finished.
var ErrUnexpectedEnd = errors.New("stream ended unexpectedly")

// Decoder parses the frame transport back into typed events.
//
// Individual malformed frames are logged and skipped rather than aborting
// the stream, so one bad frame does not lose the rest of a partially
// received answer. Frame order on the wire equals emission order; the
// decoder never reorders.
type Decoder struct {
	scanner  *bufio.Scanner
	terminal bool
}

// NewDecoder creates a Decoder reading frames from r.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	// An evidence manifest can exceed the default line limit.
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &Decoder{scanner: sc}
}

// Next returns the next well-formed event. After a terminal event has been
// delivered it returns io.EOF. If the transport ends with no terminal event
// it returns ErrUnexpectedEnd.
func (d *Decoder) Next() (Event, error) {
	if d.terminal {
		return Event{}, io.EOF
	}
	for d.scanner.Scan() {
		line := d.scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		payload, ok := strings.CutPrefix(line, framePrefix)
		if !ok {
			slog.Warn("skipping frame with unknown marker", "line", truncateForLog(line))
			continue
		}
		ev, err := parseEvent([]byte(payload))
		if err != nil {
			slog.Warn("skipping malformed frame", "error", err)
			continue
		}
		if ev.Terminal() {
			d.terminal = true
		}
		return ev, nil
	}
	if err := d.scanner.Err(); err != nil {
		return Event{}, fmt.Errorf("read frame: %w", err)
	}
	return Event{}, ErrUnexpectedEnd
}

func truncateForLog(s string) string {
	const max = 120
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
