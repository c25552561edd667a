package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// framePrefix is the fixed marker each wire frame starts with. Frames are
// separated by a blank line, which makes the stream readable by any
// server-sent-events consumer.
const framePrefix = "data: "

// Encoder serializes events onto a transport one frame at a time, flushing
// after each frame so fragments reach the client as they are generated.
type Encoder struct {
	w       io.Writer
	flusher http.Flusher
}

// NewEncoder creates an Encoder for the given writer. If the writer also
// implements http.Flusher, each frame is flushed as it is written.
func NewEncoder(w io.Writer) *Encoder {
	enc := &Encoder{w: w}
	if f, ok := w.(http.Flusher); ok {
		enc.flusher = f
	}
	return enc
}

// Encode writes one event as a single frame.
func (e *Encoder) Encode(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(e.w, "%s%s\n\n", framePrefix, payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}
