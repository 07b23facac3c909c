package stream

import (
	"fmt"
	"net/http"

	"github.com/ponchohq/poncho/pkg/models"
)

// PrepareSSE sets the response headers for an event stream and returns the
// flusher. Responses that cannot flush cannot stream.
func PrepareSSE(w http.ResponseWriter) (http.Flusher, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return flusher, nil
}

// WriteFrame writes one SSE frame, `event: <type>` then a single data line.
func WriteFrame(w http.ResponseWriter, flusher http.Flusher, ev models.AgentEvent) error {
	data, err := ev.Data()
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.Type, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
