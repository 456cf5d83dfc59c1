package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// PrepareSSE sets the response headers a text/event-stream reply needs and
// returns the flusher, or false when the writer cannot stream.
func PrepareSSE(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return flusher, true
}

// WriteEvent encodes one event as an SSE frame. The sequence number is
// merged into the data object so clients can track continuity.
func WriteEvent(w io.Writer, ev Event) error {
	var data map[string]any
	if err := json.Unmarshal(ev.Payload, &data); err != nil {
		data = map[string]any{"payload": json.RawMessage(ev.Payload)}
	}
	data["seq"] = ev.Seq
	body, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, body)
	return err
}

// WriteHeartbeat emits the silent keep-alive comment line.
func WriteHeartbeat(w io.Writer) error {
	_, err := io.WriteString(w, ": heartbeat\n\n")
	return err
}
