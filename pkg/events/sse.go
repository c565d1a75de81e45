package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// KeepAliveInterval is how often an idle stream sends a comment line.
const KeepAliveInterval = 15 * time.Second

// ServeSSE streams a subscription as Server-Sent Events until ctx ends or the
// subscription is closed. The subscription is closed on return.
func ServeSSE(ctx context.Context, w http.ResponseWriter, sub *Subscription) error {
	defer sub.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support streaming")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return err
			}
			flusher.Flush()
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := writeEvent(w, &ev); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
