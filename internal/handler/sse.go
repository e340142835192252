package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// SSE streams an endpoint's capture events as Server-Sent Events. Endpoints
// with a secret need it in SecretHeader.
func (h *Handler) SSE(w http.ResponseWriter, r *http.Request) {
	endpointID, ok := canonicalID(chi.URLParam(r, "endpointID"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	allowed, err := h.watchable(r.Context(), endpointID, r.Header.Get(SecretHeader))
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	if !allowed {
		writeError(w, http.StatusUnauthorized, "endpoint secret required")
		return
	}

	rc := http.NewResponseController(w)
	// The server write timeout would otherwise cut the stream.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.log.WithError(err).Debug("clearing sse write deadline")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sub := h.hub.NewSubscriber()
	h.hub.Join(endpointID, sub)
	defer h.hub.Remove(sub)

	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.log.WithError(err).Warn("sse: streaming unsupported")
		return
	}

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			if err := rc.Flush(); err != nil {
				return
			}
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			if err := rc.Flush(); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
