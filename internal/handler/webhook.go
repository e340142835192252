package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/PipeOpsHQ/hookcatch/internal/capture"
	"github.com/PipeOpsHQ/hookcatch/internal/store"
)

var captureMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodPatch:   true,
	http.MethodOptions: true,
	http.MethodHead:    true,
}

const allowedCaptureMethods = "GET, POST, PUT, DELETE, PATCH, OPTIONS, HEAD"

// Capture records any call made to /capture/{endpointID}[/...].
func (h *Handler) Capture(w http.ResponseWriter, r *http.Request) {
	if !captureMethods[r.Method] {
		w.Header().Set("Allow", allowedCaptureMethods)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	endpointID, ok := canonicalID(chi.URLParam(r, "endpointID"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	log := h.log.WithFields(logrus.Fields{"endpoint_id": endpointID, "method": r.Method})

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxRead))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			log.WithField("limit", tooLarge.Limit).Warn("capture body too large")
			http.Error(w, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
			return
		}
		log.WithError(err).Warn("reading capture body")
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	_, err = h.pipeline.Capture(r.Context(), &capture.Inbound{
		EndpointID: endpointID,
		Method:     r.Method,
		Path:       chi.URLParam(r, "*"),
		RawQuery:   r.URL.RawQuery,
		Host:       r.Host,
		Header:     r.Header,
		Body:       body,
		RemoteAddr: r.RemoteAddr,
	})
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	case errors.Is(err, capture.ErrUnauthorized):
		http.Error(w, "Invalid or missing signature.", http.StatusUnauthorized)
	case errors.Is(err, store.ErrNotFound):
		http.NotFound(w, r)
	case errors.Is(err, store.ErrConflict):
		log.WithError(err).Error("request id conflict on capture")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	default:
		log.WithError(err).Error("capture failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
