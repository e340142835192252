package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Hop-specific headers that must not be resent.
var replaySkipHeaders = map[string]bool{
	"Host":              true,
	"Content-Length":    true,
	"Connection":        true,
	"Transfer-Encoding": true,
}

type replayResponse struct {
	StatusCode int    `json:"statusCode"`
	Status     string `json:"status"`
}

// replayRecorder collects the status of an in-process capture and drops its
// body.
type replayRecorder struct {
	header http.Header
	status int
}

func (rec *replayRecorder) Header() http.Header { return rec.header }

func (rec *replayRecorder) Write(p []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	return len(p), nil
}

func (rec *replayRecorder) WriteHeader(code int) {
	if rec.status == 0 {
		rec.status = code
	}
}

// ReplayRequest runs a stored request through this server's capture route
// again, which records it as a new request. The replay never leaves the
// process.
func (h *Handler) ReplayRequest(w http.ResponseWriter, r *http.Request) {
	req, ok := h.requestFromURL(w, r)
	if !ok {
		return
	}
	if req.IsBodyTruncated {
		writeError(w, http.StatusUnprocessableEntity, "request body was truncated and cannot be replayed")
		return
	}

	var body []byte
	if req.Body != nil {
		if req.IsBodyBase64 {
			decoded, err := base64.StdEncoding.DecodeString(*req.Body)
			if err != nil {
				h.log.WithError(err).WithField("request_id", req.ID).Error("stored body is not valid base64")
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
			body = decoded
		} else {
			body = []byte(*req.Body)
		}
	}

	target := "/capture/" + req.EndpointID
	if req.Path != "" {
		target += "/" + req.Path
	}
	target += req.QueryString

	// The API request's route context must not leak into the second dispatch.
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, nil)
	out, err := http.NewRequestWithContext(ctx, req.Method, target, bytes.NewReader(body))
	if err != nil {
		h.log.WithError(err).WithField("request_id", req.ID).Warn("building replay request")
		writeError(w, http.StatusInternalServerError, "replay failed")
		return
	}
	for k, v := range req.Headers {
		if replaySkipHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		out.Header.Set(k, v)
	}
	if host, ok := req.Headers["Host"]; ok {
		out.Host = host
	}
	out.RemoteAddr = r.RemoteAddr

	rec := &replayRecorder{header: http.Header{}}
	h.router.ServeHTTP(rec, out)
	if rec.status == 0 {
		rec.status = http.StatusOK
	}

	h.log.WithField("request_id", req.ID).WithField("status", rec.status).Info("request replayed")
	writeJSON(w, http.StatusOK, replayResponse{StatusCode: rec.status, Status: http.StatusText(rec.status)})
}
