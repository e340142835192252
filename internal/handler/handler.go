package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/PipeOpsHQ/hookcatch/internal/capture"
	"github.com/PipeOpsHQ/hookcatch/internal/notify"
	"github.com/PipeOpsHQ/hookcatch/internal/store"
)

const (
	defaultMaxReadBytes = 32 << 20
	defaultKeepAlive    = 15 * time.Second
)

type Options struct {
	// MaxReadBytes bounds how much of an inbound body is read. Larger
	// bodies are rejected with 413 before anything is stored.
	MaxReadBytes int64
	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP.
	TrustProxy bool
	// KeepAlive is the SSE comment interval.
	KeepAlive time.Duration
}

type Handler struct {
	store      store.Store
	pipeline   *capture.Pipeline
	hub        *notify.Hub
	maxRead    int64
	trustProxy bool
	keepAlive  time.Duration
	router     http.Handler
	log        logrus.FieldLogger
}

func NewHandler(s store.Store, p *capture.Pipeline, hub *notify.Hub, opts Options, logger logrus.FieldLogger) *Handler {
	h := &Handler{
		store:      s,
		pipeline:   p,
		hub:        hub,
		maxRead:    opts.MaxReadBytes,
		trustProxy: opts.TrustProxy,
		keepAlive:  opts.KeepAlive,
		log:        logger.WithField("component", "http"),
	}
	if h.maxRead <= 0 {
		h.maxRead = defaultMaxReadBytes
	}
	if h.keepAlive <= 0 {
		h.keepAlive = defaultKeepAlive
	}
	h.router = h.routes()
	return h
}

// Routes returns the HTTP surface: capture, live transports and the JSON API.
func (h *Handler) Routes() http.Handler {
	return h.router
}

func (h *Handler) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if h.trustProxy {
		r.Use(middleware.RealIP)
	}
	// Access log stays off the capture routes; the pipeline logs those.
	r.Use(RequestLogger(h.log))
	r.Use(middleware.Recoverer)

	r.HandleFunc("/capture/{endpointID}", h.Capture)
	r.HandleFunc("/capture/{endpointID}/*", h.Capture)

	r.Get("/ws", h.WebSocket)
	r.Get("/ws/{endpointID}", h.WebSocket)
	r.Get("/sse/{endpointID}", h.SSE)

	r.Route("/api/endpoints", func(r chi.Router) {
		r.Post("/", h.CreateEndpoint)
		r.Get("/", h.ListEndpoints)
		r.Route("/{endpointID}", func(r chi.Router) {
			r.Get("/", h.GetEndpoint)
			r.Patch("/", h.UpdateEndpoint)
			r.Delete("/", h.DeleteEndpoint)
			r.Get("/requests", h.ListRequests)
			r.Delete("/requests", h.ClearRequests)
			r.Get("/requests/{requestID}", h.GetRequest)
			r.Delete("/requests/{requestID}", h.DeleteRequest)
			r.Post("/requests/{requestID}/replay", h.ReplayRequest)
		})
	})
	return r
}

// canonicalID parses an endpoint id from a URL or client frame and returns
// its canonical lowercase form.
func canonicalID(raw string) (string, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", false
	}
	return id.String(), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// storeError maps a store failure onto the API's status codes.
func (h *Handler) storeError(w http.ResponseWriter, r *http.Request, err error) {
	log := h.log.WithField("request_id", middleware.GetReqID(r.Context()))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrConflict):
		log.WithError(err).Error("store conflict")
		writeError(w, http.StatusConflict, "already exists")
	default:
		log.WithError(err).Error("store failure")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
