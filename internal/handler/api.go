package handler

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/PipeOpsHQ/hookcatch/internal/store"
)

const maxAPIBodyBytes = 64 << 10

// SecretHeader carries an endpoint's secret on API and live-stream requests
// for endpoints created with one.
const SecretHeader = "X-Endpoint-Secret"

// endpointView is the API representation of an endpoint. The secret never
// leaves the server.
type endpointView struct {
	ID            string     `json:"id"`
	CreatedAt     time.Time  `json:"createdAt"`
	Description   string     `json:"description,omitempty"`
	HasSecret     bool       `json:"hasSecret"`
	LastRequestAt *time.Time `json:"lastRequestAt,omitempty"`
	IsActive      bool       `json:"isActive"`
	CaptureURL    string     `json:"captureUrl"`
}

func newEndpointView(r *http.Request, e *store.Endpoint) endpointView {
	return endpointView{
		ID:            e.ID,
		CreatedAt:     e.CreatedAt,
		Description:   e.Description,
		HasSecret:     e.HasSecret,
		LastRequestAt: e.LastRequestAt,
		IsActive:      e.IsActive,
		CaptureURL:    baseURL(r) + "/capture/" + e.ID,
	}
}

// baseURL is display-only: it names the capture URL back to the caller and
// is never dialled.
func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// secretMatches reports whether given unlocks ep. Endpoints without a secret
// are open.
func secretMatches(ep *store.Endpoint, given string) bool {
	if !ep.HasSecret {
		return true
	}
	return hmac.Equal([]byte(given), []byte(ep.Secret))
}

// watchable loads an endpoint for a live-stream subscription and checks the
// secret presented for it.
func (h *Handler) watchable(ctx context.Context, id, secret string) (bool, error) {
	ep, err := h.store.GetEndpoint(ctx, id)
	if err != nil {
		return false, err
	}
	return secretMatches(ep, secret), nil
}

type createEndpointRequest struct {
	Description string `json:"description"`
	Secret      string `json:"secret"`
}

type updateEndpointRequest struct {
	Description *string `json:"description"`
	IsActive    *bool   `json:"isActive"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAPIBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (h *Handler) CreateEndpoint(w http.ResponseWriter, r *http.Request) {
	var body createEndpointRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	ep := &store.Endpoint{
		ID:          uuid.NewString(),
		CreatedAt:   time.Now().UTC(),
		Description: body.Description,
		HasSecret:   body.Secret != "",
		Secret:      body.Secret,
		IsActive:    true,
	}
	if err := ep.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.store.CreateEndpoint(r.Context(), ep); err != nil {
		h.storeError(w, r, err)
		return
	}

	h.log.WithField("endpoint_id", ep.ID).WithField("signed", ep.HasSecret).Info("endpoint created")
	writeJSON(w, http.StatusCreated, newEndpointView(r, ep))
}

func (h *Handler) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	eps, err := h.store.ListEndpoints(r.Context())
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	out := make([]endpointView, 0, len(eps))
	for _, e := range eps {
		out = append(out, newEndpointView(r, e))
	}
	writeJSON(w, http.StatusOK, out)
}

// endpointFromURL loads the endpoint named in the route, writing a 404 when
// the id is malformed or unknown and a 401 when the endpoint has a secret
// that the request does not present.
func (h *Handler) endpointFromURL(w http.ResponseWriter, r *http.Request) (*store.Endpoint, bool) {
	id, ok := canonicalID(chi.URLParam(r, "endpointID"))
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return nil, false
	}
	ep, err := h.store.GetEndpoint(r.Context(), id)
	if err != nil {
		h.storeError(w, r, err)
		return nil, false
	}
	if !secretMatches(ep, r.Header.Get(SecretHeader)) {
		h.log.WithField("endpoint_id", ep.ID).WithField("request_id", middleware.GetReqID(r.Context())).
			Warn("endpoint secret missing or wrong")
		writeError(w, http.StatusUnauthorized, "endpoint secret required")
		return nil, false
	}
	return ep, true
}

func (h *Handler) GetEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, ok := h.endpointFromURL(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newEndpointView(r, ep))
}

func (h *Handler) UpdateEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, ok := h.endpointFromURL(w, r)
	if !ok {
		return
	}
	var body updateEndpointRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Description != nil {
		ep.Description = *body.Description
	}
	if body.IsActive != nil {
		ep.IsActive = *body.IsActive
	}
	if err := ep.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.store.UpdateEndpoint(r.Context(), ep); err != nil {
		h.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newEndpointView(r, ep))
}

func (h *Handler) DeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, ok := h.endpointFromURL(w, r)
	if !ok {
		return
	}
	if err := store.RemoveEndpoint(r.Context(), h.store, ep.ID); err != nil {
		h.storeError(w, r, err)
		return
	}
	h.log.WithField("endpoint_id", ep.ID).Info("endpoint deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	ep, ok := h.endpointFromURL(w, r)
	if !ok {
		return
	}
	reqs, err := h.store.ListRequests(r.Context(), ep.ID)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	if reqs == nil {
		reqs = []*store.Request{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

type clearRequestsResponse struct {
	Deleted int64 `json:"deleted"`
}

// ClearRequests deletes every request captured for the endpoint and keeps
// the endpoint itself.
func (h *Handler) ClearRequests(w http.ResponseWriter, r *http.Request) {
	ep, ok := h.endpointFromURL(w, r)
	if !ok {
		return
	}
	n, err := store.ClearRequests(r.Context(), h.store, ep.ID)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.log.WithField("endpoint_id", ep.ID).WithField("deleted", n).Info("requests cleared")
	writeJSON(w, http.StatusOK, clearRequestsResponse{Deleted: n})
}

// requestFromURL resolves {endpointID}/{requestID} under the same rules as
// endpointFromURL, writing a 404 when the request id is malformed or unknown.
func (h *Handler) requestFromURL(w http.ResponseWriter, r *http.Request) (*store.Request, bool) {
	ep, ok := h.endpointFromURL(w, r)
	if !ok {
		return nil, false
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "requestID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, "not found")
		return nil, false
	}
	req, err := h.store.GetRequest(r.Context(), ep.ID, id)
	if err != nil {
		h.storeError(w, r, err)
		return nil, false
	}
	return req, true
}

func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, ok := h.requestFromURL(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handler) DeleteRequest(w http.ResponseWriter, r *http.Request) {
	req, ok := h.requestFromURL(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteRequest(r.Context(), req.EndpointID, req.ID); err != nil {
		h.storeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
