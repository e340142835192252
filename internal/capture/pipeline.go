package capture

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/PipeOpsHQ/hookcatch/internal/notify"
	"github.com/PipeOpsHQ/hookcatch/internal/store"
)

// ErrEndpointNotFound covers both unknown and inactive endpoints.
var ErrEndpointNotFound = fmt.Errorf("endpoint unavailable: %w", store.ErrNotFound)

const DefaultSignatureHeader = "Signature-256"

// Inbound is one call received on a capture endpoint, with its body fully
// read.
type Inbound struct {
	EndpointID string
	Method     string
	Path       string // suffix after the endpoint id, without leading slash
	RawQuery   string
	Host       string
	Header     http.Header
	Body       []byte
	RemoteAddr string
}

type Options struct {
	SignatureHeader string
	Now             func() time.Time
}

// Pipeline turns inbound calls into stored requests and live notifications.
type Pipeline struct {
	store           store.Store
	publisher       notify.Publisher
	signatureHeader string
	now             func() time.Time
	log             logrus.FieldLogger
}

func NewPipeline(s store.Store, pub notify.Publisher, opts Options, logger logrus.FieldLogger) *Pipeline {
	p := &Pipeline{
		store:           s,
		publisher:       pub,
		signatureHeader: opts.SignatureHeader,
		now:             opts.Now,
		log:             logger.WithField("component", "capture"),
	}
	if p.signatureHeader == "" {
		p.signatureHeader = DefaultSignatureHeader
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Capture records in against its endpoint. It returns ErrEndpointNotFound for
// unknown or inactive endpoints and ErrUnauthorized when a signed endpoint
// gets a bad signature; in both cases nothing is stored or published.
//
// Once the request is stored, the endpoint update and the notification are
// best-effort: their failures are logged and do not fail the capture.
func (p *Pipeline) Capture(ctx context.Context, in *Inbound) (*store.Request, error) {
	receivedAt := p.now().UTC()
	log := p.log.WithFields(logrus.Fields{"endpoint_id": in.EndpointID, "method": in.Method})

	ep, err := p.store.GetEndpoint(ctx, in.EndpointID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrEndpointNotFound
	}
	if err != nil {
		return nil, err
	}
	if !ep.IsActive {
		log.Debug("capture on inactive endpoint")
		return nil, ErrEndpointNotFound
	}

	if ep.HasSecret {
		if err := VerifySignature(in.Body, in.Header.Get(p.signatureHeader), ep.Secret); err != nil {
			log.Warn("capture rejected: invalid or missing signature")
			return nil, err
		}
	}

	body := NormalizeBody(in.Body)
	req := &store.Request{
		EndpointID:         ep.ID,
		ReceivedAt:         receivedAt,
		Method:             in.Method,
		Path:               in.Path,
		QueryString:        queryString(in.RawQuery),
		Headers:            flattenHeaders(in.Header, in.Host),
		ContentType:        in.Header.Get("Content-Type"),
		ClientAddress:      clientIP(in.RemoteAddr),
		Body:               &body.Text,
		IsBodyBase64:       body.Base64,
		IsBodyTruncated:    body.Truncated,
		StatusCodeReturned: http.StatusOK,
	}
	if _, err := p.store.AppendRequest(ctx, req); err != nil {
		return nil, err
	}

	// The record exists now; a caller that goes away must not stop the rest.
	ctx = context.WithoutCancel(ctx)
	log = log.WithField("request_id", req.ID)

	ep.LastRequestAt = &receivedAt
	if err := p.store.UpdateEndpoint(ctx, ep); err != nil {
		log.WithError(err).Warn("updating endpoint lastRequestAt")
	}

	if err := p.publisher.Publish(ctx, ep.ID, notify.Summarize(req)); err != nil {
		log.WithError(err).Warn("publishing capture notification")
	}

	log.WithFields(logrus.Fields{
		"bytes":     len(in.Body),
		"binary":    body.Base64,
		"truncated": body.Truncated,
	}).Info("request captured")
	return req, nil
}

func queryString(raw string) string {
	if raw == "" {
		return ""
	}
	return "?" + raw
}

// flattenHeaders keeps every header, joining repeated values with ", ".
// net/http moves Host out of the header map, so it is put back.
func flattenHeaders(h http.Header, host string) map[string]string {
	out := make(map[string]string, len(h)+1)
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	if host != "" {
		if _, ok := out["Host"]; !ok {
			out["Host"] = host
		}
	}
	return out
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
