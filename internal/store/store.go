package store

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

const MaxDescriptionLength = 200

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// Error wraps a failure of the underlying storage engine.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		return err
	}
	return &Error{Op: op, Err: err}
}

type Endpoint struct {
	ID            string     `json:"id"`
	CreatedAt     time.Time  `json:"createdAt"`
	Description   string     `json:"description,omitempty"`
	HasSecret     bool       `json:"hasSecret"`
	Secret        string     `json:"secret,omitempty"` // HMAC key, stored as given
	LastRequestAt *time.Time `json:"lastRequestAt,omitempty"`
	IsActive      bool       `json:"isActive"`
}

func (e *Endpoint) Validate() error {
	if e.ID == "" {
		return errors.New("endpoint id is required")
	}
	if utf8.RuneCountInString(e.Description) > MaxDescriptionLength {
		return fmt.Errorf("description exceeds %d characters", MaxDescriptionLength)
	}
	if e.HasSecret && e.Secret == "" {
		return errors.New("secret is required when hasSecret is set")
	}
	if !e.HasSecret && e.Secret != "" {
		return errors.New("secret set without hasSecret")
	}
	return nil
}

type Request struct {
	ID                 int64             `json:"id"`
	EndpointID         string            `json:"endpointId"`
	ReceivedAt         time.Time         `json:"receivedAt"`
	Method             string            `json:"method"`
	Path               string            `json:"path"`
	QueryString        string            `json:"queryString,omitempty"`
	Headers            map[string]string `json:"headers"`
	ContentType        string            `json:"contentType,omitempty"`
	ClientAddress      string            `json:"clientAddress,omitempty"`
	Body               *string           `json:"body,omitempty"`
	IsBodyBase64       bool              `json:"isBodyBase64"`
	IsBodyTruncated    bool              `json:"isBodyTruncated"`
	StatusCodeReturned int               `json:"statusCodeReturned"`
}

// Store persists endpoints and their captured requests. Implementations are
// safe for concurrent use.
type Store interface {
	CreateEndpoint(ctx context.Context, e *Endpoint) error
	GetEndpoint(ctx context.Context, id string) (*Endpoint, error)
	// ListEndpoints returns all endpoints, newest first.
	ListEndpoints(ctx context.Context) ([]*Endpoint, error)
	UpdateEndpoint(ctx context.Context, e *Endpoint) error
	DeleteEndpoint(ctx context.Context, id string) error

	// AppendRequest stores req under its endpoint and returns its id,
	// assigning one when req.ID is zero.
	AppendRequest(ctx context.Context, req *Request) (int64, error)
	GetRequest(ctx context.Context, endpointID string, id int64) (*Request, error)
	// ListRequests returns the endpoint's requests, newest first.
	ListRequests(ctx context.Context, endpointID string) ([]*Request, error)
	DeleteRequest(ctx context.Context, endpointID string, id int64) error
	DeleteRequestsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}

// EndpointExpirer is implemented by stores that also age out whole endpoints.
type EndpointExpirer interface {
	DeleteEndpointsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// CascadingStore is implemented by stores whose DeleteEndpoint also removes
// the endpoint's requests.
type CascadingStore interface {
	CascadesRequests() bool
}

// RequestClearer is implemented by stores that delete all of an endpoint's
// requests in one operation.
type RequestClearer interface {
	DeleteRequestsForEndpoint(ctx context.Context, endpointID string) (int64, error)
}

// ClearRequests deletes every request of an endpoint and reports how many
// went. Requests already gone when their turn comes are not counted.
func ClearRequests(ctx context.Context, s Store, endpointID string) (int64, error) {
	if c, ok := s.(RequestClearer); ok {
		return c.DeleteRequestsForEndpoint(ctx, endpointID)
	}
	reqs, err := s.ListRequests(ctx, endpointID)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, r := range reqs {
		err := s.DeleteRequest(ctx, endpointID, r.ID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// RemoveEndpoint deletes an endpoint together with its requests. Stores that
// cascade do it in one call; for the others the requests are enumerated and
// deleted first, then the endpoint. The second path is not atomic: a capture
// racing with it can leave an orphaned request behind.
func RemoveEndpoint(ctx context.Context, s Store, id string) error {
	if c, ok := s.(CascadingStore); ok && c.CascadesRequests() {
		return s.DeleteEndpoint(ctx, id)
	}

	if _, err := s.GetEndpoint(ctx, id); err != nil {
		return err
	}
	reqs, err := s.ListRequests(ctx, id)
	if err != nil {
		return err
	}
	for _, r := range reqs {
		if err := s.DeleteRequest(ctx, id, r.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return s.DeleteEndpoint(ctx, id)
}
