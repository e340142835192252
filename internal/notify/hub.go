package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/PipeOpsHQ/hookcatch/internal/store"
)

// EventReceiveRequest is the event type sent for every new capture.
const EventReceiveRequest = "ReceiveRequest"

const (
	previewRunes            = 50
	binaryPlaceholder       = "(Binary)"
	defaultSubscriberBuffer = 16
)

// Summary is the lightweight view of a captured request pushed to viewers.
type Summary struct {
	ID                 int64     `json:"id"`
	ReceivedAt         time.Time `json:"receivedAt"`
	Method             string    `json:"method"`
	Path               string    `json:"path"`
	StatusCodeReturned int       `json:"statusCodeReturned"`
	Body               string    `json:"body"`
	IsBodyBase64       bool      `json:"isBodyBase64"`
}

type Event struct {
	Type       string  `json:"type"`
	EndpointID string  `json:"endpointId"`
	Payload    Summary `json:"payload"`
}

// Summarize builds the notification payload for r. Text bodies are cut to
// 50 characters with a trailing "..."; binary bodies are replaced by a
// placeholder.
func Summarize(r *store.Request) Summary {
	s := Summary{
		ID:                 r.ID,
		ReceivedAt:         r.ReceivedAt,
		Method:             r.Method,
		Path:               r.Path,
		StatusCodeReturned: r.StatusCodeReturned,
		IsBodyBase64:       r.IsBodyBase64,
	}
	switch {
	case r.IsBodyBase64:
		s.Body = binaryPlaceholder
	case r.Body != nil:
		s.Body = preview(*r.Body)
	}
	return s
}

func preview(body string) string {
	if utf8.RuneCountInString(body) <= previewRunes {
		return body
	}
	n := 0
	for i := range body {
		if n == previewRunes {
			return body[:i] + "..."
		}
		n++
	}
	return body
}

// Publisher delivers a capture summary to the viewers of an endpoint.
type Publisher interface {
	Publish(ctx context.Context, endpointID string, s Summary) error
}

// Subscriber is one live connection. Events are buffered; when the buffer is
// full further events are dropped for this subscriber only.
type Subscriber struct {
	ch      chan Event
	closed  bool // guarded by Hub.mu
	dropped atomic.Int64
}

func (s *Subscriber) Events() <-chan Event { return s.ch }

// Dropped reports how many events were discarded because the subscriber was
// not keeping up.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// Hub groups subscribers by endpoint id and fans events out to them. It is
// the in-process Publisher.
type Hub struct {
	mu     sync.RWMutex
	groups map[string]map[*Subscriber]struct{}
	buffer int
	log    logrus.FieldLogger
}

func NewHub(buffer int, logger logrus.FieldLogger) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{
		groups: make(map[string]map[*Subscriber]struct{}),
		buffer: buffer,
		log:    logger.WithField("component", "notify"),
	}
}

func (h *Hub) NewSubscriber() *Subscriber {
	return &Subscriber{ch: make(chan Event, h.buffer)}
}

func (h *Hub) Join(endpointID string, sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed {
		return
	}
	group, ok := h.groups[endpointID]
	if !ok {
		group = make(map[*Subscriber]struct{})
		h.groups[endpointID] = group
	}
	group[sub] = struct{}{}
}

func (h *Hub) Leave(endpointID string, sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(endpointID, sub)
}

func (h *Hub) leaveLocked(endpointID string, sub *Subscriber) {
	group, ok := h.groups[endpointID]
	if !ok {
		return
	}
	delete(group, sub)
	if len(group) == 0 {
		delete(h.groups, endpointID)
	}
}

// Remove drops sub from every group and closes its event channel.
func (h *Hub) Remove(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed {
		return
	}
	for endpointID := range h.groups {
		h.leaveLocked(endpointID, sub)
	}
	sub.closed = true
	close(sub.ch)
}

// Subscribers returns the number of subscribers in an endpoint's group.
func (h *Hub) Subscribers(endpointID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[endpointID])
}

// Publish never blocks and never fails: with no subscribers the event is
// simply discarded.
func (h *Hub) Publish(_ context.Context, endpointID string, s Summary) error {
	ev := Event{Type: EventReceiveRequest, EndpointID: endpointID, Payload: s}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.groups[endpointID] {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			h.log.WithField("endpoint_id", endpointID).Warn("subscriber too slow, event dropped")
		}
	}
	return nil
}
