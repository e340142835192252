package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/PipeOpsHQ/hookcatch/internal/logging"
)

// --- Helpers ---

func newSQLite(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "webhook.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newMemBlob(t *testing.T) *BlobStore {
	t.Helper()
	s := NewBlobStore(memblob.OpenBucket(nil), logging.Discard())
	t.Cleanup(func() { s.Close() })
	return s
}

func newEndpoint(createdAt time.Time) *Endpoint {
	return &Endpoint{
		ID:        uuid.NewString(),
		CreatedAt: createdAt.UTC(),
		IsActive:  true,
	}
}

func newRequest(endpointID string, receivedAt time.Time, body string) *Request {
	return &Request{
		EndpointID:         endpointID,
		ReceivedAt:         receivedAt.UTC(),
		Method:             "POST",
		Path:               "hooks/github",
		QueryString:        "?a=1",
		Headers:            map[string]string{"Content-Type": "application/json", "X-Multi": "a, b"},
		ContentType:        "application/json",
		ClientAddress:      "10.0.0.7",
		Body:               &body,
		StatusCodeReturned: 200,
	}
}

var backends = map[string]func(t *testing.T) Store{
	"relational": func(t *testing.T) Store { return newSQLite(t) },
	"object":     func(t *testing.T) Store { return newMemBlob(t) },
}

// --- Shared contract ---

func TestContract_EndpointLifecycle(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			now := time.Now().UTC().Truncate(time.Microsecond)
			ep := newEndpoint(now)
			ep.Description = "stripe test"
			ep.HasSecret = true
			ep.Secret = "abc"
			require.NoError(t, s.CreateEndpoint(ctx, ep))

			got, err := s.GetEndpoint(ctx, ep.ID)
			require.NoError(t, err)
			assert.Equal(t, ep.ID, got.ID)
			assert.True(t, got.CreatedAt.Equal(now))
			assert.Equal(t, "stripe test", got.Description)
			assert.True(t, got.HasSecret)
			assert.Equal(t, "abc", got.Secret)
			assert.True(t, got.IsActive)
			assert.Nil(t, got.LastRequestAt)

			err = s.CreateEndpoint(ctx, ep)
			assert.True(t, errors.Is(err, ErrConflict), "duplicate create: %v", err)

			last := now.Add(time.Minute)
			got.LastRequestAt = &last
			got.IsActive = false
			require.NoError(t, s.UpdateEndpoint(ctx, got))

			got, err = s.GetEndpoint(ctx, ep.ID)
			require.NoError(t, err)
			require.NotNil(t, got.LastRequestAt)
			assert.True(t, got.LastRequestAt.Equal(last))
			assert.False(t, got.IsActive)

			require.NoError(t, s.DeleteEndpoint(ctx, ep.ID))
			_, err = s.GetEndpoint(ctx, ep.ID)
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, s.DeleteEndpoint(ctx, ep.ID), ErrNotFound)
		})
	}
}

func TestContract_MissingRecords(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			_, err := s.GetEndpoint(ctx, uuid.NewString())
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = s.GetRequest(ctx, uuid.NewString(), 1)
			assert.ErrorIs(t, err, ErrNotFound)

			assert.ErrorIs(t, s.DeleteRequest(ctx, uuid.NewString(), 1), ErrNotFound)
			assert.ErrorIs(t, s.UpdateEndpoint(ctx, newEndpoint(time.Now())), ErrNotFound)
		})
	}
}

func TestContract_InvalidEndpointRejected(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			ep := newEndpoint(time.Now())
			ep.HasSecret = true
			assert.Error(t, s.CreateEndpoint(ctx, ep))

			_, err := s.GetEndpoint(ctx, ep.ID)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestContract_ListEndpointsNewestFirst(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			base := time.Now().UTC()
			older := newEndpoint(base.Add(-2 * time.Hour))
			newest := newEndpoint(base)
			middle := newEndpoint(base.Add(-time.Hour))
			for _, ep := range []*Endpoint{older, newest, middle} {
				require.NoError(t, s.CreateEndpoint(ctx, ep))
			}

			list, err := s.ListEndpoints(ctx)
			require.NoError(t, err)
			require.Len(t, list, 3)
			assert.Equal(t, newest.ID, list[0].ID)
			assert.Equal(t, middle.ID, list[1].ID)
			assert.Equal(t, older.ID, list[2].ID)
		})
	}
}

func TestContract_Requests(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			ep := newEndpoint(time.Now())
			require.NoError(t, s.CreateEndpoint(ctx, ep))

			base := time.Now().UTC().Truncate(time.Microsecond)
			first := newRequest(ep.ID, base.Add(-time.Minute), `{"n":1}`)
			second := newRequest(ep.ID, base, `{"n":2}`)
			empty := newRequest(ep.ID, base.Add(-2*time.Minute), "")
			empty.Body = nil

			id1, err := s.AppendRequest(ctx, first)
			require.NoError(t, err)
			id2, err := s.AppendRequest(ctx, second)
			require.NoError(t, err)
			id3, err := s.AppendRequest(ctx, empty)
			require.NoError(t, err)
			assert.NotEqual(t, id1, id2)
			assert.Greater(t, id2, id1)
			assert.Equal(t, id1, first.ID)

			got, err := s.GetRequest(ctx, ep.ID, id1)
			require.NoError(t, err)
			assert.Equal(t, ep.ID, got.EndpointID)
			assert.True(t, got.ReceivedAt.Equal(first.ReceivedAt))
			assert.Equal(t, "POST", got.Method)
			assert.Equal(t, "hooks/github", got.Path)
			assert.Equal(t, "?a=1", got.QueryString)
			assert.Equal(t, first.Headers, got.Headers)
			assert.Equal(t, "application/json", got.ContentType)
			assert.Equal(t, "10.0.0.7", got.ClientAddress)
			require.NotNil(t, got.Body)
			assert.Equal(t, `{"n":1}`, *got.Body)
			assert.Equal(t, 200, got.StatusCodeReturned)

			got, err = s.GetRequest(ctx, ep.ID, id3)
			require.NoError(t, err)
			assert.Nil(t, got.Body)

			list, err := s.ListRequests(ctx, ep.ID)
			require.NoError(t, err)
			require.Len(t, list, 3)
			assert.Equal(t, id2, list[0].ID)
			assert.Equal(t, id1, list[1].ID)
			assert.Equal(t, id3, list[2].ID)

			_, err = s.GetRequest(ctx, uuid.NewString(), id1)
			assert.ErrorIs(t, err, ErrNotFound, "request ids are scoped to their endpoint")

			require.NoError(t, s.DeleteRequest(ctx, ep.ID, id1))
			_, err = s.GetRequest(ctx, ep.ID, id1)
			assert.ErrorIs(t, err, ErrNotFound)

			list, err = s.ListRequests(ctx, ep.ID)
			require.NoError(t, err)
			assert.Len(t, list, 2)
		})
	}
}

func TestContract_RemoveEndpoint(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			ep := newEndpoint(time.Now())
			require.NoError(t, s.CreateEndpoint(ctx, ep))
			for i := 0; i < 3; i++ {
				_, err := s.AppendRequest(ctx, newRequest(ep.ID, time.Now(), "x"))
				require.NoError(t, err)
			}

			require.NoError(t, RemoveEndpoint(ctx, s, ep.ID))

			_, err := s.GetEndpoint(ctx, ep.ID)
			assert.ErrorIs(t, err, ErrNotFound)
			list, err := s.ListRequests(ctx, ep.ID)
			require.NoError(t, err)
			assert.Empty(t, list)

			assert.ErrorIs(t, RemoveEndpoint(ctx, s, ep.ID), ErrNotFound)
		})
	}
}

func TestContract_ClearRequests(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			ep := newEndpoint(time.Now())
			other := newEndpoint(time.Now())
			require.NoError(t, s.CreateEndpoint(ctx, ep))
			require.NoError(t, s.CreateEndpoint(ctx, other))
			for i := 0; i < 3; i++ {
				_, err := s.AppendRequest(ctx, newRequest(ep.ID, time.Now(), "x"))
				require.NoError(t, err)
			}
			_, err := s.AppendRequest(ctx, newRequest(other.ID, time.Now(), "keep"))
			require.NoError(t, err)

			n, err := ClearRequests(ctx, s, ep.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(3), n)

			list, err := s.ListRequests(ctx, ep.ID)
			require.NoError(t, err)
			assert.Empty(t, list)
			_, err = s.GetEndpoint(ctx, ep.ID)
			assert.NoError(t, err, "endpoint survives")

			list, err = s.ListRequests(ctx, other.ID)
			require.NoError(t, err)
			assert.Len(t, list, 1)

			n, err = ClearRequests(ctx, s, ep.ID)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestError_Classification(t *testing.T) {
	err := wrap("get endpoint", errors.New("connection reset"))
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "get endpoint", se.Op)
	assert.Contains(t, err.Error(), "connection reset")

	assert.ErrorIs(t, wrap("x", ErrNotFound), ErrNotFound)
	assert.False(t, errors.As(wrap("x", ErrNotFound), &se))
	assert.NoError(t, wrap("x", nil))
}

func TestEndpoint_Validate(t *testing.T) {
	ep := newEndpoint(time.Now())
	assert.NoError(t, ep.Validate())

	long := newEndpoint(time.Now())
	for i := 0; i < MaxDescriptionLength+1; i++ {
		long.Description += "é"
	}
	assert.Error(t, long.Validate())

	long.Description = long.Description[:len("é")*MaxDescriptionLength]
	assert.NoError(t, long.Validate())

	stray := newEndpoint(time.Now())
	stray.Secret = "abc"
	assert.Error(t, stray.Validate())
}
