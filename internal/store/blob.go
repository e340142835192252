package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
)

const (
	endpointPrefix = "endpoints/"
	requestPrefix  = "requests/"
)

// BlobStore keeps every endpoint and request as its own JSON object:
//
//	endpoints/{id}
//	requests/{endpointId}/{requestId}
//
// There are no index objects. Listings fetch and decode every object under
// the prefix and sort in memory.
//
// Request ids are allocated as max(existing)+1 from a prefix listing. Two
// concurrent appends to the same endpoint can pick the same id and the later
// write replaces the earlier one; the bucket offers no atomic counter.
//
// DeleteEndpoint only removes the endpoint object. Use RemoveEndpoint to
// delete its requests as well.
type BlobStore struct {
	bucket *blob.Bucket
	log    logrus.FieldLogger
}

// OpenBlobStore opens a bucket by URL (file://, mem://, s3://).
func OpenBlobStore(ctx context.Context, bucketURL string, logger logrus.FieldLogger) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, wrap("open bucket", err)
	}
	return NewBlobStore(bucket, logger), nil
}

func NewBlobStore(bucket *blob.Bucket, logger logrus.FieldLogger) *BlobStore {
	return &BlobStore{bucket: bucket, log: logger.WithField("store", "blob")}
}

func (s *BlobStore) Close() error { return s.bucket.Close() }

func endpointKey(id string) string { return endpointPrefix + id }

func requestDir(endpointID string) string { return requestPrefix + endpointID + "/" }

func requestKey(endpointID string, id int64) string {
	return requestDir(endpointID) + strconv.FormatInt(id, 10)
}

func isNotFound(err error) bool { return gcerrors.Code(err) == gcerrors.NotFound }

func (s *BlobStore) put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.bucket.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: "application/json"})
}

func (s *BlobStore) get(ctx context.Context, key string, v any) error {
	data, err := s.bucket.ReadAll(ctx, key)
	if isNotFound(err) {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// scan calls fn for every object under prefix.
func (s *BlobStore) scan(ctx context.Context, prefix string, fn func(*blob.ListObject) error) error {
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if obj.IsDir {
			continue
		}
		if err := fn(obj); err != nil {
			return err
		}
	}
}

func (s *BlobStore) CreateEndpoint(ctx context.Context, e *Endpoint) error {
	if err := e.Validate(); err != nil {
		return err
	}
	key := endpointKey(e.ID)
	exists, err := s.bucket.Exists(ctx, key)
	if err != nil {
		return wrap("create endpoint", err)
	}
	if exists {
		return fmt.Errorf("endpoint %s: %w", e.ID, ErrConflict)
	}
	if err := s.put(ctx, key, e); err != nil {
		return wrap("create endpoint", err)
	}
	s.log.WithField("endpoint_id", e.ID).Debug("saved endpoint")
	return nil
}

func (s *BlobStore) GetEndpoint(ctx context.Context, id string) (*Endpoint, error) {
	var e Endpoint
	if err := s.get(ctx, endpointKey(id), &e); err != nil {
		return nil, wrap("get endpoint", err)
	}
	return &e, nil
}

func (s *BlobStore) ListEndpoints(ctx context.Context) ([]*Endpoint, error) {
	endpoints := []*Endpoint{}
	err := s.scan(ctx, endpointPrefix, func(obj *blob.ListObject) error {
		var e Endpoint
		if err := s.get(ctx, obj.Key, &e); err != nil {
			if !errors.Is(err, ErrNotFound) {
				s.log.WithError(err).WithField("key", obj.Key).Error("reading endpoint object")
			}
			return nil
		}
		endpoints = append(endpoints, &e)
		return nil
	})
	if err != nil {
		return nil, wrap("list endpoints", err)
	}
	sort.SliceStable(endpoints, func(i, j int) bool {
		return endpoints[i].CreatedAt.After(endpoints[j].CreatedAt)
	})
	return endpoints, nil
}

// UpdateEndpoint overwrites the endpoint object. It refuses to recreate an
// endpoint that no longer exists, although a delete landing between the
// check and the write can still be undone.
func (s *BlobStore) UpdateEndpoint(ctx context.Context, e *Endpoint) error {
	if err := e.Validate(); err != nil {
		return err
	}
	key := endpointKey(e.ID)
	exists, err := s.bucket.Exists(ctx, key)
	if err != nil {
		return wrap("update endpoint", err)
	}
	if !exists {
		return fmt.Errorf("endpoint %s: %w", e.ID, ErrNotFound)
	}
	return wrap("update endpoint", s.put(ctx, key, e))
}

func (s *BlobStore) DeleteEndpoint(ctx context.Context, id string) error {
	err := s.bucket.Delete(ctx, endpointKey(id))
	if isNotFound(err) {
		return fmt.Errorf("endpoint %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return wrap("delete endpoint", err)
	}
	s.log.WithField("endpoint_id", id).Info("deleted endpoint object")
	return nil
}

func (s *BlobStore) AppendRequest(ctx context.Context, req *Request) (int64, error) {
	if req.ID == 0 {
		id, err := s.nextRequestID(ctx, req.EndpointID)
		if err != nil {
			return 0, wrap("append request", err)
		}
		req.ID = id
	}
	if err := s.put(ctx, requestKey(req.EndpointID, req.ID), req); err != nil {
		return 0, wrap("append request", err)
	}
	s.log.WithFields(logrus.Fields{"endpoint_id": req.EndpointID, "request_id": req.ID}).Debug("saved request")
	return req.ID, nil
}

// nextRequestID returns one past the highest numeric id under the endpoint's
// prefix. Nothing reserves the id between this call and the write.
func (s *BlobStore) nextRequestID(ctx context.Context, endpointID string) (int64, error) {
	var highest int64
	err := s.scan(ctx, requestDir(endpointID), func(obj *blob.ListObject) error {
		id, err := strconv.ParseInt(path.Base(obj.Key), 10, 64)
		if err == nil && id > highest {
			highest = id
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return highest + 1, nil
}

func (s *BlobStore) GetRequest(ctx context.Context, endpointID string, id int64) (*Request, error) {
	var r Request
	if err := s.get(ctx, requestKey(endpointID, id), &r); err != nil {
		return nil, wrap("get request", err)
	}
	return &r, nil
}

func (s *BlobStore) ListRequests(ctx context.Context, endpointID string) ([]*Request, error) {
	reqs := []*Request{}
	err := s.scan(ctx, requestDir(endpointID), func(obj *blob.ListObject) error {
		var r Request
		if err := s.get(ctx, obj.Key, &r); err != nil {
			if !errors.Is(err, ErrNotFound) {
				s.log.WithError(err).WithField("key", obj.Key).Error("reading request object")
			}
			return nil
		}
		reqs = append(reqs, &r)
		return nil
	})
	if err != nil {
		return nil, wrap("list requests", err)
	}
	sort.SliceStable(reqs, func(i, j int) bool {
		if reqs[i].ReceivedAt.Equal(reqs[j].ReceivedAt) {
			return reqs[i].ID > reqs[j].ID
		}
		return reqs[i].ReceivedAt.After(reqs[j].ReceivedAt)
	})
	return reqs, nil
}

func (s *BlobStore) DeleteRequest(ctx context.Context, endpointID string, id int64) error {
	err := s.bucket.Delete(ctx, requestKey(endpointID, id))
	if isNotFound(err) {
		return fmt.Errorf("request %s/%d: %w", endpointID, id, ErrNotFound)
	}
	return wrap("delete request", err)
}

// DeleteRequestsOlderThan walks every object under requests/ and deletes the
// ones whose storage modification time is before cutoff. The record's own
// ReceivedAt is not consulted. A failed delete is logged and skipped.
func (s *BlobStore) DeleteRequestsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.scan(ctx, requestPrefix, func(obj *blob.ListObject) error {
		if !obj.ModTime.Before(cutoff) {
			return nil
		}
		if err := s.bucket.Delete(ctx, obj.Key); err != nil && !isNotFound(err) {
			s.log.WithError(err).WithField("key", obj.Key).Error("deleting old request object")
			return nil
		}
		deleted++
		s.log.WithFields(logrus.Fields{"endpoint_id": endpointIDFromKey(obj.Key), "key": obj.Key}).Debug("deleted old request object")
		return nil
	})
	if err != nil {
		return deleted, wrap("delete old requests", err)
	}
	return deleted, nil
}

// endpointIDFromKey extracts the endpoint id from a request object key.
func endpointIDFromKey(key string) string {
	rest := strings.TrimPrefix(key, requestPrefix)
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i]
	}
	return ""
}
