package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/PipeOpsHQ/hookcatch/internal/store"
)

const (
	DefaultPeriod = 24 * time.Hour
	DefaultMaxAge = 30 * 24 * time.Hour
)

type Options struct {
	Period time.Duration
	MaxAge time.Duration
	Now    func() time.Time
}

// Result summarises one sweep.
type Result struct {
	Cutoff           time.Time
	RequestsDeleted  int64
	EndpointsDeleted int64
}

// Sweeper periodically deletes captured requests older than MaxAge, and
// whole endpoints as well when the store supports it.
type Sweeper struct {
	store  store.Store
	period time.Duration
	maxAge time.Duration
	now    func() time.Time
	log    logrus.FieldLogger
}

func New(s store.Store, opts Options, logger logrus.FieldLogger) *Sweeper {
	sw := &Sweeper{
		store:  s,
		period: opts.Period,
		maxAge: opts.MaxAge,
		now:    opts.Now,
		log:    logger.WithField("component", "retention"),
	}
	if sw.period <= 0 {
		sw.period = DefaultPeriod
	}
	if sw.maxAge <= 0 {
		sw.maxAge = DefaultMaxAge
	}
	if sw.now == nil {
		sw.now = time.Now
	}
	return sw
}

// Start launches the sweep loop in a background goroutine. The first sweep
// runs immediately; the loop stops when ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	if s == nil {
		return
	}
	go s.run(ctx)
	s.log.WithFields(logrus.Fields{"period": s.period, "max_age": s.maxAge}).Info("retention sweeper started")
}

func (s *Sweeper) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		s.cycle(ctx)
		if ctx.Err() != nil {
			return
		}
		timer := time.NewTimer(s.period)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info("retention sweeper stopped")
			return
		case <-timer.C:
		}
	}
}

// cycle runs one sweep and keeps the loop alive whatever happens inside it.
func (s *Sweeper) cycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Error("retention sweep panicked")
		}
	}()
	if _, err := s.RunOnce(ctx); err != nil {
		s.log.WithError(err).Warn("retention sweep incomplete")
	}
}

// RunOnce deletes everything older than now-MaxAge. Both deletions are
// attempted even when the first fails; their errors are joined.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	res := Result{Cutoff: s.now().UTC().Add(-s.maxAge)}
	log := s.log.WithField("cutoff", res.Cutoff.Format(time.RFC3339))

	var errs []error
	n, err := s.store.DeleteRequestsOlderThan(ctx, res.Cutoff)
	if err != nil {
		errs = append(errs, fmt.Errorf("delete requests: %w", err))
	}
	res.RequestsDeleted = n

	if exp, ok := s.store.(store.EndpointExpirer); ok {
		n, err := exp.DeleteEndpointsOlderThan(ctx, res.Cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete endpoints: %w", err))
		}
		res.EndpointsDeleted = n
	}

	log.WithFields(logrus.Fields{
		"requests_deleted":  res.RequestsDeleted,
		"endpoints_deleted": res.EndpointsDeleted,
	}).Info("retention sweep finished")
	return res, errors.Join(errs...)
}
