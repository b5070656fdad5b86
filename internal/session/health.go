package session

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// HealthCheck pings the fast cache and the durable tier concurrently and
// reports true only when both answer.
func (s *Store) HealthCheck(ctx context.Context) bool {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.cache.Ping(gctx); err != nil {
			return fmt.Errorf("ping cache: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := s.durable.Ping(gctx); err != nil {
			return fmt.Errorf("ping durable: %w", err)
		}
		return nil
	})
	return g.Wait() == nil
}

// TierStatus is the reachability of one tier.
type TierStatus struct {
	Reachable bool   `json:"reachable"`
	Error     string `json:"error,omitempty"`
}

// Diagnostics is a point-in-time view of every tier.
type Diagnostics struct {
	Healthy           bool       `json:"healthy"`
	Cache             TierStatus `json:"cache"`
	Durable           TierStatus `json:"durable"`
	QueueDepth        int64      `json:"queueDepth"`
	QueueError        string     `json:"queueError,omitempty"`
	QueueDropped      int64      `json:"queueDropped"`
	FallbackSnapshots int        `json:"fallbackSnapshots"`
	PendingWrites     int64      `json:"pendingWrites"`
}

// Diagnostics probes all tiers. Unlike HealthCheck it never short-circuits,
// so every field reflects its own probe.
func (s *Store) Diagnostics(ctx context.Context) Diagnostics {
	var (
		d        Diagnostics
		g        errgroup.Group
		cacheErr error
		durErr   error
		queueErr error
	)

	g.Go(func() error {
		cacheErr = s.cache.Ping(ctx)
		return nil
	})
	g.Go(func() error {
		durErr = s.durable.Ping(ctx)
		return nil
	})
	g.Go(func() error {
		d.QueueDepth, queueErr = s.queue.Len(ctx)
		return nil
	})
	g.Go(func() error {
		ids, err := s.fallback.List()
		if err == nil {
			d.FallbackSnapshots = len(ids)
		}
		return nil
	})
	_ = g.Wait()

	d.Cache = tierStatus(cacheErr)
	d.Durable = tierStatus(durErr)
	if queueErr != nil {
		d.QueueError = queueErr.Error()
	}
	if counter, ok := s.queue.(interface{ Dropped() int64 }); ok {
		d.QueueDropped = counter.Dropped()
	}
	d.PendingWrites = s.writes.pending.Load()
	d.Healthy = d.Cache.Reachable && d.Durable.Reachable
	return d
}

func tierStatus(err error) TierStatus {
	if err != nil {
		return TierStatus{Error: err.Error()}
	}
	return TierStatus{Reachable: true}
}
