// Package scheduler drives the persistent queue: a drain on a fixed
// interval, plus an immediate drain whenever the transport reconnects.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Drainer attempts to deliver everything currently queued.
type Drainer interface {
	DrainQueue(ctx context.Context) error
}

// Scheduler serializes drains: a new cycle never starts while one is
// in progress, so retries keep their enqueue order.
type Scheduler struct {
	interval  time.Duration
	drainer   Drainer
	connected <-chan struct{}

	mu       sync.Mutex
	draining bool
}

func New(interval time.Duration, drainer Drainer, connected <-chan struct{}) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		interval:  interval,
		drainer:   drainer,
		connected: connected,
	}
}

// Run blocks until the context is cancelled, firing a drain on every
// tick and on every disconnected-to-connected transition.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("Sync scheduler started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Sync scheduler stopped")
			return
		case <-s.connected:
			s.fire(ctx, "reconnect")
		case <-ticker.C:
			s.fire(ctx, "interval")
		}
	}
}

// TriggerNow fires one drain outside the regular schedule, e.g. the
// startup replay of entries read back from storage.
func (s *Scheduler) TriggerNow(ctx context.Context) {
	s.fire(ctx, "manual")
}

func (s *Scheduler) fire(ctx context.Context, trigger string) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		log.Debug().Str("trigger", trigger).Msg("Drain already in progress, skipping")
		return
	}
	s.draining = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.draining = false
		s.mu.Unlock()
	}()

	if err := s.drainer.DrainQueue(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Str("trigger", trigger).Msg("Queue drain failed")
	}
}
