// Package worker runs background reconciliation of open sessions.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mindspace-dev/mindspace-store/internal/logger"
	"github.com/mindspace-dev/mindspace-store/pkg/activity"
)

// SessionSource lists the sessions to keep in sync.
type SessionSource interface {
	All() []*activity.Session
}

// IdleEvicter is implemented by session sources that drop idle sessions.
// The worker evicts before each cycle so it stops syncing abandoned users.
type IdleEvicter interface {
	EvictIdle() int
}

// SessionSyncer reconciles one session when it is due.
type SessionSyncer interface {
	SyncIfDue(ctx context.Context, sess *activity.Session) (bool, error)
}

// Syncer periodically reconciles every open session, at most
// maxConcurrency at a time.
type Syncer struct {
	sessions       SessionSource
	syncer         SessionSyncer
	logger         *log.Logger
	maxConcurrency int
}

// NewSyncer uses a concurrency of 4 when maxConcurrency is not positive.
func NewSyncer(sessions SessionSource, syncer SessionSyncer, l *log.Logger, maxConcurrency int) *Syncer {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	return &Syncer{
		sessions:       sessions,
		syncer:         syncer,
		logger:         logger.OrDiscard(l),
		maxConcurrency: maxConcurrency,
	}
}

// Start runs a cycle immediately and then on every tick until ctx is cancelled.
func (s *Syncer) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Sync worker started", "interval", interval, "max_concurrency", s.maxConcurrency)
	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sync worker stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce syncs every due session and returns how many changed.
func (s *Syncer) RunOnce(ctx context.Context) int {
	if ev, ok := s.sessions.(IdleEvicter); ok {
		if n := ev.EvictIdle(); n > 0 {
			s.logger.Debug("Evicted idle sessions", "count", n)
		}
	}

	sessions := s.sessions.All()
	if len(sessions) == 0 {
		return 0
	}

	sem := make(chan struct{}, s.maxConcurrency)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		changed int
	)
	for _, sess := range sessions {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}

		go func(sess *activity.Session) {
			defer wg.Done()
			defer func() { <-sem }()

			ok, err := s.syncer.SyncIfDue(ctx, sess)
			if err != nil {
				s.logger.Warn("Background sync failed", "user", sess.UserID, "error", err)
				return
			}
			if ok {
				mu.Lock()
				changed++
				mu.Unlock()
			}
		}(sess)
	}
	wg.Wait()

	if changed > 0 {
		s.logger.Info("Sync cycle merged local entries", "sessions", len(sessions), "changed", changed)
	}
	return changed
}
