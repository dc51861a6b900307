package storage

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mindspace-dev/mindspace-store/internal/logger"
	"github.com/mindspace-dev/mindspace-store/internal/metrics"
)

// DefaultProbeTimeout bounds a single liveness check.
const DefaultProbeTimeout = 2 * time.Second

// Probe decides, per call, whether the remote store is usable.
// The result is never cached: remote health can change between calls.
type Probe struct {
	remote  Pinger
	timeout time.Duration
	metrics metrics.MetricsCollector
	logger  *log.Logger
}

// NewProbe returns a probe for remote. A nil remote is never available.
func NewProbe(remote Pinger, timeout time.Duration, m metrics.MetricsCollector, l *log.Logger) *Probe {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Probe{
		remote:  remote,
		timeout: timeout,
		metrics: metrics.OrNop(m),
		logger:  logger.OrDiscard(l),
	}
}

// Available pings the remote under a bounded timeout. It reports false on
// any failure and never panics.
func (p *Probe) Available(ctx context.Context) (ok bool) {
	if p == nil || p.remote == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Debug("Remote probe panicked", "panic", r)
			p.metrics.RecordProbeFailure()
			ok = false
		}
	}()

	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.remote.Ping(pctx); err != nil {
		p.logger.Debug("Remote store unavailable", "error", err)
		p.metrics.RecordProbeFailure()
		return false
	}
	return true
}
