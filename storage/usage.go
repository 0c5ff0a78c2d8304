package storage

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jkaberg/skyeupload/library"
	"github.com/jkaberg/skyeupload/metrics"
)

// UsageSink receives refreshed usage snapshots.
type UsageSink interface {
	SetUsage(s library.UsageSnapshot)
}

// UsageMonitor periodically recomputes how many bytes every backend holds.
type UsageMonitor struct {
	r        *Registry
	sink     UsageSink
	interval time.Duration
	trigger  chan struct{}
	log      zerolog.Logger
}

func NewUsageMonitor(r *Registry, sink UsageSink, interval time.Duration) *UsageMonitor {
	return &UsageMonitor{
		r:        r,
		sink:     sink,
		interval: interval,
		trigger:  make(chan struct{}, 1),
		log:      log.Logger.With().Str("component", "storage-usage").Logger(),
	}
}

// Run refreshes once at start, then on every tick or Trigger, until ctx is
// done.
func (m *UsageMonitor) Run(ctx context.Context) {
	m.Refresh(ctx)

	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Refresh(ctx)
		case <-m.trigger:
			m.Refresh(ctx)
		}
	}
}

// Trigger asks for a refresh without waiting for it. Requests made while
// one is already queued are coalesced.
func (m *UsageMonitor) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

func (m *UsageMonitor) Refresh(ctx context.Context) {
	start := time.Now()
	usage, errs := m.r.TotalStoredBytes(ctx)
	for name, err := range errs {
		m.log.Warn().Err(err).Str("backend", name).Msg("error listing backend, keeping previous usage")
	}
	if len(usage) == 0 {
		return
	}

	for name, n := range usage {
		metrics.StorageUsageBytes.WithLabelValues(name).Set(float64(n))
	}
	m.sink.SetUsage(usage)
	m.log.Debug().Dur("took", time.Since(start)).Interface("usage", usage).Msg("storage usage refreshed")
}
