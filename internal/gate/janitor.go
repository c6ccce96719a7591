package gate

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rfallows/scoregate/internal/abuse"
	"github.com/rfallows/scoregate/internal/challenge"
	"github.com/rfallows/scoregate/internal/dedup"
	"github.com/rfallows/scoregate/internal/keys"
	"github.com/rfallows/scoregate/internal/metrics"
)

// sweepBatchLimit caps how many entries one sweep pass removes per
// structure, so a backlog cannot stall request handling.
const sweepBatchLimit = 10000

// Janitor periodically expires old nonces, used keys, dedup entries, and
// abuse counters.
type Janitor struct {
	nonces  challenge.NonceStore
	keys    keys.Store
	cache   dedup.Cache
	tracker *abuse.Tracker

	nonceRetention time.Duration
	keyRetention   time.Duration
	dedupWindow    time.Duration

	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewJanitor creates the maintenance sweeper. Retentions say how long each
// structure keeps entries beyond their useful life.
func NewJanitor(
	nonces challenge.NonceStore,
	keyStore keys.Store,
	cache dedup.Cache,
	tracker *abuse.Tracker,
	nonceRetention, keyRetention, dedupWindow, interval time.Duration,
	logger *slog.Logger,
) *Janitor {
	return &Janitor{
		nonces:         nonces,
		keys:           keyStore,
		cache:          cache,
		tracker:        tracker,
		nonceRetention: nonceRetention,
		keyRetention:   keyRetention,
		dedupWindow:    dedupWindow,
		interval:       interval,
		logger:         logger,
		stop:           make(chan struct{}),
	}
}

// Running reports whether the janitor loop is actively running.
func (j *Janitor) Running() bool {
	return j.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (j *Janitor) Start(ctx context.Context) {
	j.running.Store(true)
	defer j.running.Store(false)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-j.stop:
			return
		case <-ticker.C:
			j.safeSweep(ctx)
		}
	}
}

// Stop signals the janitor to stop.
func (j *Janitor) Stop() {
	select {
	case j.stop <- struct{}{}:
	default:
	}
}

func (j *Janitor) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("panic in maintenance sweep", "panic", fmt.Sprint(r))
		}
	}()
	j.Sweep(ctx)
}

// Sweep runs one maintenance pass over every structure.
func (j *Janitor) Sweep(ctx context.Context) {
	now := time.Now()

	if n, err := j.nonces.SweepExpired(ctx, now.Add(-j.nonceRetention), sweepBatchLimit); err != nil {
		j.logger.Warn("nonce sweep failed", "error", err)
	} else if n > 0 {
		metrics.SweepRemovedTotal.WithLabelValues("nonces").Add(float64(n))
		j.logger.Debug("swept expired nonces", "removed", n)
	}

	if n, err := j.keys.SweepExpired(ctx, now.Add(-j.keyRetention), sweepBatchLimit); err != nil {
		j.logger.Warn("key sweep failed", "error", err)
	} else if n > 0 {
		metrics.SweepRemovedTotal.WithLabelValues("keys").Add(float64(n))
		j.logger.Debug("swept expired keys", "removed", n)
	}

	if n, err := j.cache.SweepExpired(ctx, now.Add(-j.dedupWindow), sweepBatchLimit); err != nil {
		j.logger.Warn("dedup sweep failed", "error", err)
	} else if n > 0 {
		metrics.SweepRemovedTotal.WithLabelValues("dedup").Add(float64(n))
		j.logger.Debug("swept dedup entries", "removed", n)
	}

	if n := j.tracker.Sweep(now); n > 0 {
		metrics.SweepRemovedTotal.WithLabelValues("abuse").Add(float64(n))
		j.logger.Debug("swept abuse records", "removed", n)
	}
}
