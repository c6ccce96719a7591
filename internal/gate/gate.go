// Package gate runs the layered validation pipeline that stands between
// untrusted score submissions and the ledger: deduplication, nonce
// verification, abuse ceilings, key-triple validation, and finally the
// downstream commit.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rfallows/scoregate/internal/abuse"
	"github.com/rfallows/scoregate/internal/challenge"
	"github.com/rfallows/scoregate/internal/dedup"
	"github.com/rfallows/scoregate/internal/keys"
	"github.com/rfallows/scoregate/internal/ledger"
	"github.com/rfallows/scoregate/internal/logging"
	"github.com/rfallows/scoregate/internal/metrics"
	"github.com/rfallows/scoregate/internal/realtime"
	"github.com/rfallows/scoregate/internal/syncutil"
	"github.com/rfallows/scoregate/internal/validation"
)

// Error codes returned to clients. Every rejection carries one.
const (
	CodeReplayDetected = "replay_detected"
	CodeNonceRejected  = "nonce_rejected"
	CodeKeysRejected   = "key_validation_failed"
	CodeRateLimited    = "rate_limited"
	CodeCommitFailed   = "commit_failed"
	CodeInFlight       = "in_flight"
)

// SubmitRequest is one scored-event submission after shape validation.
type SubmitRequest struct {
	Identity    string
	Score       int64
	TxCount     int64
	ClientNonce string
	Keys        keys.Triple
	Source      string // client network address, for source-level ceilings
}

// SubmitResult is the terminal outcome of a submission. It doubles as the
// dedup cache payload so duplicates replay the original response.
type SubmitResult struct {
	Status        int             `json:"status"`
	Success       bool            `json:"success"`
	Error         string          `json:"error,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	KeyErrors     []keys.KeyError `json:"keyErrors,omitempty"`
	SecurityLevel string          `json:"securityLevel,omitempty"`
	Receipt       *ledger.Receipt `json:"receipt,omitempty"`
	Snapshot      *abuse.Snapshot `json:"antiAbuseSnapshot,omitempty"`
	ResetTime     *time.Time      `json:"resetTime,omitempty"`
	Duplicate     bool            `json:"duplicate"`
}

// Service wires the validation layers together.
type Service struct {
	verifier  *challenge.Verifier
	keys      *keys.Manager
	tracker   *abuse.Tracker
	cache     dedup.Cache
	committer ledger.Committer
	hub       *realtime.Hub

	locks         *syncutil.ShardedMutex
	commitTimeout time.Duration
	now           func() time.Time
}

func NewService(
	verifier *challenge.Verifier,
	manager *keys.Manager,
	tracker *abuse.Tracker,
	cache dedup.Cache,
	committer ledger.Committer,
	commitTimeout time.Duration,
) *Service {
	return &Service{
		verifier:      verifier,
		keys:          manager,
		tracker:       tracker,
		cache:         cache,
		committer:     committer,
		locks:         &syncutil.ShardedMutex{},
		commitTimeout: commitTimeout,
		now:           time.Now,
	}
}

// WithHub attaches the realtime hub for accepted-submission broadcasts.
func (s *Service) WithHub(hub *realtime.Hub) *Service {
	s.hub = hub
	return s
}

// WithClock overrides the service clock. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Submit runs the full pipeline. The dedup lookup runs before anything that
// consumes single-use material, so a retried request sees its original
// outcome instead of burning its nonce on a replay rejection. An error
// return means an internal store failure, not a client-attributable one.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	log := logging.L(ctx)
	now := s.now()
	req.Identity = validation.NormalizeIdentity(req.Identity)
	fingerprint := dedup.Fingerprint(req.Identity, req.ClientNonce)

	look, err := s.cache.LookupOrReserve(ctx, fingerprint, now)
	if err != nil {
		return nil, err
	}
	if look.Pending {
		metrics.DedupHitsTotal.WithLabelValues("pending").Inc()
		return &SubmitResult{
			Status: http.StatusConflict,
			Error:  CodeInFlight,
			Reason: "an identical request is still being processed",
		}, nil
	}
	if !look.Reserved {
		metrics.DedupHitsTotal.WithLabelValues("resolved").Inc()
		var original SubmitResult
		if err := json.Unmarshal(look.Outcome.Body, &original); err != nil {
			return nil, err
		}
		original.Duplicate = true
		log.Info("duplicate submission collapsed",
			"identity", req.Identity, "status", original.Status)
		return &original, nil
	}

	// The reservation is ours. Every exit below must resolve it so retries
	// are never blocked by a permanently in-flight entry.
	result, err := s.validateAndCommit(ctx, req, now)
	if err != nil {
		// Internal failure with no terminal outcome to store. Release so a
		// retry starts clean.
		if rerr := s.cache.Release(ctx, fingerprint); rerr != nil {
			log.Error("dedup release failed", "error", rerr)
		}
		return nil, err
	}

	body, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Resolve(ctx, fingerprint, dedup.Outcome{
		Code:      result.Status,
		Body:      body,
		CreatedAt: now,
	}); err != nil {
		log.Error("dedup resolve failed", "error", err)
	}
	return result, nil
}

func (s *Service) validateAndCommit(ctx context.Context, req SubmitRequest, now time.Time) (*SubmitResult, error) {
	log := logging.L(ctx)

	if err := s.verifier.Verify(ctx, req.ClientNonce, req.Identity); err != nil {
		reason := challenge.Reason(err)
		metrics.NonceRejectionsTotal.WithLabelValues(reason).Inc()
		code := CodeNonceRejected
		if errors.Is(err, challenge.ErrReplayed) {
			code = CodeReplayDetected
		}
		log.Info("nonce rejected", "identity", req.Identity, "reason", reason)
		return &SubmitResult{
			Status: http.StatusUnauthorized,
			Error:  code,
			Reason: reason,
		}, nil
	}

	// One identity at a time past this point, so the prospective abuse
	// check and its commit observe consistent counters.
	unlock := s.locks.Lock(req.Identity)
	defer unlock()

	if denial := s.tracker.Check(req.Identity, req.Source, req.Score, req.TxCount, now); denial != nil {
		metrics.AbuseDenialsTotal.WithLabelValues(denial.Reason).Inc()
		log.Info("submission rate limited",
			"identity", req.Identity, "reason", denial.Reason, "resetAt", denial.ResetAt)
		reset := denial.ResetAt
		return &SubmitResult{
			Status:    http.StatusTooManyRequests,
			Error:     CodeRateLimited,
			Reason:    denial.Reason,
			ResetTime: &reset,
		}, nil
	}

	// The check reserved the source's minute-window slot. Commit settles
	// it below; every failure from here on must hand it back.
	keyResult, err := s.keys.Validate(ctx, req.Keys, keys.Request{
		Identity:    req.Identity,
		Score:       req.Score,
		TxCount:     req.TxCount,
		Timestamp:   now.Unix(),
		ClientNonce: req.ClientNonce,
	})
	if err != nil {
		s.tracker.Release(req.Source)
		return nil, err
	}
	metrics.SecurityLevelTotal.WithLabelValues(keyResult.Level.String()).Inc()
	if !keyResult.Valid() {
		s.tracker.Release(req.Source)
		log.Info("key validation failed",
			"identity", req.Identity, "level", keyResult.Level.String())
		return &SubmitResult{
			Status:        http.StatusUnauthorized,
			Error:         CodeKeysRejected,
			SecurityLevel: keyResult.Level.String(),
			KeyErrors:     keyResult.Errors,
		}, nil
	}

	commitCtx, cancel := context.WithTimeout(ctx, s.commitTimeout)
	defer cancel()
	timer := prometheus.NewTimer(metrics.LedgerCommitDuration)
	receipt, err := s.committer.Commit(commitCtx, ledger.Commit{
		Identity: req.Identity,
		Score:    req.Score,
		TxCount:  req.TxCount,
		Nonce:    req.ClientNonce,
	})
	timer.ObserveDuration()
	if err != nil {
		// Terminal failure: validation already consumed the nonce and keys,
		// so the stored outcome is what any retry will see.
		s.tracker.Release(req.Source)
		metrics.SubmissionsTotal.WithLabelValues("commit_failed").Inc()
		log.Error("ledger commit failed", "identity", req.Identity, "error", err)
		return &SubmitResult{
			Status:        http.StatusInternalServerError,
			Error:         CodeCommitFailed,
			SecurityLevel: keyResult.Level.String(),
		}, nil
	}

	s.tracker.Commit(req.Identity, req.Source, req.Score, req.TxCount, now)
	snap := s.tracker.Snapshot(req.Identity, now)
	metrics.SubmissionsTotal.WithLabelValues("accepted").Inc()

	if s.hub != nil {
		s.hub.BroadcastSubmission(map[string]interface{}{
			"identity": req.Identity,
			"score":    float64(req.Score),
			"txCount":  float64(req.TxCount),
			"receipt":  receipt.ID,
		})
	}

	log.Info("submission accepted",
		"identity", req.Identity, "score", req.Score, "receipt", receipt.ID)
	return &SubmitResult{
		Status:        http.StatusOK,
		Success:       true,
		SecurityLevel: keyResult.Level.String(),
		Receipt:       receipt,
		Snapshot:      &snap,
	}, nil
}
