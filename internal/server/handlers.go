package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rfallows/scoregate/internal/gate"
	"github.com/rfallows/scoregate/internal/keys"
	"github.com/rfallows/scoregate/internal/logging"
	"github.com/rfallows/scoregate/internal/metrics"
	"github.com/rfallows/scoregate/internal/security"
	"github.com/rfallows/scoregate/internal/traces"
	"github.com/rfallows/scoregate/internal/validation"
)

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())
	healthy = healthy && s.healthy.Load()

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	resp := gin.H{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if len(statuses) > 0 {
		resp["subsystems"] = statuses
	}
	c.JSON(code, resp)
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Handshake: challenge and key issuance
// -----------------------------------------------------------------------------

type challengeRequest struct {
	Identity string `json:"identity" binding:"required"`
}

func (s *Server) challengeHandler(c *gin.Context) {
	var req challengeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid_request",
			"message": "identity is required",
		})
		return
	}

	if !validation.IsValidIdentity(req.Identity) {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid_identity",
			"message": "identity must be a valid address (0x + 40 hex chars)",
		})
		return
	}
	identity := validation.NormalizeIdentity(req.Identity)

	ch, err := s.issuer.Issue(identity)
	if err != nil {
		logging.L(c.Request.Context()).Error("challenge issuance failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "internal_error",
		})
		return
	}

	metrics.ChallengesIssuedTotal.Inc()

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"challenge":    ch.Token,
		"expiresAt":    ch.ExpiresAt.UTC().Format(time.RFC3339),
		"sessionToken": security.MintSessionToken(time.Now()),
	})
}

type keysRequest struct {
	Identity    string `json:"identity" binding:"required"`
	Score       int64  `json:"score"`
	TxCount     int64  `json:"txCount"`
	Timestamp   int64  `json:"timestamp"`
	ClientNonce string `json:"clientNonce" binding:"required"`
}

func (s *Server) keysHandler(c *gin.Context) {
	var req keysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid_request",
			"message": "identity and clientNonce are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidIdentity("identity", req.Identity),
		validation.NonNegative("score", req.Score),
		validation.NonNegative("txCount", req.TxCount),
		validation.AtMost("score", req.Score, s.cfg.MaxScorePerRequest),
		validation.AtMost("txCount", req.TxCount, s.cfg.MaxTxPerRequest),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid_request",
			"details": errs,
		})
		return
	}

	if !validation.IsValidNonce(req.ClientNonce) {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid_nonce",
			"message": "clientNonce must be 32 lowercase hex chars",
		})
		return
	}

	identity := validation.NormalizeIdentity(req.Identity)
	ts := req.Timestamp
	if ts == 0 {
		ts = time.Now().Unix()
	}

	triple := s.manager.Issue(identity, req.Score, req.TxCount, ts, req.ClientNonce)

	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"validationKeys": triple,
	})
}

// -----------------------------------------------------------------------------
// Score submission
// -----------------------------------------------------------------------------

type scoresRequest struct {
	Identity       string      `json:"identity" binding:"required"`
	Score          int64       `json:"score"`
	TxCount        int64       `json:"txCount"`
	ClientNonce    string      `json:"clientNonce" binding:"required"`
	ValidationKeys keys.Triple `json:"validationKeys" binding:"required"`
}

func (s *Server) scoresHandler(c *gin.Context) {
	var req scoresRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid_request",
			"message": "identity, clientNonce, and validationKeys are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidIdentity("identity", req.Identity),
		validation.NonNegative("score", req.Score),
		validation.NonNegative("txCount", req.TxCount),
		validation.AtMost("score", req.Score, s.cfg.MaxScorePerRequest),
		validation.AtMost("txCount", req.TxCount, s.cfg.MaxTxPerRequest),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid_request",
			"details": errs,
		})
		return
	}

	if !validation.IsValidNonce(req.ClientNonce) {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid_nonce",
			"message": "clientNonce must be 32 lowercase hex chars",
		})
		return
	}

	ctx, span := traces.StartSpan(c.Request.Context(), "gate.submit",
		traces.Identity(req.Identity),
		traces.Score(req.Score),
	)
	defer span.End()

	result, err := s.gate.Submit(ctx, gate.SubmitRequest{
		Identity:    req.Identity,
		Score:       req.Score,
		TxCount:     req.TxCount,
		ClientNonce: req.ClientNonce,
		Keys:        req.ValidationKeys,
		Source:      c.ClientIP(),
	})
	if err != nil {
		logging.L(ctx).Error("submission pipeline error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "internal_error",
		})
		return
	}

	if result.Error != "" {
		span.SetAttributes(traces.Outcome(result.Error))
	} else {
		span.SetAttributes(traces.Outcome("accepted"))
		if result.Receipt != nil {
			span.SetAttributes(traces.ReceiptID(result.Receipt.ID))
		}
	}

	c.JSON(result.Status, result)
}

// -----------------------------------------------------------------------------
// Ledger and abuse queries
// -----------------------------------------------------------------------------

func (s *Server) ledgerHandler(c *gin.Context) {
	identity := validation.NormalizeIdentity(c.Param("identity"))

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	receipts, err := s.local.History(c.Request.Context(), identity, limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("ledger history failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "internal_error",
		})
		return
	}

	var totalScore, totalTx int64
	for _, r := range receipts {
		totalScore += r.Score
		totalTx += r.TxCount
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"identity":   identity,
		"receipts":   receipts,
		"count":      len(receipts),
		"totalScore": totalScore,
		"totalTx":    totalTx,
	})
}

func (s *Server) abuseSnapshotHandler(c *gin.Context) {
	identity := validation.NormalizeIdentity(c.Param("identity"))
	snap := s.tracker.Snapshot(identity, time.Now())

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"snapshot": snap,
	})
}
