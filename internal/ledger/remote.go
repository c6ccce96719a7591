package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rfallows/scoregate/internal/circuitbreaker"
	"github.com/rfallows/scoregate/internal/retry"
)

// Remote forwards commits to an external settlement service. Transient
// failures are retried with backoff; repeated failures trip a circuit
// breaker so a dead downstream fails fast instead of holding every request
// for the full timeout.
type Remote struct {
	baseURL string
	client  *http.Client
	breaker *circuitbreaker.Breaker

	maxAttempts int
	baseDelay   time.Duration
}

func NewRemote(baseURL string, timeout time.Duration) *Remote {
	return &Remote{
		baseURL:     strings.TrimRight(baseURL, "/"),
		client:      &http.Client{Timeout: timeout},
		breaker:     circuitbreaker.New(5, 30*time.Second),
		maxAttempts: 3,
		baseDelay:   200 * time.Millisecond,
	}
}

// WithHTTPClient overrides the HTTP client. Test hook.
func (r *Remote) WithHTTPClient(client *http.Client) *Remote {
	r.client = client
	return r
}

func (r *Remote) Commit(ctx context.Context, c Commit) (*Receipt, error) {
	if !r.breaker.Allow() {
		return nil, fmt.Errorf("%w: settlement circuit open", ErrCommitFailed)
	}

	var receipt *Receipt
	err := retry.Do(ctx, r.maxAttempts, r.baseDelay, func() error {
		rcpt, err := r.post(ctx, c)
		if err != nil {
			return err
		}
		receipt = rcpt
		return nil
	})
	if err != nil {
		r.breaker.RecordFailure()
		return nil, fmt.Errorf("%w: %v", ErrCommitFailed, err)
	}

	r.breaker.RecordSuccess()
	return receipt, nil
}

func (r *Remote) post(ctx context.Context, c Commit) (*Receipt, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("encode commit: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/commits", bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("settlement request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("settlement response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 500:
		// Server-side trouble is worth another attempt.
		return nil, fmt.Errorf("settlement returned %d", resp.StatusCode)
	default:
		return nil, retry.Permanent(fmt.Errorf("settlement rejected commit: %d %s", resp.StatusCode, raw))
	}

	var receipt Receipt
	if err := json.Unmarshal(raw, &receipt); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode receipt: %w", err))
	}
	return &receipt, nil
}
