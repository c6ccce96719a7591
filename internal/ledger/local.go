package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/rfallows/scoregate/internal/idgen"
)

// Local commits submissions to its own store and signs the receipts
// itself. This is the default when no external settlement service is
// configured.
type Local struct {
	store  Store
	signer *Signer
	now    func() time.Time
}

func NewLocal(store Store, signer *Signer) *Local {
	return &Local{store: store, signer: signer, now: time.Now}
}

// WithClock overrides the committer's clock. Test hook.
func (l *Local) WithClock(now func() time.Time) *Local {
	l.now = now
	return l
}

func (l *Local) Commit(ctx context.Context, c Commit) (*Receipt, error) {
	r := &Receipt{
		ID:        idgen.WithPrefix("rcpt_"),
		Identity:  c.Identity,
		Score:     c.Score,
		TxCount:   c.TxCount,
		Nonce:     c.Nonce,
		CreatedAt: l.now().UTC().Truncate(time.Second),
	}
	// Signing is optional. With no receipt secret configured the receipt
	// is stored unsigned.
	if l.signer != nil {
		r.Signature = l.signer.Sign(r)
	}

	if err := l.store.Insert(ctx, r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCommitFailed, err)
	}
	return r, nil
}

// Get returns a stored receipt by ID.
func (l *Local) Get(ctx context.Context, id string) (*Receipt, error) {
	return l.store.Get(ctx, id)
}

// History returns the identity's most recent receipts.
func (l *Local) History(ctx context.Context, identity string, limit int) ([]*Receipt, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.History(ctx, identity, limit)
}
