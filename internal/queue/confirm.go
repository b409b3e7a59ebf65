package queue

import (
	"context"
	"time"

	"github.com/rrelayer/rrelayer/internal/model"
	"github.com/rrelayer/rrelayer/internal/relayererr"
)

// ConfirmOnce inspects the mined map for entries that have sat past
// confirmation depth, verifying each receipt still resolves before
// marking it CONFIRMED (spec §4.5, open-question decision 2: compare
// the receipt's block number against the latest header and roll a
// disappeared receipt back to inmempool rather than assume it still
// holds).
func (q *Queue) ConfirmOnce(ctx context.Context) error {
	q.mu.Lock()
	due := make([]*model.Transaction, 0, len(q.mined))
	for _, t := range q.mined {
		if t.Status == model.StatusMined &&
			time.Now().After(t.ConfirmationDeadline(q.config.BlockInterval, q.config.Confirmations)) {
			due = append(due, t)
		}
	}
	q.mu.Unlock()

	for _, t := range due {
		if err := q.confirmOne(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) confirmOne(ctx context.Context, t *model.Transaction) error {
	if t.KnownTransactionHash == nil {
		return nil
	}
	latest, err := q.provider.HeaderByNumber(ctx, nil)
	if err != nil {
		return relayererr.RetryNextTick(err)
	}

	receipt, err := q.provider.TransactionReceipt(ctx, *t.KnownTransactionHash)
	if err != nil {
		// A receipt that won't resolve is only treated as reorged-away
		// once the chain has actually advanced past the block we last
		// saw it mined in; on an unchanged head this is a transient
		// provider hiccup, retried next tick instead of rolled back.
		if t.MinedAtBlockNumber != nil && latest.Number.Uint64() <= *t.MinedAtBlockNumber {
			return relayererr.RetryNextTick(err)
		}
		return q.revertToInmempool(ctx, t)
	}
	if t.MinedAtBlockNumber != nil && receipt.BlockNumber.Uint64() != *t.MinedAtBlockNumber {
		// Same hash, different block: the original block was reorged
		// out and the transaction was re-mined elsewhere. Roll back to
		// inmempool so monitoring re-resolves against the new receipt.
		return q.revertToInmempool(ctx, t)
	}

	now := time.Now()
	if t.Status == model.StatusMined {
		t.Status = model.StatusConfirmed
		t.ConfirmedAt = &now
	}
	blockNum := receipt.BlockNumber.Uint64()
	t.MinedAtBlockNumber = &blockNum

	if err := q.store.SaveTransaction(ctx, t); err != nil {
		return relayererr.Wrapf(err, "persist confirmed transaction")
	}

	q.mu.Lock()
	if t.Status == model.StatusConfirmed {
		delete(q.mined, t.Id)
	}
	q.mu.Unlock()

	if t.Status == model.StatusConfirmed {
		q.emit(ctx, "on_transaction_confirmed", t)
	}
	return nil
}

// revertToInmempool handles the best-effort re-org case: a receipt that
// previously existed is no longer obtainable before reaching
// confirmation depth. The transaction is moved back to inmempool so
// monitoring resumes watching for (possibly a different) receipt,
// rather than silently assuming the mined state still holds.
func (q *Queue) revertToInmempool(ctx context.Context, t *model.Transaction) error {
	t.Status = model.StatusInmempool
	t.MinedAt = nil
	t.MinedAtBlockNumber = nil

	if err := q.store.SaveTransaction(ctx, t); err != nil {
		return relayererr.Wrapf(err, "persist reverted transaction")
	}

	q.mu.Lock()
	delete(q.mined, t.Id)
	q.inmempool = append([]*model.Transaction{t}, q.inmempool...)
	q.mu.Unlock()

	q.emit(ctx, "on_transaction_reverted", t)
	return nil
}
