package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/rrelayer/rrelayer/internal/model"
	"github.com/rrelayer/rrelayer/internal/relayererr"
)

// ParkInterval is how long DrainOnce asks its caller to wait when the
// relayer is paused (spec §4.4).
const ParkInterval = 30 * time.Second

// DrainOnce processes the front of the pending deque: sends it if
// ready, rewrites it to a no-op if expired, or yields if its gas price
// would exceed the relayer's cap (spec §4.4). Only the front is ever
// processed, preserving nonce order even if a later entry could
// individually succeed.
func (q *Queue) DrainOnce(ctx context.Context) error {
	if q.relayer.Paused {
		return relayererr.RetryNextTick(fmt.Errorf("relayer paused, park %s", ParkInterval))
	}

	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return nil
	}
	front := q.pending[0]
	q.mu.Unlock()

	if front.ExpiresAt.Before(time.Now()) && !front.IsNoop {
		front.NewNoop(q.relayer.Address)
		if err := q.store.SaveTransaction(ctx, front); err != nil {
			return relayererr.Wrapf(err, "persist no-op rewrite")
		}
	}

	estimate, ok := q.gasCache.Get(q.relayer.ChainId)
	if !ok {
		return relayererr.RetryNextTick(fmt.Errorf("no gas estimate cached for chain %d", q.relayer.ChainId))
	}
	tier := estimate.ForSpeed(front.Speed)

	if q.relayer.MaxGasPrice != nil && !q.relayer.IsWithinGasCap(tier.MaxFee) {
		return relayererr.RetryNextTick(fmt.Errorf("gas price %s exceeds relayer cap %s: %w", tier.MaxFee, q.relayer.MaxGasPrice, relayererr.ErrGasPriceTooHigh))
	}

	var blobFees *model.BlobGasFees
	if len(front.Blobs) > 0 {
		blobEstimate, ok := q.blobCache.Get(q.relayer.ChainId)
		if !ok {
			return relayererr.RetryNextTick(fmt.Errorf("no blob gas estimate cached for chain %d", q.relayer.ChainId))
		}
		blobFees = &model.BlobGasFees{BlobGasPrice: blobEstimate.BlobGasPrice, TotalFee: blobEstimate.TotalFee}
	}

	fees := model.GasFees{MaxFee: tier.MaxFee, MaxPriorityFee: tier.MaxPriorityFee}
	typedTx, err := buildTypedTx(q.relayer, front, fees, blobFees)
	if err != nil {
		return relayererr.TerminalFail(fmt.Errorf("build typed transaction: %w", err))
	}
	signed, err := q.wallet.SignTransaction(ctx, q.relayer.WalletIndex, typedTx, q.relayer.ChainId)
	if err != nil {
		return relayererr.TerminalFail(fmt.Errorf("sign transaction: %w", err))
	}

	if err := q.provider.SendTransaction(ctx, signed); err != nil {
		return relayererr.RetryNextTick(fmt.Errorf("broadcast: %w: %s", relayererr.ErrTransport, err))
	}

	hash := signed.Hash()
	now := time.Now()
	front.KnownTransactionHash = &hash
	front.SentAt = &now
	front.SentWithGas = &fees
	front.SentWithBlobGas = blobFees
	front.Status = model.StatusInmempool

	if err := q.store.SaveTransaction(ctx, front); err != nil {
		return relayererr.Wrapf(err, "persist sent transaction")
	}

	q.mu.Lock()
	q.pending = q.pending[1:]
	q.inmempool = append(q.inmempool, front)
	q.cache(front)
	q.mu.Unlock()

	q.emit(ctx, "on_transaction_sent", front)
	return nil
}
