package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/rrelayer/rrelayer/internal/gas"
	"github.com/rrelayer/rrelayer/internal/model"
	"github.com/rrelayer/rrelayer/internal/relayererr"
)

// PollInterval is the pause between ticks of each of a relayer's worker
// loops (drain, monitor, confirm) run by internal/registry (spec §4.5).
const PollInterval = 500 * time.Millisecond

// MonitorOnce inspects the front of the inmempool deque: resolves a
// receipt if one now exists (enumerating any competitors sharing the
// slot's nonce, per the competing-nonce-resolution decision), or bumps
// gas if the transaction has sat unconfirmed past its speed's deadline
// (spec §4.5, §4.6).
func (q *Queue) MonitorOnce(ctx context.Context) error {
	q.mu.Lock()
	if len(q.inmempool) == 0 {
		q.mu.Unlock()
		return nil
	}
	primary := q.inmempool[0]
	competitors := append([]*model.Transaction(nil), q.competitors[primary.Id]...)
	q.mu.Unlock()

	candidates := append([]*model.Transaction{primary}, competitors...)
	for _, candidate := range candidates {
		if candidate.KnownTransactionHash == nil {
			continue
		}
		receipt, err := q.provider.TransactionReceipt(ctx, *candidate.KnownTransactionHash)
		if err != nil {
			continue
		}
		return q.resolveReceipt(ctx, primary, competitors, candidate, receipt)
	}

	if time.Now().After(primary.BumpGasDeadline(q.config.BlockInterval)) {
		return q.bumpGas(ctx, primary)
	}
	return nil
}

// resolveReceipt applies spec §4.5/§4.6's winner/loser rules once a
// receipt exists for any candidate sharing the slot's nonce.
func (q *Queue) resolveReceipt(ctx context.Context, primary *model.Transaction, competitors []*model.Transaction, winner *model.Transaction, receipt *types.Receipt) error {
	now := time.Now()
	success := receipt.Status == types.ReceiptStatusSuccessful

	if winner == primary {
		if success {
			if primary.IsNoop {
				primary.Status = model.StatusExpired
			} else {
				primary.Status = model.StatusMined
			}
		} else {
			primary.Status = model.StatusFailed
		}
		primary.MinedAt = &now
		blockNum := receipt.BlockNumber.Uint64()
		primary.MinedAtBlockNumber = &blockNum
		primary.CancelledByTransactionId = nil

		for _, c := range competitors {
			c.Status = model.StatusDropped
			if err := q.store.SaveTransaction(ctx, c); err != nil {
				return relayererr.Wrapf(err, "persist dropped competitor")
			}
			q.emit(ctx, "on_transaction_dropped", c)
		}
	} else {
		if success {
			winner.Status = model.StatusMined
			primary.Status = model.StatusCancelled
		} else {
			winner.Status = model.StatusFailed
			primary.Status = model.StatusCancelled
		}
		winner.MinedAt = &now
		blockNum := receipt.BlockNumber.Uint64()
		winner.MinedAtBlockNumber = &blockNum
		primary.CancelledByTransactionId = nil

		for _, c := range competitors {
			if c.Id == winner.Id {
				continue
			}
			c.Status = model.StatusDropped
			if err := q.store.SaveTransaction(ctx, c); err != nil {
				return relayererr.Wrapf(err, "persist dropped competitor")
			}
			q.emit(ctx, "on_transaction_dropped", c)
		}
		if err := q.store.SaveTransaction(ctx, winner); err != nil {
			return relayererr.Wrapf(err, "persist winning competitor")
		}
	}

	if err := q.store.SaveTransaction(ctx, primary); err != nil {
		return relayererr.Wrapf(err, "persist resolved primary")
	}

	q.mu.Lock()
	q.inmempool = q.inmempool[1:]
	delete(q.competitors, primary.Id)
	// Only MINED is tracked further (toward confirmation depth, §4.5);
	// FAILED/EXPIRED/CANCELLED/DROPPED are terminal and live only in
	// durable storage from here on (invariant 2).
	if primary.Status == model.StatusMined {
		q.mined[primary.Id] = primary
	}
	if winner != primary && winner.Status == model.StatusMined {
		q.mined[winner.Id] = winner
	}
	q.cache(primary)
	if winner != primary {
		q.cache(winner)
	}
	q.mu.Unlock()

	if primary.Status == model.StatusMined {
		q.emit(ctx, "on_transaction_mined", primary)
	} else if primary.Status == model.StatusFailed {
		q.emit(ctx, "on_transaction_failed", primary)
	}
	if winner != primary {
		if winner.Status == model.StatusMined {
			q.emit(ctx, "on_transaction_mined", winner)
		} else if winner.Status == model.StatusFailed {
			q.emit(ctx, "on_transaction_failed", winner)
		}
	}
	return nil
}

// bumpGas rebroadcasts primary at a higher fee, keeping its nonce
// fixed (spec §4.5). The gas bump itself is not fully persisted; only
// the new hash, fees, and sent_at are recorded, to reduce write
// amplification.
func (q *Queue) bumpGas(ctx context.Context, primary *model.Transaction) error {
	estimate, ok := q.gasCache.Get(q.relayer.ChainId)
	if !ok {
		return relayererr.RetryNextTick(fmt.Errorf("no gas estimate cached for chain %d", q.relayer.ChainId))
	}
	oracleTier := estimate.ForSpeed(primary.Speed)
	previous := gas.Tier{MaxFee: primary.SentWithGas.MaxFee, MaxPriorityFee: primary.SentWithGas.MaxPriorityFee}
	bumped := gas.BumpGasFees(oracleTier, previous)

	var blobFees *model.BlobGasFees
	if len(primary.Blobs) > 0 && primary.SentWithBlobGas != nil {
		blobEstimate, _ := q.blobCache.Get(q.relayer.ChainId)
		bumpedPrice := gas.BumpBlobGasPrice(blobEstimate.BlobGasPrice, primary.SentWithBlobGas.BlobGasPrice)
		blobFees = &model.BlobGasFees{BlobGasPrice: bumpedPrice}
	}

	fees := model.GasFees{MaxFee: bumped.MaxFee, MaxPriorityFee: bumped.MaxPriorityFee}
	typedTx, err := buildTypedTx(q.relayer, primary, fees, blobFees)
	if err != nil {
		return relayererr.RetryNextTick(fmt.Errorf("rebuild bumped transaction: %w", err))
	}
	signed, err := q.wallet.SignTransaction(ctx, q.relayer.WalletIndex, typedTx, q.relayer.ChainId)
	if err != nil {
		return relayererr.RetryNextTick(fmt.Errorf("sign bumped transaction: %w", err))
	}
	if err := q.provider.SendTransaction(ctx, signed); err != nil {
		return relayererr.RetryNextTick(fmt.Errorf("broadcast bumped transaction: %w", err))
	}

	hash := signed.Hash()
	now := time.Now()

	q.mu.Lock()
	primary.KnownTransactionHash = &hash
	primary.SentWithGas = &fees
	primary.SentWithBlobGas = blobFees
	primary.SentAt = &now
	q.mu.Unlock()

	return q.store.UpdateTransactionHash(ctx, primary.Id, hash, now, fees)
}
