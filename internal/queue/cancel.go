package queue

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rrelayer/rrelayer/internal/model"
	"github.com/rrelayer/rrelayer/internal/relayererr"
)

// ReplaceRequest carries the new payload for Replace, mirroring the
// fields a caller may overwrite on a still-outstanding transaction
// (spec §4.6).
type ReplaceRequest struct {
	To    common.Address
	Value *big.Int
	Data  []byte
	Blobs []model.Blob
}

// Cancel stops transaction id from confirming with its original
// payload (spec §4.6). A PENDING transaction is simply removed; an
// INMEMPOOL transaction gets a competing no-op broadcast at the same
// nonce, since the network already has the original and it cannot be
// un-sent.
func (q *Queue) Cancel(ctx context.Context, id model.TransactionId) error {
	q.mu.Lock()
	tx, ok := q.byId[id]
	q.mu.Unlock()
	if !ok {
		return relayererr.Reject(fmt.Errorf("transaction %s not found", id))
	}

	switch tx.Status {
	case model.StatusPending:
		return q.cancelPending(ctx, tx)
	case model.StatusInmempool:
		return q.cancelInmempool(ctx, tx)
	default:
		return relayererr.Reject(fmt.Errorf("transaction %s is %s, cannot be cancelled", id, tx.Status))
	}
}

func (q *Queue) cancelPending(ctx context.Context, tx *model.Transaction) error {
	tx.Status = model.StatusCancelled
	if err := q.store.SaveTransaction(ctx, tx); err != nil {
		return relayererr.Wrapf(err, "persist cancelled transaction")
	}

	q.mu.Lock()
	for i, p := range q.pending {
		if p.Id == tx.Id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	q.mu.Unlock()

	q.emit(ctx, "on_transaction_cancelled", tx)
	return nil
}

// cancelInmempool broadcasts a no-op competitor sharing tx's nonce,
// per spec §4.6's cancel-on-inmempool rule.
func (q *Queue) cancelInmempool(ctx context.Context, tx *model.Transaction) error {
	competitor, err := q.buildCompetitor(ctx, tx, common.Address{}, nil, nil, true)
	if err != nil {
		return err
	}

	tx.CancelledByTransactionId = &competitor.Id
	if err := q.store.SaveTransaction(ctx, tx); err != nil {
		return relayererr.Wrapf(err, "persist cancel pointer")
	}

	q.mu.Lock()
	q.competitors[tx.Id] = append(q.competitors[tx.Id], competitor)
	q.cache(competitor)
	q.mu.Unlock()

	q.emit(ctx, "on_transaction_cancelled", tx)
	return nil
}

// Replace overwrites an outstanding transaction's payload (spec §4.6).
func (q *Queue) Replace(ctx context.Context, id model.TransactionId, req ReplaceRequest) error {
	q.mu.Lock()
	tx, ok := q.byId[id]
	q.mu.Unlock()
	if !ok {
		return relayererr.Reject(fmt.Errorf("transaction %s not found", id))
	}

	switch tx.Status {
	case model.StatusPending:
		return q.replacePending(ctx, tx, req)
	case model.StatusInmempool:
		return q.replaceInmempool(ctx, tx, req)
	default:
		return relayererr.Reject(fmt.Errorf("transaction %s is %s, cannot be replaced", id, tx.Status))
	}
}

func (q *Queue) replacePending(ctx context.Context, tx *model.Transaction, req ReplaceRequest) error {
	q.mu.Lock()
	tx.To = req.To
	tx.Value = req.Value
	tx.Data = req.Data
	tx.Blobs = req.Blobs
	tx.GasLimit = nil
	q.mu.Unlock()

	if err := q.store.SaveTransaction(ctx, tx); err != nil {
		return relayererr.Wrapf(err, "persist replaced transaction")
	}
	q.emit(ctx, "on_transaction_replaced", tx)
	return nil
}

// replaceInmempool is symmetric to cancelInmempool but the competitor
// carries the replacement's to/value/data/blobs instead of a no-op
// payload (spec §4.6).
func (q *Queue) replaceInmempool(ctx context.Context, tx *model.Transaction, req ReplaceRequest) error {
	competitor, err := q.buildCompetitor(ctx, tx, req.To, req.Value, req.Data, false)
	if err != nil {
		return err
	}
	competitor.Blobs = req.Blobs

	tx.CancelledByTransactionId = &competitor.Id
	if err := q.store.SaveTransaction(ctx, tx); err != nil {
		return relayererr.Wrapf(err, "persist replace pointer")
	}

	q.mu.Lock()
	q.competitors[tx.Id] = append(q.competitors[tx.Id], competitor)
	q.cache(competitor)
	q.mu.Unlock()

	q.emit(ctx, "on_transaction_replaced", tx)
	return nil
}

// buildCompetitor constructs, signs, and broadcasts a transaction
// sharing original's nonce at +20% gas and gas limit, speed=Super
// (spec §4.6). When asNoop is true, to/value/data are ignored in favor
// of the self-send no-op shape.
func (q *Queue) buildCompetitor(ctx context.Context, original *model.Transaction, to common.Address, value *big.Int, data []byte, asNoop bool) (*model.Transaction, error) {
	priorFees := model.GasFees{MaxFee: big.NewInt(0), MaxPriorityFee: big.NewInt(0)}
	if original.SentWithGas != nil {
		priorFees = *original.SentWithGas
	}
	fees := model.GasFees{
		MaxFee:         bumpBy20Percent(priorFees.MaxFee),
		MaxPriorityFee: bumpBy20Percent(priorFees.MaxPriorityFee),
	}

	gasLimit := uint64(21000)
	if original.GasLimit != nil {
		gasLimit = uint64(float64(*original.GasLimit) * 1.2)
	}

	now := time.Now()
	competitor := &model.Transaction{
		Id:         model.NewTransactionId(),
		ExternalId: fmt.Sprintf("cancel_%s", original.Id),
		RelayerId:  q.relayer.Id,
		ChainId:    q.relayer.ChainId,
		From:       q.relayer.Address,
		Speed:      model.Super,
		Nonce:      original.Nonce,
		GasLimit:   &gasLimit,
		Status:     model.StatusInmempool,
		QueuedAt:   now,
		ExpiresAt:  now.Add(model.ExpiryWindow),
		SentAt:     &now,
	}
	if asNoop {
		competitor.NewNoop(q.relayer.Address)
		competitor.Speed = model.Super
		competitor.GasLimit = &gasLimit
	} else {
		competitor.To = to
		competitor.Value = value
		competitor.Data = data
	}

	typedTx, err := buildTypedTx(q.relayer, competitor, fees, nil)
	if err != nil {
		return nil, relayererr.Reject(fmt.Errorf("build competitor transaction: %w", err))
	}
	signed, err := q.wallet.SignTransaction(ctx, q.relayer.WalletIndex, typedTx, q.relayer.ChainId)
	if err != nil {
		return nil, relayererr.Reject(fmt.Errorf("sign competitor transaction: %w", err))
	}
	if err := q.provider.SendTransaction(ctx, signed); err != nil {
		return nil, relayererr.RetryNextTick(fmt.Errorf("broadcast competitor: %w: %s", relayererr.ErrTransport, err))
	}

	hash := signed.Hash()
	competitor.KnownTransactionHash = &hash
	competitor.SentWithGas = &fees

	if err := q.store.SaveTransaction(ctx, competitor); err != nil {
		return nil, relayererr.Wrapf(err, "persist competitor transaction")
	}
	return competitor, nil
}

// bumpBy20Percent applies the cancel/replace competitor's fixed +20%
// gas-price bump over the original's sent fee (spec §4.6), independent
// of the gas oracle.
func bumpBy20Percent(prior *big.Int) *big.Int {
	bumped := new(big.Int).Mul(prior, big.NewInt(12))
	return bumped.Div(bumped, big.NewInt(10))
}
