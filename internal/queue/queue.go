// Package queue implements the per-relayer TransactionsQueue of spec
// §4.2-§4.6: three containers (pending, inmempool, mined) behind one
// mutex, plus the admission, draining, monitoring, and
// cancel/replace/competition operations that move transactions between
// them.
//
// Structurally descended from the vocdoni TransactionManager
// (_examples/other_examples/98753c59_vocdoni-davinci-node__web3-txmanager.go.go):
// its nextNonce/pendingTxs tracking map and handleStuckTransactions/
// speedUpTransaction/cancelTransaction trio are the direct ancestors of
// this package's inmempool slice, bumpGas, and cancelInmempool/
// replaceInmempool. Generalized from that single flat pendingTxs map
// into the three-container state machine spec §4.2 requires, and from
// its single-transaction-type assumption into EIP-1559/Legacy/4844
// dispatch.
package queue

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/rrelayer/rrelayer/internal/gas"
	"github.com/rrelayer/rrelayer/internal/model"
	"github.com/rrelayer/rrelayer/internal/nonceman"
	"github.com/rrelayer/rrelayer/internal/provider"
	"github.com/rrelayer/rrelayer/internal/relayererr"
	"github.com/rrelayer/rrelayer/internal/safeproxy"
	"github.com/rrelayer/rrelayer/internal/wallet"
)

// Store is the durable-persistence surface this package needs. A real
// implementation lives in internal/store; queue code never holds its
// mutex while calling Store (spec §5 lock ordering).
type Store interface {
	SaveTransaction(ctx context.Context, tx *model.Transaction) error
	UpdateTransactionHash(ctx context.Context, id model.TransactionId, hash common.Hash, sentAt time.Time, fees model.GasFees) error
}

// WebhookEmitter is the narrow surface queue uses to fire lifecycle
// events; internal/webhook's Manager implements it.
type WebhookEmitter interface {
	Emit(ctx context.Context, event string, tx *model.Transaction)
}

// BlockInterval and Confirmations parameterize draining/monitoring
// cadence per chain (spec §4.5, §5).
type Config struct {
	BlockInterval time.Duration
	Confirmations int
}

// Queue is the per-relayer transaction state machine.
type Queue struct {
	relayer *model.Relayer
	config  Config

	nonces    *nonceman.NonceManager
	provider  provider.Provider
	wallet    wallet.Manager
	safe      *safeproxy.Manager
	gasCache  *gas.Cache
	blobCache *gas.BlobCache
	store     Store
	webhooks  WebhookEmitter

	mu          sync.Mutex
	pending     []*model.Transaction
	inmempool   []*model.Transaction
	mined       map[model.TransactionId]*model.Transaction
	competitors map[model.TransactionId][]*model.Transaction
	byId        map[model.TransactionId]*model.Transaction
	byExternal  map[string]*model.Transaction
}

// New constructs an empty queue for one relayer. safe may be nil when
// the relayer has no Safe binding.
func New(relayer *model.Relayer, config Config, nonces *nonceman.NonceManager, p provider.Provider, w wallet.Manager, safe *safeproxy.Manager, gasCache *gas.Cache, blobCache *gas.BlobCache, store Store, webhooks WebhookEmitter) *Queue {
	return &Queue{
		relayer:     relayer,
		config:      config,
		nonces:      nonces,
		provider:    p,
		wallet:      w,
		safe:        safe,
		gasCache:    gasCache,
		blobCache:   blobCache,
		store:       store,
		webhooks:    webhooks,
		mined:       make(map[model.TransactionId]*model.Transaction),
		competitors: make(map[model.TransactionId][]*model.Transaction),
		byId:        make(map[model.TransactionId]*model.Transaction),
		byExternal:  make(map[string]*model.Transaction),
	}
}

// RelayerId returns the id of the relayer this queue serves.
func (q *Queue) RelayerId() model.RelayerId {
	return q.relayer.Id
}

// GetById returns the id-keyed cache entry for a transaction, covering
// all three containers.
func (q *Queue) GetById(id model.TransactionId) (*model.Transaction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.byId[id]
	return t, ok
}

func (q *Queue) cache(t *model.Transaction) {
	q.byId[t.Id] = t
	if t.ExternalId != "" {
		q.byExternal[t.ExternalId] = t
	}
}

func (q *Queue) emit(ctx context.Context, event string, t *model.Transaction) {
	if q.webhooks != nil {
		q.webhooks.Emit(ctx, event, t)
	}
}

// estimationGasLimit is the gas limit gasLimitOf (txbuild.go) falls
// back to when a transaction carries none, as after replacePending
// clears it.
const estimationGasLimit = 1_000_000

// safeWrapOverhead is the fixed gas overhead added for Safe-wrapped
// transactions to cover signature verification and refund accounting
// (spec §4.3: "Gas estimation policy").
const safeWrapOverhead = 45_000

// Add admits a new transaction request onto the pending deque (spec
// §4.3).
func (q *Queue) Add(ctx context.Context, req model.TransactionToSend) (*model.Transaction, error) {
	if q.relayer.Paused {
		return nil, relayererr.Reject(fmt.Errorf("relayer %s: %w", q.relayer.Id, relayererr.ErrRelayerPaused))
	}
	if len(req.Blobs) > 0 && !q.wallet.SupportsBlobs() {
		return nil, relayererr.Reject(fmt.Errorf("relayer wallet backend does not support blobs: %w", relayererr.ErrUnsupportedTxType))
	}

	if req.ExternalId != "" {
		q.mu.Lock()
		existing, ok := q.byExternal[req.ExternalId]
		q.mu.Unlock()
		if ok {
			return existing, nil
		}
	}

	nonce := q.nonces.GetAndIncrement()

	estimate, ok := q.gasCache.Get(q.relayer.ChainId)
	if !ok {
		return nil, relayererr.RetryNextTick(fmt.Errorf("no gas estimate cached for chain %d", q.relayer.ChainId))
	}
	tier := estimate.ForSpeed(req.Speed)

	to, data, safeWrapped, err := q.maybeWrapSafe(ctx, req.To, req.Value, req.Data)
	if err != nil {
		return nil, relayererr.Reject(err)
	}
	value := req.Value
	if safeWrapped {
		value = big.NewInt(0)
	}

	estimated, err := q.provider.EstimateGas(ctx, callMsg(q.relayer.Address, to, value, data))
	if err != nil {
		tx := q.newFailedRecord(req, nonce, to, data)
		if saveErr := q.store.SaveTransaction(ctx, tx); saveErr != nil {
			return nil, relayererr.Wrapf(saveErr, "persist failed estimation record")
		}
		return nil, relayererr.TerminalFail(fmt.Errorf("%s: %w", relayererr.ErrEstimateGasRevert, err))
	}
	gasLimit := uint64(float64(estimated) * 1.2)
	if safeWrapped {
		gasLimit += safeWrapOverhead
	}

	balance, err := q.provider.BalanceAt(ctx, q.relayer.Address, nil)
	if err != nil {
		return nil, relayererr.RetryNextTick(fmt.Errorf("read balance: %w", err))
	}
	required := new(big.Int).Mul(big.NewInt(int64(estimated)), tier.MaxFee)
	required.Add(required, value)
	if balance.Cmp(required) < 0 {
		tx := q.newFailedRecord(req, nonce, to, data)
		if saveErr := q.store.SaveTransaction(ctx, tx); saveErr != nil {
			return nil, relayererr.Wrapf(saveErr, "persist insufficient-funds record")
		}
		return nil, relayererr.TerminalFail(fmt.Errorf("balance %s below required %s: %w", balance, required, relayererr.ErrInsufficientFunds))
	}

	var blobFees *model.BlobGasFees
	if len(req.Blobs) > 0 {
		blobEstimate, ok := q.blobCache.Get(q.relayer.ChainId)
		if !ok {
			return nil, relayererr.RetryNextTick(fmt.Errorf("no blob gas estimate cached for chain %d", q.relayer.ChainId))
		}
		blobFees = &model.BlobGasFees{BlobGasPrice: blobEstimate.BlobGasPrice, TotalFee: blobEstimate.TotalFee}
	}

	now := time.Now()
	tx := &model.Transaction{
		Id:         model.NewTransactionId(),
		ExternalId: req.ExternalId,
		RelayerId:  q.relayer.Id,
		ChainId:    q.relayer.ChainId,
		To:         to,
		From:       q.relayer.Address,
		Value:      value,
		Data:       data,
		Blobs:      req.Blobs,
		Speed:      req.Speed,
		Nonce:      nonce,
		GasLimit:   &gasLimit,
		Status:     model.StatusPending,
		QueuedAt:   now,
		ExpiresAt:  now.Add(model.ExpiryWindow),
	}

	fees := model.GasFees{MaxFee: tier.MaxFee, MaxPriorityFee: tier.MaxPriorityFee}
	typedTx, err := buildTypedTx(q.relayer, tx, fees, blobFees)
	if err != nil {
		return nil, relayererr.Reject(fmt.Errorf("build typed transaction: %w", err))
	}
	signed, err := q.wallet.SignTransaction(ctx, q.relayer.WalletIndex, typedTx, q.relayer.ChainId)
	if err != nil {
		return nil, relayererr.Reject(fmt.Errorf("sign transaction: %w", err))
	}
	hash := signed.Hash()
	tx.KnownTransactionHash = &hash

	if err := q.store.SaveTransaction(ctx, tx); err != nil {
		return nil, relayererr.Wrapf(err, "persist pending transaction")
	}

	q.mu.Lock()
	q.pending = append(q.pending, tx)
	q.cache(tx)
	q.mu.Unlock()

	q.emit(ctx, "on_transaction_queued", tx)
	return tx, nil
}

func (q *Queue) newFailedRecord(req model.TransactionToSend, nonce uint64, to common.Address, data []byte) *model.Transaction {
	now := time.Now()
	return &model.Transaction{
		Id:         model.NewTransactionId(),
		ExternalId: req.ExternalId,
		RelayerId:  q.relayer.Id,
		ChainId:    q.relayer.ChainId,
		To:         to,
		From:       q.relayer.Address,
		Value:      req.Value,
		Data:       data,
		Blobs:      req.Blobs,
		Speed:      req.Speed,
		Nonce:      nonce,
		Status:     model.StatusFailed,
		QueuedAt:   now,
		ExpiresAt:  now.Add(model.ExpiryWindow),
	}
}

// maybeWrapSafe wraps (to, value, data) into Safe execTransaction
// calldata when the relayer has a Safe binding on its chain, returning
// the outer (to, data) pair the engine actually sends (spec §4.8).
func (q *Queue) maybeWrapSafe(ctx context.Context, to common.Address, value *big.Int, data []byte) (common.Address, []byte, bool, error) {
	if q.safe == nil {
		return to, data, false, nil
	}
	if _, ok := q.safe.Lookup(q.relayer.Address, q.relayer.ChainId); !ok {
		return to, data, false, nil
	}
	safeAddr, calldata, err := q.safe.Wrap(ctx, q.relayer.Address, q.relayer.ChainId, to, value, data)
	if err != nil {
		return common.Address{}, nil, false, fmt.Errorf("wrap safe transaction: %w", err)
	}
	return safeAddr, calldata, true, nil
}
