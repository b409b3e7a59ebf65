package queue

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/rrelayer/rrelayer/internal/gas"
	"github.com/rrelayer/rrelayer/internal/model"
	"github.com/rrelayer/rrelayer/internal/nonceman"
	"github.com/rrelayer/rrelayer/internal/provider"
	"github.com/rrelayer/rrelayer/internal/wallet/raw"
)

const testMnemonic = "test test test test test test test test test test test junk"

type fakeStore struct {
	saved   []*model.Transaction
	hashUpd int
}

func (s *fakeStore) SaveTransaction(ctx context.Context, tx *model.Transaction) error {
	s.saved = append(s.saved, tx)
	return nil
}

func (s *fakeStore) UpdateTransactionHash(ctx context.Context, id model.TransactionId, hash common.Hash, sentAt time.Time, fees model.GasFees) error {
	s.hashUpd++
	return nil
}

type fakeWebhooks struct {
	events []string
}

func (w *fakeWebhooks) Emit(ctx context.Context, event string, tx *model.Transaction) {
	w.events = append(w.events, event)
}

func newTestQueue(t *testing.T) (*Queue, *provider.Fake, *fakeStore, *fakeWebhooks) {
	t.Helper()
	signer := raw.NewBackend(testMnemonic)
	addr, err := signer.GetAddress(context.Background(), 0, 1337)
	if err != nil {
		t.Fatalf("GetAddress: %v", err)
	}

	relayer := &model.Relayer{
		Id:             model.NewRelayerId(),
		WalletIndex:    0,
		Address:        addr,
		ChainId:        1337,
		Name:           "test-relayer",
		EIP1559Enabled: true,
	}

	fp := provider.NewFake()
	fp.SetBalance(addr, new(big.Int).Mul(big.NewInt(1_000_000), big.NewInt(1e18)))

	gasCache := gas.NewCache()
	gasCache.Register(1337, stubAdapter{})
	if err := gasCache.RefreshOnce(context.Background(), 1337); err != nil {
		t.Fatalf("gas refresh: %v", err)
	}

	store := &fakeStore{}
	webhooks := &fakeWebhooks{}
	nonces := nonceman.NewFrom(0)

	q := New(relayer, Config{BlockInterval: time.Second, Confirmations: 3}, nonces, fp, signer, nil, gasCache, gas.NewBlobCache(), store, webhooks)
	return q, fp, store, webhooks
}

type stubAdapter struct{}

func (stubAdapter) Name() string { return "stub" }
func (stubAdapter) Fetch(ctx context.Context, chainId uint64) (gas.Estimate, error) {
	tier := gas.Tier{MaxFee: big.NewInt(2_000_000_000), MaxPriorityFee: big.NewInt(1_000_000_000)}
	return gas.Estimate{Slow: tier, Medium: tier, Fast: tier, SuperFast: tier}, nil
}

func TestAddQueuesPendingTransaction(t *testing.T) {
	q, _, store, webhooks := newTestQueue(t)
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")

	tx, err := q.Add(context.Background(), model.TransactionToSend{To: to, Value: big.NewInt(1), Speed: model.Fast})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if tx.Status != model.StatusPending {
		t.Fatalf("expected pending, got %s", tx.Status)
	}
	if len(store.saved) != 1 {
		t.Fatalf("expected 1 save, got %d", len(store.saved))
	}
	if len(webhooks.events) != 1 || webhooks.events[0] != "on_transaction_queued" {
		t.Fatalf("unexpected webhook events: %v", webhooks.events)
	}
}

func TestAddIsIdempotentOnExternalId(t *testing.T) {
	q, _, _, _ := newTestQueue(t)
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	req := model.TransactionToSend{To: to, Value: big.NewInt(1), Speed: model.Fast, ExternalId: "order-1"}

	first, err := q.Add(context.Background(), req)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	second, err := q.Add(context.Background(), req)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if first.Id != second.Id {
		t.Fatalf("expected same transaction id, got %s and %s", first.Id, second.Id)
	}
}

func TestAddRejectsWhenPaused(t *testing.T) {
	q, _, _, _ := newTestQueue(t)
	q.relayer.Paused = true
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")

	_, err := q.Add(context.Background(), model.TransactionToSend{To: to, Value: big.NewInt(1), Speed: model.Fast})
	if err == nil {
		t.Fatalf("expected rejection while paused")
	}
}

func TestDrainOnceMovesPendingToInmempool(t *testing.T) {
	q, fp, _, webhooks := newTestQueue(t)
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")

	tx, err := q.Add(context.Background(), model.TransactionToSend{To: to, Value: big.NewInt(1), Speed: model.Fast})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := q.DrainOnce(context.Background()); err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}

	got, ok := q.GetById(tx.Id)
	if !ok {
		t.Fatalf("transaction not cached")
	}
	if got.Status != model.StatusInmempool {
		t.Fatalf("expected inmempool, got %s", got.Status)
	}
	if len(fp.Sent) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(fp.Sent))
	}
	found := false
	for _, e := range webhooks.events {
		if e == "on_transaction_sent" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected on_transaction_sent webhook, got %v", webhooks.events)
	}
}

func TestMonitorOnceResolvesMinedReceipt(t *testing.T) {
	q, fp, _, webhooks := newTestQueue(t)
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")

	tx, err := q.Add(context.Background(), model.TransactionToSend{To: to, Value: big.NewInt(1), Speed: model.Fast})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := q.DrainOnce(context.Background()); err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}

	got, _ := q.GetById(tx.Id)
	fp.Receipts[*got.KnownTransactionHash] = &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(10)}

	if err := q.MonitorOnce(context.Background()); err != nil {
		t.Fatalf("MonitorOnce: %v", err)
	}

	got, _ = q.GetById(tx.Id)
	if got.Status != model.StatusMined {
		t.Fatalf("expected mined, got %s", got.Status)
	}
	found := false
	for _, e := range webhooks.events {
		if e == "on_transaction_mined" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected on_transaction_mined webhook, got %v", webhooks.events)
	}
}

func TestCancelInmempoolBroadcastsCompetitor(t *testing.T) {
	q, fp, _, _ := newTestQueue(t)
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")

	tx, err := q.Add(context.Background(), model.TransactionToSend{To: to, Value: big.NewInt(1), Speed: model.Fast})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := q.DrainOnce(context.Background()); err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}

	if err := q.Cancel(context.Background(), tx.Id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if len(fp.Sent) != 2 {
		t.Fatalf("expected 2 broadcasts (original + cancel), got %d", len(fp.Sent))
	}

	got, _ := q.GetById(tx.Id)
	if got.CancelledByTransactionId == nil {
		t.Fatalf("expected cancelled_by_transaction_id to be set")
	}

	q.mu.Lock()
	competitors := q.competitors[tx.Id]
	q.mu.Unlock()
	if len(competitors) != 1 {
		t.Fatalf("expected 1 competitor, got %d", len(competitors))
	}
	if competitors[0].Nonce != tx.Nonce {
		t.Fatalf("expected competitor to share nonce %d, got %d", tx.Nonce, competitors[0].Nonce)
	}
}

func TestCancelPendingRemovesFromDeque(t *testing.T) {
	q, _, _, webhooks := newTestQueue(t)
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")

	tx, err := q.Add(context.Background(), model.TransactionToSend{To: to, Value: big.NewInt(1), Speed: model.Fast})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := q.Cancel(context.Background(), tx.Id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	q.mu.Lock()
	pendingLen := len(q.pending)
	q.mu.Unlock()
	if pendingLen != 0 {
		t.Fatalf("expected pending deque empty, got %d", pendingLen)
	}

	got, _ := q.GetById(tx.Id)
	if got.Status != model.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	found := false
	for _, e := range webhooks.events {
		if e == "on_transaction_cancelled" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected on_transaction_cancelled webhook, got %v", webhooks.events)
	}
}
