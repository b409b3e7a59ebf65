package store

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rrelayer/rrelayer/internal/model"
	"github.com/rrelayer/rrelayer/internal/webhook"
)

func testTx() *model.Transaction {
	now := time.Now()
	return &model.Transaction{
		Id:        model.NewTransactionId(),
		RelayerId: model.NewRelayerId(),
		ChainId:   1337,
		To:        common.HexToAddress("0x1111111111111111111111111111111111111111"),
		From:      common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Value:     big.NewInt(1),
		Speed:     model.Fast,
		Nonce:     0,
		Status:    model.StatusPending,
		QueuedAt:  now,
		ExpiresAt: now.Add(model.ExpiryWindow),
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveTransactionIsIdempotentOnCollision(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tx := testTx()

	if err := s.SaveTransaction(ctx, tx); err != nil {
		t.Fatalf("first save: %v", err)
	}
	tx.Status = model.StatusInmempool
	if err := s.SaveTransaction(ctx, tx); err != nil {
		t.Fatalf("second save (update): %v", err)
	}

	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM transactions WHERE id = ?`, tx.Id.String()).Scan(&status)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if status != "INMEMPOOL" {
		t.Fatalf("expected updated status INMEMPOOL, got %s", status)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE id = ?`, tx.Id.String()).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one row after upsert, got %d", count)
	}
}

func TestUpdateTransactionHashRewritesOnlyHashAndFees(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tx := testTx()
	if err := s.SaveTransaction(ctx, tx); err != nil {
		t.Fatalf("save: %v", err)
	}

	hash := common.HexToHash("0xdead")
	fees := model.GasFees{MaxFee: big.NewInt(10), MaxPriorityFee: big.NewInt(5)}
	if err := s.UpdateTransactionHash(ctx, tx.Id, hash, time.Now(), fees); err != nil {
		t.Fatalf("update hash: %v", err)
	}

	var gotHash, gotStatus string
	err := s.db.QueryRowContext(ctx, `SELECT known_transaction_hash, status FROM transactions WHERE id = ?`, tx.Id.String()).Scan(&gotHash, &gotStatus)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if gotHash != hash.Hex() {
		t.Fatalf("expected hash %s, got %s", hash.Hex(), gotHash)
	}
	if gotStatus != "PENDING" {
		t.Fatalf("expected status untouched by hash update, got %s", gotStatus)
	}
}

func TestSaveAndLoadRelayers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	r := &model.Relayer{
		Id:             model.NewRelayerId(),
		WalletIndex:    3,
		Address:        common.HexToAddress("0x3333333333333333333333333333333333333333"),
		ChainId:        1337,
		Name:           "primary",
		EIP1559Enabled: true,
		MaxGasPrice:    big.NewInt(500),
	}
	if err := s.SaveRelayer(ctx, r); err != nil {
		t.Fatalf("save relayer: %v", err)
	}

	loaded, err := s.LoadRelayers(ctx)
	if err != nil {
		t.Fatalf("load relayers: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 relayer, got %d", len(loaded))
	}
	if loaded[0].Address != r.Address || loaded[0].Name != r.Name {
		t.Fatalf("loaded relayer mismatch: %+v", loaded[0])
	}
	if loaded[0].MaxGasPrice == nil || loaded[0].MaxGasPrice.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("expected max gas price 500, got %v", loaded[0].MaxGasPrice)
	}
}

func TestAllowlistAddAndCheckIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	relayerId := model.NewRelayerId()
	addr := common.HexToAddress("0x4444444444444444444444444444444444444444")

	ok, err := s.IsAllowlisted(ctx, relayerId, addr)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ok {
		t.Fatalf("expected not allowlisted before insert")
	}

	if err := s.AddAllowlistEntry(ctx, relayerId, addr); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.AddAllowlistEntry(ctx, relayerId, addr); err != nil {
		t.Fatalf("re-add: %v", err)
	}

	ok, err = s.IsAllowlisted(ctx, relayerId, addr)
	if err != nil {
		t.Fatalf("check after insert: %v", err)
	}
	if !ok {
		t.Fatalf("expected allowlisted after insert")
	}
}

func TestSaveDeliveryPersistsWebhookStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	d := &webhook.Delivery{
		Id:        "delivery-1",
		Endpoint:  webhook.Endpoint{Name: "primary"},
		EventType: "on_transaction_sent",
		Attempts:  1,
		Status:    webhook.StatusDelivered,
	}
	if err := s.SaveDelivery(ctx, d); err != nil {
		t.Fatalf("save delivery: %v", err)
	}

	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM webhook_delivery_history WHERE id = ?`, d.Id).Scan(&status)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if status != webhook.StatusDelivered {
		t.Fatalf("expected status %s, got %s", webhook.StatusDelivered, status)
	}
}
