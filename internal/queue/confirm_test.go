package queue

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/rrelayer/rrelayer/internal/model"
)

func TestConfirmOnceMarksConfirmedAfterDepth(t *testing.T) {
	q, fp, _, webhooks := newTestQueue(t)
	q.config.Confirmations = 1
	q.config.BlockInterval = time.Millisecond

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

	time.Sleep(5 * time.Millisecond)

	if err := q.ConfirmOnce(context.Background()); err != nil {
		t.Fatalf("ConfirmOnce: %v", err)
	}

	got, _ = q.GetById(tx.Id)
	if got.Status != model.StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", got.Status)
	}
	if got.ConfirmedAt == nil {
		t.Fatalf("expected ConfirmedAt to be set")
	}

	found := false
	for _, e := range webhooks.events {
		if e == "on_transaction_confirmed" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected on_transaction_confirmed webhook, got %v", webhooks.events)
	}
}

func TestConfirmOnceRevertsWhenReceiptDisappears(t *testing.T) {
	q, fp, _, webhooks := newTestQueue(t)
	q.config.Confirmations = 1
	q.config.BlockInterval = time.Millisecond

	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	tx, err := q.Add(context.Background(), model.TransactionToSend{To: to, Value: big.NewInt(1), Speed: model.Fast})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := q.DrainOnce(context.Background()); err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}

	got, _ := q.GetById(tx.Id)
	hash := *got.KnownTransactionHash
	fp.Receipts[hash] = &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(10)}
	if err := q.MonitorOnce(context.Background()); err != nil {
		t.Fatalf("MonitorOnce: %v", err)
	}

	delete(fp.Receipts, hash)
	fp.BlockNum = 20 // chain has advanced past the block the receipt was mined in
	time.Sleep(5 * time.Millisecond)

	if err := q.ConfirmOnce(context.Background()); err != nil {
		t.Fatalf("ConfirmOnce: %v", err)
	}

	got, _ = q.GetById(tx.Id)
	if got.Status != model.StatusInmempool {
		t.Fatalf("expected reverted to inmempool, got %s", got.Status)
	}

	found := false
	for _, e := range webhooks.events {
		if e == "on_transaction_reverted" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected on_transaction_reverted webhook, got %v", webhooks.events)
	}
}
