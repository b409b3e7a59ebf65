package webhook

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rrelayer/rrelayer/internal/model"
)

type fakeStore struct {
	saved []*Delivery
}

func (s *fakeStore) SaveDelivery(ctx context.Context, d *Delivery) error {
	s.saved = append(s.saved, d)
	return nil
}

func testTx() *model.Transaction {
	return &model.Transaction{
		Id:        model.NewTransactionId(),
		RelayerId: model.NewRelayerId(),
		ChainId:   1337,
		Status:    model.StatusPending,
		Nonce:     3,
		Value:     big.NewInt(1),
	}
}

func TestEmitDeliversToMatchingEndpointAndSignsBody(t *testing.T) {
	var gotSecret string
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		gotSecret = r.Header.Get("X-RRelayer-Shared-Secret")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := &fakeStore{}
	m := New(Config{Endpoints: []Endpoint{{Name: "ep1", URL: server.URL, SharedSecret: "shh", Networks: []string{"*"}}}}, map[uint64]string{1337: "anvil"}, store)

	ctx, cancel := context.WithCancel(context.Background())
	go m.RunDeliveryLoop(ctx)
	defer cancel()

	m.Emit(context.Background(), "on_transaction_queued", testTx())

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&calls) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected 1 delivery attempt, got %d", calls)
	}
	if gotSecret == "" {
		t.Fatalf("expected a signed shared-secret header")
	}
}

func TestEmitSkipsEndpointOnNetworkMismatch(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	m := New(Config{Endpoints: []Endpoint{{Name: "ep1", URL: server.URL, SharedSecret: "shh", Networks: []string{"mainnet"}}}}, map[uint64]string{1337: "anvil"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go m.RunDeliveryLoop(ctx)
	defer cancel()

	m.Emit(context.Background(), "on_transaction_queued", testTx())
	time.Sleep(50 * time.Millisecond)

	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("expected no delivery for mismatched network, got %d calls", calls)
	}
}

func TestDeliveryMarkedFailedAfterMaxRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	store := &fakeStore{}
	m := New(Config{
		Endpoints:  []Endpoint{{Name: "ep1", URL: server.URL, SharedSecret: "shh", Networks: []string{"*"}}},
		MaxRetries: 2,
	}, map[uint64]string{1337: "anvil"}, store)

	d := &Delivery{Id: "d1", Endpoint: m.cfg.Endpoints[0], MaxRetries: 2, Status: StatusPending, Payload: []byte("{}")}
	m.deliverWithRetry(context.Background(), d)

	if d.Status != StatusFailed {
		t.Fatalf("expected failed status, got %s", d.Status)
	}
	if d.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", d.Attempts)
	}
	if len(store.saved) != 1 || store.saved[0].Status != StatusFailed {
		t.Fatalf("expected failed delivery persisted, got %+v", store.saved)
	}
}
