package registry

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rrelayer/rrelayer/internal/gas"
	"github.com/rrelayer/rrelayer/internal/model"
	"github.com/rrelayer/rrelayer/internal/provider"
	"github.com/rrelayer/rrelayer/internal/queue"
	"github.com/rrelayer/rrelayer/internal/wallet/raw"
)

const testMnemonic = "test test test test test test test test test test test junk"

type fakeStore struct{}

func (fakeStore) SaveTransaction(ctx context.Context, tx *model.Transaction) error { return nil }
func (fakeStore) UpdateTransactionHash(ctx context.Context, id model.TransactionId, hash common.Hash, sentAt time.Time, fees model.GasFees) error {
	return nil
}

type fakeWebhooks struct{}

func (fakeWebhooks) Emit(ctx context.Context, event string, tx *model.Transaction) {}

type stubAdapter struct{}

func (stubAdapter) Name() string { return "stub" }
func (stubAdapter) Fetch(ctx context.Context, chainId uint64) (gas.Estimate, error) {
	tier := gas.Tier{MaxFee: big.NewInt(2_000_000_000), MaxPriorityFee: big.NewInt(1_000_000_000)}
	return gas.Estimate{Slow: tier, Medium: tier, Fast: tier, SuperFast: tier}, nil
}

func TestRegisterAndAddRoutesToQueue(t *testing.T) {
	signer := raw.NewBackend(testMnemonic)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr, err := signer.GetAddress(ctx, 0, 1337)
	if err != nil {
		t.Fatalf("GetAddress: %v", err)
	}

	fp := provider.NewFake()
	fp.SetBalance(addr, new(big.Int).Mul(big.NewInt(1_000_000), big.NewInt(1e18)))

	gasCache := gas.NewCache()
	gasCache.Register(1337, stubAdapter{})
	if err := gasCache.RefreshOnce(ctx, 1337); err != nil {
		t.Fatalf("gas refresh: %v", err)
	}

	reg := New(ctx, map[uint64]provider.Provider{1337: fp}, signer, nil, gasCache, gas.NewBlobCache(), fakeStore{}, fakeWebhooks{}, nil)

	relayer := &model.Relayer{
		Id:             model.NewRelayerId(),
		WalletIndex:    0,
		Address:        addr,
		ChainId:        1337,
		EIP1559Enabled: true,
	}

	if _, err := reg.Register(ctx, relayer, queue.Config{BlockInterval: time.Second, Confirmations: 3}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	tx, err := reg.Add(ctx, relayer.Id, model.TransactionToSend{To: to, Value: big.NewInt(1), Speed: model.Fast})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if tx.Nonce != 0 {
		t.Fatalf("expected first nonce 0, got %d", tx.Nonce)
	}

	if _, ok := reg.Get(relayer.Id); !ok {
		t.Fatalf("expected registered queue to be retrievable")
	}

	addrs := reg.RelayerAddressesForChain(1337)
	if len(addrs) != 1 || addrs[0] != addr {
		t.Fatalf("expected relayer address listed for chain, got %v", addrs)
	}

	if err := reg.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestAddRejectsUnknownRelayer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg := New(ctx, nil, nil, nil, gas.NewCache(), gas.NewBlobCache(), fakeStore{}, fakeWebhooks{}, nil)

	_, err := reg.Add(ctx, model.NewRelayerId(), model.TransactionToSend{Speed: model.Fast})
	if err == nil {
		t.Fatalf("expected rejection for unregistered relayer")
	}
}
