package topup

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rrelayer/rrelayer/internal/provider"
	"github.com/rrelayer/rrelayer/internal/wallet/raw"
)

const testMnemonic = "test test test test test test test test test test test junk"

func TestCheckAndTopUpOnceFundsDeficientTarget(t *testing.T) {
	signer := raw.NewBackend(testMnemonic)
	ctx := context.Background()
	source, err := signer.GetAddress(ctx, 0, 1337)
	if err != nil {
		t.Fatalf("source address: %v", err)
	}
	target := common.HexToAddress("0x3333333333333333333333333333333333333333")

	fp := provider.NewFake()
	oneEth := new(big.Int).Mul(big.NewInt(1), big.NewInt(1e18))
	fp.SetBalance(source, new(big.Int).Mul(big.NewInt(100), oneEth))
	fp.SetBalance(target, new(big.Int).Div(oneEth, big.NewInt(2))) // 0.5 ether, below min

	cfg := Config{Networks: []NetworkConfig{{
		ChainId:           1337,
		SourceAddress:     source,
		SourceWalletIndex: 0,
		Targets:           []common.Address{target, source},
		Native:            &NativeTokenConfig{MinBalance: oneEth, TopUpAmount: new(big.Int).Mul(big.NewInt(2), oneEth)},
	}}}

	task, err := New(cfg, map[uint64]provider.Provider{1337: fp}, signer, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	task.CheckAndTopUpOnce(ctx)

	if len(fp.Sent) != 1 {
		t.Fatalf("expected exactly 1 top-up transaction (source excluded from targets), got %d", len(fp.Sent))
	}
	sentTx := fp.Sent[0]
	if sentTx.To() == nil || *sentTx.To() != target {
		t.Fatalf("expected top-up sent to target, got %v", sentTx.To())
	}
}

func TestProcessNetworkSkipsWhenSourceUnderfunded(t *testing.T) {
	signer := raw.NewBackend(testMnemonic)
	ctx := context.Background()
	source, err := signer.GetAddress(ctx, 0, 1337)
	if err != nil {
		t.Fatalf("source address: %v", err)
	}
	target := common.HexToAddress("0x3333333333333333333333333333333333333333")

	fp := provider.NewFake()
	oneEth := new(big.Int).Mul(big.NewInt(1), big.NewInt(1e18))
	fp.SetBalance(source, big.NewInt(1)) // essentially nothing
	fp.SetBalance(target, big.NewInt(0))

	cfg := Config{Networks: []NetworkConfig{{
		ChainId:           1337,
		SourceAddress:     source,
		SourceWalletIndex: 0,
		Targets:           []common.Address{target},
		Native:            &NativeTokenConfig{MinBalance: oneEth, TopUpAmount: oneEth},
	}}}

	task, err := New(cfg, map[uint64]provider.Provider{1337: fp}, signer, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var gotErr error
	task.onErr = func(chainId uint64, err error) { gotErr = err }
	task.CheckAndTopUpOnce(ctx)

	if gotErr == nil {
		t.Fatalf("expected an error reported for underfunded source")
	}
	if len(fp.Sent) != 0 {
		t.Fatalf("expected no transaction sent, got %d", len(fp.Sent))
	}
}
