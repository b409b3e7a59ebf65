package provider

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Fake is an in-memory Provider double for tests, following the same
// surface every teacher exercise touches through *ethclient.Client.
type Fake struct {
	mu sync.Mutex

	ChainIdValue   *big.Int
	GasPriceValue  *big.Int
	TipCapValue    *big.Int
	Balances       map[common.Address]*big.Int
	PendingNonces  map[common.Address]uint64
	ConfirmedNonce map[common.Address]uint64
	EstimateGasErr error
	EstimateGasVal uint64
	SendErr        error
	Sent           []*types.Transaction
	Receipts       map[common.Hash]*types.Receipt
	BlockNum       uint64
	CallResult     []byte
	CallErr        error
}

func NewFake() *Fake {
	return &Fake{
		ChainIdValue:   big.NewInt(31337),
		GasPriceValue:  big.NewInt(1_000_000_000),
		TipCapValue:    big.NewInt(1_000_000_000),
		Balances:       map[common.Address]*big.Int{},
		PendingNonces:  map[common.Address]uint64{},
		ConfirmedNonce: map[common.Address]uint64{},
		Receipts:       map[common.Hash]*types.Receipt{},
		EstimateGasVal: 21000,
	}
}

func (f *Fake) ChainID(ctx context.Context) (*big.Int, error) { return f.ChainIdValue, nil }

func (f *Fake) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.GasPriceValue), nil
}

func (f *Fake) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.TipCapValue), nil
}

func (f *Fake) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.PendingNonces[account], nil
}

func (f *Fake) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ConfirmedNonce[account], nil
}

func (f *Fake) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.Balances[account]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(b), nil
}

func (f *Fake) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if f.EstimateGasErr != nil {
		return 0, f.EstimateGasErr
	}
	return f.EstimateGasVal, nil
}

func (f *Fake) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if f.SendErr != nil {
		return f.SendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Sent = append(f.Sent, tx)
	return nil
}

func (f *Fake) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.Receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *Fake) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return f.CallResult, f.CallErr
}

func (f *Fake) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &types.Header{Number: new(big.Int).SetUint64(f.BlockNum)}, nil
}

func (f *Fake) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.BlockNum, nil
}

// SetBalance is a test helper.
func (f *Fake) SetBalance(addr common.Address, v *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Balances[addr] = v
}

var _ Provider = (*Fake)(nil)
