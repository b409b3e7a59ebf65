// Package gas implements the process-wide GasOracleCache and
// BlobGasOracleCache of spec §4.7: a per-chain, four-speed-tier cache
// refreshed by a background task from a pluggable provider adapter.
package gas

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/rrelayer/rrelayer/internal/model"
)

// Tier is one speed's fee estimate.
type Tier struct {
	MaxFee         *big.Int
	MaxPriorityFee *big.Int
	MinWait        time.Duration
	MaxWait        time.Duration
}

// Estimate is the four-tier quote for one chain at one instant.
type Estimate struct {
	Slow      Tier
	Medium    Tier
	Fast      Tier
	SuperFast Tier
}

// ForSpeed selects the Estimate's tier matching a speed.
func (e Estimate) ForSpeed(s model.Speed) Tier {
	switch s {
	case model.Slow:
		return e.Slow
	case model.Medium:
		return e.Medium
	case model.Fast:
		return e.Fast
	case model.Super:
		return e.SuperFast
	default:
		return e.Medium
	}
}

// BlobEstimate is the single-tier blob-gas quote (spec §4.7).
type BlobEstimate struct {
	BlobGasPrice *big.Int
	TotalFee     *big.Int // blob_gas_price * 131072 (one blob's gas)
}

// BytesPerBlob is the EIP-4844 gas unit count for one blob.
const BytesPerBlob = 131072

// Adapter queries one external gas-price provider and normalizes its
// response to Estimate. Implementations exist for BlockNative,
// Etherscan, Infura, Tenderly, and a Custom endpoint (spec §6).
type Adapter interface {
	Name() string
	Fetch(ctx context.Context, chainId uint64) (Estimate, error)
}

// BlobAdapter fetches the blob-gas variant, where supported.
type BlobAdapter interface {
	FetchBlob(ctx context.Context, chainId uint64) (BlobEstimate, error)
}

// deriveSuperFast fills in a super tier from fast when an adapter has no
// native fourth tier, using the ratio the original Tenderly adapter
// applies (fee *1.2, wait *0.8) — spec §4.7, generalized to every
// adapter lacking a native super tier per SPEC_FULL.md.
func deriveSuperFast(fast Tier) Tier {
	return Tier{
		MaxFee:         mulRatio(fast.MaxFee, 12, 10),
		MaxPriorityFee: mulRatio(fast.MaxPriorityFee, 12, 10),
		MinWait:        time.Duration(float64(fast.MinWait) * 0.8),
		MaxWait:        time.Duration(float64(fast.MaxWait) * 0.8),
	}
}

func mulRatio(v *big.Int, num, den int64) *big.Int {
	if v == nil {
		return nil
	}
	r := new(big.Int).Mul(v, big.NewInt(num))
	return r.Div(r, big.NewInt(den))
}

// Cache is the process-wide per-chain cache. Single mutex, short
// critical sections: lookups never block on network I/O (spec §5).
type Cache struct {
	mu       sync.RWMutex
	byChain  map[uint64]Estimate
	adapters map[uint64]Adapter
}

func NewCache() *Cache {
	return &Cache{
		byChain:  make(map[uint64]Estimate),
		adapters: make(map[uint64]Adapter),
	}
}

// Register binds an adapter to a chain for the refresh loop to use.
func (c *Cache) Register(chainId uint64, a Adapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adapters[chainId] = a
}

// Get returns the last-refreshed estimate for a chain.
func (c *Cache) Get(chainId uint64) (Estimate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byChain[chainId]
	return e, ok
}

// RefreshOnce queries the adapter registered for chainId once and
// stores the result. Called periodically by the background refresh task
// (spec §5: "gas oracle refresh per chain").
func (c *Cache) RefreshOnce(ctx context.Context, chainId uint64) error {
	c.mu.RLock()
	a, ok := c.adapters[chainId]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("gas: no adapter registered for chain %d", chainId)
	}

	est, err := a.Fetch(ctx, chainId)
	if err != nil {
		return fmt.Errorf("gas: fetch chain %d via %s: %w", chainId, a.Name(), err)
	}
	if est.SuperFast.MaxFee == nil {
		est.SuperFast = deriveSuperFast(est.Fast)
	}

	c.mu.Lock()
	c.byChain[chainId] = est
	c.mu.Unlock()
	return nil
}

// RunRefreshLoop blocks, refreshing chainId at the given cadence until
// ctx is cancelled. Cadence must be <= the chain's block interval
// (spec §4.7).
func (c *Cache) RunRefreshLoop(ctx context.Context, chainId uint64, cadence time.Duration, onErr func(error)) {
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.RefreshOnce(ctx, chainId); err != nil && onErr != nil {
				onErr(err)
			}
		}
	}
}

// BlobCache is the process-wide blob-gas variant.
type BlobCache struct {
	mu       sync.RWMutex
	byChain  map[uint64]BlobEstimate
	adapters map[uint64]BlobAdapter
}

func NewBlobCache() *BlobCache {
	return &BlobCache{
		byChain:  make(map[uint64]BlobEstimate),
		adapters: make(map[uint64]BlobAdapter),
	}
}

func (c *BlobCache) Register(chainId uint64, a BlobAdapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adapters[chainId] = a
}

func (c *BlobCache) Get(chainId uint64) (BlobEstimate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byChain[chainId]
	return e, ok
}

func (c *BlobCache) RefreshOnce(ctx context.Context, chainId uint64) error {
	c.mu.RLock()
	a, ok := c.adapters[chainId]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("gas: no blob adapter registered for chain %d", chainId)
	}
	est, err := a.FetchBlob(ctx, chainId)
	if err != nil {
		return fmt.Errorf("gas: fetch blob chain %d: %w", chainId, err)
	}
	if est.TotalFee == nil && est.BlobGasPrice != nil {
		est.TotalFee = new(big.Int).Mul(est.BlobGasPrice, big.NewInt(BytesPerBlob))
	}
	c.mu.Lock()
	c.byChain[chainId] = est
	c.mu.Unlock()
	return nil
}

// BumpGasFees computes the bumped EIP-1559 fee pair for a gas-bump tick:
// componentwise max(oracle_price, previous_price * 1.1) (spec §4.5).
func BumpGasFees(oracle, previous Tier) Tier {
	return Tier{
		MaxFee:         componentMax(oracle.MaxFee, mulRatio(previous.MaxFee, 11, 10)),
		MaxPriorityFee: componentMax(oracle.MaxPriorityFee, mulRatio(previous.MaxPriorityFee, 11, 10)),
	}
}

func componentMax(a, b *big.Int) *big.Int {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// BumpBlobGasPrice applies the same 10% bump to a blob gas price
// (spec §4.5: "blob gas uses the same 10% bump").
func BumpBlobGasPrice(oracle, previous *big.Int) *big.Int {
	bumped := mulRatio(previous, 11, 10)
	return componentMax(oracle, bumped)
}
