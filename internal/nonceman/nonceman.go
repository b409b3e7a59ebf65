// Package nonceman implements the per-relayer NonceManager of spec §4.1:
// a single atomic allocator of the next on-chain nonce, initialized from
// the chain and never rewound.
package nonceman

import (
	"context"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rrelayer/rrelayer/internal/provider"
)

// NonceManager hands out strictly increasing nonces for one relayer
// address. Grounded on the mutex-guarded map-of-address cache in
// GoPolymarket's NonceManager (_examples/other_examples), specialized
// here to a single address per instance since each relayer owns one.
type NonceManager struct {
	next atomic.Uint64
}

// New initializes the manager from the relayer's current pending nonce
// on chain (spec §4.1: "Initialized to the on-chain nonce ... at
// startup").
func New(ctx context.Context, p provider.Provider, address common.Address) (*NonceManager, error) {
	n, err := p.PendingNonceAt(ctx, address)
	if err != nil {
		return nil, err
	}
	nm := &NonceManager{}
	nm.next.Store(n)
	return nm, nil
}

// NewFrom initializes the manager with an explicit starting nonce,
// bypassing a chain call (used in tests and deterministic setups).
func NewFrom(n uint64) *NonceManager {
	nm := &NonceManager{}
	nm.next.Store(n)
	return nm
}

// GetAndIncrement atomically returns the current nonce and advances the
// allocator. The nonce space is never rewound: once handed out, a nonce
// belongs to its transaction (or its eventual no-op replacement) forever
// (spec §4.1).
func (nm *NonceManager) GetAndIncrement() uint64 {
	return nm.next.Add(1) - 1
}

// Peek returns the next nonce that would be allocated, without
// consuming it.
func (nm *NonceManager) Peek() uint64 {
	return nm.next.Load()
}
