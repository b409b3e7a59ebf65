package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Speed is the user-requested urgency tier for a transaction, mapped to
// one of the four gas-oracle tiers in internal/gas.
type Speed int

const (
	Slow Speed = iota
	Medium
	Fast
	Super
)

func (s Speed) String() string {
	switch s {
	case Slow:
		return "slow"
	case Medium:
		return "medium"
	case Fast:
		return "fast"
	case Super:
		return "super"
	default:
		return "unknown"
	}
}

// BumpBlocks is the number of blocks a sent-but-unconfirmed transaction is
// allowed to sit in the mempool before the inmempool monitor bumps its gas
// price (spec §4.5).
func (s Speed) BumpBlocks() int {
	switch s {
	case Slow:
		return 10
	case Medium:
		return 5
	case Fast:
		return 4
	case Super:
		return 2
	default:
		return 10
	}
}

// Relayer is a keyed account bound to one chain (spec §3).
type Relayer struct {
	Id               RelayerId
	WalletIndex      uint32
	Address          common.Address
	ChainId          uint64
	Name             string
	Paused           bool
	EIP1559Enabled   bool
	AllowlistedOnly  bool
	MaxGasPrice      *big.Int // nil = no cap
}

// IsWithinGasCap reports whether price is acceptable under the relayer's
// configured ceiling. A nil ceiling means no cap is enforced.
func (r *Relayer) IsWithinGasCap(price *big.Int) bool {
	if r.MaxGasPrice == nil {
		return true
	}
	return price.Cmp(r.MaxGasPrice) <= 0
}
