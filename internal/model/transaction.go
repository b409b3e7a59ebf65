package model

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Blob is a single EIP-4844 blob payload (32*4096 bytes before KZG commit).
type Blob [131072]byte

// GasFees is the EIP-1559 fee pair used both for the sent record and for
// bump comparisons.
type GasFees struct {
	MaxFee         *big.Int
	MaxPriorityFee *big.Int
}

// StrictlyGreaterThan reports whether both components of g exceed prior,
// the monotonic-bump law from spec §8.
func (g GasFees) StrictlyGreaterThan(prior GasFees) bool {
	if g.MaxFee == nil || prior.MaxFee == nil || g.MaxPriorityFee == nil || prior.MaxPriorityFee == nil {
		return false
	}
	return g.MaxFee.Cmp(prior.MaxFee) > 0 && g.MaxPriorityFee.Cmp(prior.MaxPriorityFee) > 0
}

// BlobGasFees is the blob-carrying fee pair (spec §3, §4.7).
type BlobGasFees struct {
	BlobGasPrice *big.Int
	TotalFee     *big.Int
}

// TransactionToSend is the admission input (spec §4.3).
type TransactionToSend struct {
	To         common.Address
	Value      *big.Int
	Data       []byte
	Speed      Speed
	Blobs      []Blob
	ExternalId string
}

// Transaction is one user-visible relay request (spec §3).
type Transaction struct {
	Id         TransactionId
	ExternalId string
	RelayerId  RelayerId
	ChainId    uint64

	To    common.Address
	From  common.Address
	Value *big.Int
	Data  []byte
	Blobs []Blob
	Speed Speed

	Nonce                uint64
	GasLimit             *uint64
	KnownTransactionHash *common.Hash

	Status Status

	SentWithGas     *GasFees
	SentWithBlobGas *BlobGasFees

	QueuedAt           time.Time
	ExpiresAt          time.Time
	SentAt             *time.Time
	MinedAt            *time.Time
	MinedAtBlockNumber *uint64
	ConfirmedAt        *time.Time

	CancelledByTransactionId *TransactionId
	IsNoop                   bool
}

// ExpiryWindow is the admission-to-expiry duration (spec §3).
const ExpiryWindow = 12 * time.Hour

// NewNoop rewrites tx in place into a nonce-filling no-op, preserving its
// identity, relayer, chain and nonce (spec §4.4).
func (t *Transaction) NewNoop(selfAddress common.Address) {
	t.To = selfAddress
	t.Value = big.NewInt(0)
	t.Data = nil
	t.Blobs = nil
	gasLimit := uint64(21000)
	t.GasLimit = &gasLimit
	t.IsNoop = true
	t.Speed = Fast
}

// BumpGasDeadline returns the instant after which this transaction, if
// still inmempool, is due for a gas bump given a chain block interval
// (spec §4.5).
func (t *Transaction) BumpGasDeadline(blockInterval time.Duration) time.Time {
	if t.SentAt == nil {
		return time.Time{}
	}
	return t.SentAt.Add(blockInterval * time.Duration(t.Speed.BumpBlocks()))
}

// ConfirmationDeadline returns the instant at which a MINED transaction
// becomes eligible for CONFIRMED, given confirmations depth (spec §4.5).
func (t *Transaction) ConfirmationDeadline(blockInterval time.Duration, confirmations int) time.Time {
	if t.MinedAt == nil {
		return time.Time{}
	}
	return t.MinedAt.Add(blockInterval * time.Duration(confirmations))
}
