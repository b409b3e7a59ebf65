// Package awskms implements the Manager interface over AWS KMS
// asymmetric secp256k1 keys, using the KMS Signature API v2 Sign
// operation (spec §6). KMS returns only (r, s); the engine recovers v
// via wallet.RecoverSignature.
package awskms

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/rrelayer/rrelayer/internal/wallet"
)

// Signer is the narrow AWS KMS surface this backend needs: sign a
// digest under a named asymmetric key, and fetch that key's public key
// so the address can be derived once and cached.
type Signer interface {
	Sign(ctx context.Context, keyID string, digest [32]byte) (r, s [32]byte, err error)
	PublicKey(ctx context.Context, keyID string) ([]byte, error)
}

// Backend maps relayer wallet indexes to KMS key ids via a caller-
// supplied resolver (index -> key alias), since KMS has no notion of a
// dense integer keyspace.
type Backend struct {
	signer   Signer
	keyIDFor func(index uint32) string

	mu        sync.Mutex
	addresses map[uint32]common.Address
}

func NewBackend(signer Signer, keyIDFor func(index uint32) string) *Backend {
	return &Backend{signer: signer, keyIDFor: keyIDFor, addresses: make(map[uint32]common.Address)}
}

func (b *Backend) CreateWallet(ctx context.Context, index uint32, chainId uint64) (common.Address, error) {
	return b.GetAddress(ctx, index, chainId)
}

func (b *Backend) GetAddress(ctx context.Context, index uint32, chainId uint64) (common.Address, error) {
	b.mu.Lock()
	if addr, ok := b.addresses[index]; ok {
		b.mu.Unlock()
		return addr, nil
	}
	b.mu.Unlock()

	pub, err := b.signer.PublicKey(ctx, b.keyIDFor(index))
	if err != nil {
		return common.Address{}, fmt.Errorf("awskms: public key for index %d: %w", index, err)
	}
	addr, err := addressFromDERPublicKey(pub)
	if err != nil {
		return common.Address{}, err
	}
	b.mu.Lock()
	b.addresses[index] = addr
	b.mu.Unlock()
	return addr, nil
}

func (b *Backend) sign(ctx context.Context, index uint32, digest common.Hash) (wallet.Signature, error) {
	expected, err := b.GetAddress(ctx, index, 0)
	if err != nil {
		return wallet.Signature{}, err
	}
	r, s, err := b.signer.Sign(ctx, b.keyIDFor(index), digest)
	if err != nil {
		return wallet.Signature{}, fmt.Errorf("awskms: sign: %w", err)
	}
	return wallet.RecoverSignature(digest, r, s, expected, []byte{0, 1})
}

func (b *Backend) SignTransaction(ctx context.Context, index uint32, tx *types.Transaction, chainId uint64) (*types.Transaction, error) {
	signer := types.LatestSignerForChainID(new(big.Int).SetUint64(chainId))
	digest := signer.Hash(tx)
	sig, err := b.sign(ctx, index, digest)
	if err != nil {
		return nil, err
	}
	return tx.WithSignature(signer, sig[:])
}

func (b *Backend) SignText(ctx context.Context, index uint32, text []byte, chainId uint64) (wallet.Signature, error) {
	return b.sign(ctx, index, wallet.HashText(text))
}

func (b *Backend) SignTypedData(ctx context.Context, index uint32, data apitypes.TypedData, chainId uint64) (wallet.Signature, error) {
	hash, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return wallet.Signature{}, fmt.Errorf("awskms: hash typed data: %w", err)
	}
	return b.sign(ctx, index, common.BytesToHash(hash))
}

func (b *Backend) SupportsBlobs() bool { return false }

// addressFromDERPublicKey derives an Ethereum address from a KMS
// DER-encoded secp256k1 public key (SubjectPublicKeyInfo), stripping the
// DER/ASN.1 wrapper down to the raw 64-byte uncompressed point and
// applying the standard keccak256(pubkey)[12:] address rule.
func addressFromDERPublicKey(der []byte) (common.Address, error) {
	if len(der) < 65 {
		return common.Address{}, fmt.Errorf("awskms: public key too short: %d bytes", len(der))
	}
	raw := der[len(der)-64:]
	hash := crypto.Keccak256(raw)
	return common.BytesToAddress(hash[12:]), nil
}

var _ wallet.Manager = (*Backend)(nil)
