// Package pkcs11 implements the Manager interface over a PKCS#11 HSM
// session: signing calls C_Sign with the ECDSA mechanism over a
// secp256k1 key handle (spec §6: "PKCS#11 (C_Sign over secp256k1)").
// The actual cryptoki binding is abstracted behind Session so this
// package has no cgo dependency of its own; a real deployment wires in
// a cryptoki wrapper that satisfies it.
package pkcs11

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

// Session is the narrow PKCS#11 surface this backend needs: find a key
// object handle by label, read its EC point, and sign a 32-byte digest
// with CKM_ECDSA under that handle. A handle is an opaque
// module-specific reference (object handle, slot, or similar).
type Session interface {
	FindKey(label string) (handle uint64, err error)
	ECPoint(handle uint64) (uncompressed []byte, err error)
	Sign(handle uint64, digest [32]byte) (r, s [32]byte, err error)
}

// Backend maps relayer wallet indexes to HSM key labels via a
// caller-supplied resolver, since a PKCS#11 token has no notion of a
// dense integer keyspace either.
type Backend struct {
	session  Session
	labelFor func(index uint32) string

	mu        sync.Mutex
	handles   map[uint32]uint64
	addresses map[uint32]common.Address
}

func NewBackend(session Session, labelFor func(index uint32) string) *Backend {
	return &Backend{
		session:   session,
		labelFor:  labelFor,
		handles:   make(map[uint32]uint64),
		addresses: make(map[uint32]common.Address),
	}
}

func (b *Backend) handleFor(index uint32) (uint64, error) {
	b.mu.Lock()
	if h, ok := b.handles[index]; ok {
		b.mu.Unlock()
		return h, nil
	}
	b.mu.Unlock()

	h, err := b.session.FindKey(b.labelFor(index))
	if err != nil {
		return 0, fmt.Errorf("pkcs11: find key for index %d: %w", index, err)
	}
	b.mu.Lock()
	b.handles[index] = h
	b.mu.Unlock()
	return h, nil
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

	handle, err := b.handleFor(index)
	if err != nil {
		return common.Address{}, err
	}
	point, err := b.session.ECPoint(handle)
	if err != nil {
		return common.Address{}, fmt.Errorf("pkcs11: ec point for index %d: %w", index, err)
	}
	raw := point
	if len(raw) == 65 && raw[0] == 0x04 {
		raw = raw[1:]
	}
	if len(raw) != 64 {
		return common.Address{}, fmt.Errorf("pkcs11: unexpected ec point length %d", len(raw))
	}
	hash := crypto.Keccak256(raw)
	addr := common.BytesToAddress(hash[12:])
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
	handle, err := b.handleFor(index)
	if err != nil {
		return wallet.Signature{}, err
	}
	r, s, err := b.session.Sign(handle, digest)
	if err != nil {
		return wallet.Signature{}, fmt.Errorf("pkcs11: C_Sign: %w", err)
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
		return wallet.Signature{}, fmt.Errorf("pkcs11: hash typed data: %w", err)
	}
	return b.sign(ctx, index, common.BytesToHash(hash))
}

func (b *Backend) SupportsBlobs() bool { return false }

var _ wallet.Manager = (*Backend)(nil)
