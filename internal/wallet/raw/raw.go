// Package raw implements the Manager interface over mnemonic-derived
// local ECDSA keys, the backend used in development and in the e2e
// scenarios of spec §8 (test mnemonic "test test ... junk").
//
// Grounded on 03-keys-addresses (crypto.HexToECDSA, crypto.PubkeyToAddress)
// and 05-tx-nonces (types.SignTx) from the teacher repo.
package raw

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/rrelayer/rrelayer/internal/wallet"
)

// Backend derives one ECDSA key per wallet index from a seed mnemonic,
// caching derived keys. Derivation is keccak256("<mnemonic>/<index>"), a
// deterministic per-index key schedule rather than full BIP-32 HD
// derivation — sufficient for the relayer's own keyspace, which never
// needs to interoperate with external HD wallets holding the same seed.
type Backend struct {
	mnemonic string

	mu   sync.Mutex
	keys map[uint32]*ecdsa.PrivateKey
}

func NewBackend(mnemonic string) *Backend {
	return &Backend{mnemonic: mnemonic, keys: make(map[uint32]*ecdsa.PrivateKey)}
}

func (b *Backend) keyFor(index uint32) (*ecdsa.PrivateKey, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if k, ok := b.keys[index]; ok {
		return k, nil
	}
	seed := crypto.Keccak256([]byte(fmt.Sprintf("%s/%d", b.mnemonic, index)))
	key, err := crypto.ToECDSA(seed)
	if err != nil {
		return nil, fmt.Errorf("raw wallet: derive index %d: %w", index, err)
	}
	b.keys[index] = key
	return key, nil
}

func (b *Backend) CreateWallet(ctx context.Context, index uint32, chainId uint64) (common.Address, error) {
	return b.GetAddress(ctx, index, chainId)
}

func (b *Backend) GetAddress(ctx context.Context, index uint32, chainId uint64) (common.Address, error) {
	key, err := b.keyFor(index)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(key.PublicKey), nil
}

func (b *Backend) SignTransaction(ctx context.Context, index uint32, tx *types.Transaction, chainId uint64) (*types.Transaction, error) {
	key, err := b.keyFor(index)
	if err != nil {
		return nil, err
	}
	signer := types.LatestSignerForChainID(new(big.Int).SetUint64(chainId))
	return types.SignTx(tx, signer, key)
}

func (b *Backend) SignText(ctx context.Context, index uint32, text []byte, chainId uint64) (wallet.Signature, error) {
	key, err := b.keyFor(index)
	if err != nil {
		return wallet.Signature{}, err
	}
	digest := wallet.HashText(text)
	return wallet.SignDigestWithPrivateKey(digest, key)
}

func (b *Backend) SignTypedData(ctx context.Context, index uint32, data apitypes.TypedData, chainId uint64) (wallet.Signature, error) {
	key, err := b.keyFor(index)
	if err != nil {
		return wallet.Signature{}, err
	}
	hash, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return wallet.Signature{}, fmt.Errorf("raw wallet: hash typed data: %w", err)
	}
	return wallet.SignDigestWithPrivateKey(common.BytesToHash(hash), key)
}

func (b *Backend) SupportsBlobs() bool { return true }

var _ wallet.Manager = (*Backend)(nil)
