// Package gcpsecret implements the Manager interface over GCP Secret
// Manager: the raw private key material is fetched once per index and
// signed locally, unlike awskms/pkcs11 where the key never leaves the
// HSM boundary (spec §6).
package gcpsecret

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

// SecretFetcher fetches the latest version payload of a named secret.
type SecretFetcher interface {
	AccessSecretVersion(ctx context.Context, secretName string) ([]byte, error)
}

// Backend resolves a wallet index to a secret name, fetches the raw
// 32-byte private key, and signs locally with go-ethereum's crypto package.
type Backend struct {
	fetcher        SecretFetcher
	secretNameFor  func(index uint32) string

	mu   sync.Mutex
	keys map[uint32]*ecdsa.PrivateKey
}

func NewBackend(fetcher SecretFetcher, secretNameFor func(index uint32) string) *Backend {
	return &Backend{fetcher: fetcher, secretNameFor: secretNameFor, keys: make(map[uint32]*ecdsa.PrivateKey)}
}

func (b *Backend) keyFor(ctx context.Context, index uint32) (*ecdsa.PrivateKey, error) {
	b.mu.Lock()
	if k, ok := b.keys[index]; ok {
		b.mu.Unlock()
		return k, nil
	}
	b.mu.Unlock()

	raw, err := b.fetcher.AccessSecretVersion(ctx, b.secretNameFor(index))
	if err != nil {
		return nil, fmt.Errorf("gcpsecret: fetch index %d: %w", index, err)
	}
	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("gcpsecret: parse key index %d: %w", index, err)
	}
	b.mu.Lock()
	b.keys[index] = key
	b.mu.Unlock()
	return key, nil
}

func (b *Backend) CreateWallet(ctx context.Context, index uint32, chainId uint64) (common.Address, error) {
	return b.GetAddress(ctx, index, chainId)
}

func (b *Backend) GetAddress(ctx context.Context, index uint32, chainId uint64) (common.Address, error) {
	key, err := b.keyFor(ctx, index)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(key.PublicKey), nil
}

func (b *Backend) SignTransaction(ctx context.Context, index uint32, tx *types.Transaction, chainId uint64) (*types.Transaction, error) {
	key, err := b.keyFor(ctx, index)
	if err != nil {
		return nil, err
	}
	signer := types.LatestSignerForChainID(new(big.Int).SetUint64(chainId))
	return types.SignTx(tx, signer, key)
}

func (b *Backend) SignText(ctx context.Context, index uint32, text []byte, chainId uint64) (wallet.Signature, error) {
	key, err := b.keyFor(ctx, index)
	if err != nil {
		return wallet.Signature{}, err
	}
	return wallet.SignDigestWithPrivateKey(wallet.HashText(text), key)
}

func (b *Backend) SignTypedData(ctx context.Context, index uint32, data apitypes.TypedData, chainId uint64) (wallet.Signature, error) {
	key, err := b.keyFor(ctx, index)
	if err != nil {
		return wallet.Signature{}, err
	}
	hash, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return wallet.Signature{}, fmt.Errorf("gcpsecret: hash typed data: %w", err)
	}
	return wallet.SignDigestWithPrivateKey(common.BytesToHash(hash), key)
}

func (b *Backend) SupportsBlobs() bool { return true }

var _ wallet.Manager = (*Backend)(nil)
