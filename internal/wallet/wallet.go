// Package wallet defines the WalletManager interface (spec §4.11) that
// every signing backend implements, plus the shared recoverable-
// signature helper the engine uses for backends that only return (r, s).
package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Signature is a 65-byte recoverable ECDSA signature (r || s || v).
type Signature [65]byte

// TypedData is the EIP-712 payload passed to SignTypedData.
type TypedData = apitypes.TypedData

// Manager is the interface every signing backend implements (spec
// §4.11): raw mnemonic, cloud KMS, HSM via PKCS#11, custody APIs.
type Manager interface {
	CreateWallet(ctx context.Context, index uint32, chainId uint64) (common.Address, error)
	GetAddress(ctx context.Context, index uint32, chainId uint64) (common.Address, error)
	SignTransaction(ctx context.Context, index uint32, tx *types.Transaction, chainId uint64) (*types.Transaction, error)
	SignText(ctx context.Context, index uint32, text []byte, chainId uint64) (Signature, error)
	SignTypedData(ctx context.Context, index uint32, data TypedData, chainId uint64) (Signature, error)
	SupportsBlobs() bool
}

// EthereumSignedMessagePrefix builds the "\x19Ethereum Signed Message:\n"
// + len(text) prefix required before hashing a text message for signing
// (spec §4.11).
func EthereumSignedMessagePrefix(text []byte) []byte {
	return []byte(fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(text)))
}

// HashText returns keccak256(prefix || text), the digest every backend's
// SignText must sign.
func HashText(text []byte) common.Hash {
	prefixed := append(EthereumSignedMessagePrefix(text), text...)
	return crypto.Keccak256Hash(prefixed)
}

// RecoverSignature turns a backend-returned (r, s) pair lacking a
// recovery id into a full 65-byte signature by trying every candidate v
// and keeping the one that recovers to expectedAddress (spec §4.11):
// "For backends that return only (r, s), the engine tries v ∈ {0,1}
// (and 2,3 for RFC-6979 deterministic HSMs)".
func RecoverSignature(digest common.Hash, r, s [32]byte, expected common.Address, candidates []byte) (Signature, error) {
	var out Signature
	copy(out[0:32], r[:])
	copy(out[32:64], s[:])
	for _, v := range candidates {
		out[64] = v
		recovered, err := recoverAddress(digest, out)
		if err != nil {
			continue
		}
		if recovered == expected {
			return out, nil
		}
	}
	return Signature{}, fmt.Errorf("wallet: no recovery id in %v matches expected address %s", candidates, expected.Hex())
}

func recoverAddress(digest common.Hash, sig Signature) (common.Address, error) {
	// crypto.Ecrecover expects v in {0,1}; for the EIP-155-style 2,3
	// convention used by some deterministic HSMs, normalize first.
	normalized := sig
	if normalized[64] >= 2 {
		normalized[64] -= 2
	}
	pub, err := crypto.SigToPub(digest[:], normalized[:])
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SignDigestWithPrivateKey signs a 32-byte digest with a local ECDSA key
// and returns a 65-byte recoverable signature. Used by the raw backend
// and by tests standing in for remote signers.
func SignDigestWithPrivateKey(digest common.Hash, priv *ecdsa.PrivateKey) (Signature, error) {
	sig, err := crypto.Sign(digest[:], priv)
	if err != nil {
		return Signature{}, err
	}
	var out Signature
	copy(out[:], sig)
	return out, nil
}

// NoopSigner satisfies bind.SignerFn where an abi-bound call path needs
// one but the engine's own Manager already performs signing out of
// band; it always returns an error. No package in this module calls it.
var NoopSigner bind.SignerFn = func(addr common.Address, tx *types.Transaction) (*types.Transaction, error) {
	return tx, fmt.Errorf("wallet: NoopSigner cannot sign, use Manager.SignTransaction")
}
