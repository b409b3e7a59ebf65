// Package turnkey implements the Manager interface over Turnkey's REST
// API. Every request is "stamped" with a P-256 signature over the
// request body (Turnkey's own API-auth scheme, distinct from the
// secp256k1 signature Turnkey ultimately produces over the transaction
// digest) — spec §6: "Turnkey (P-256 signed REST calls, see that
// adapter's request shapes)".
package turnkey

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/rrelayer/rrelayer/internal/wallet"
)

// Stamper produces Turnkey's X-Stamp header: a base64url JSON envelope
// containing a P-256 signature over the request body, made with the
// organization's API key.
type Stamper interface {
	Stamp(body []byte) (string, error)
}

// Backend calls Turnkey's activity API to sign digests with a
// private-key-id resolved per wallet index.
type Backend struct {
	BaseURL       string
	OrgID         string
	Stamper       Stamper
	PrivateKeyFor func(index uint32) string

	client *http.Client

	mu        sync.Mutex
	addresses map[uint32]common.Address
}

func NewBackend(baseURL, orgID string, stamper Stamper, privateKeyFor func(uint32) string) *Backend {
	return &Backend{
		BaseURL:       baseURL,
		OrgID:         orgID,
		Stamper:       stamper,
		PrivateKeyFor: privateKeyFor,
		client:        &http.Client{Timeout: 15 * time.Second},
		addresses:     make(map[uint32]common.Address),
	}
}

type turnkeyAddressResponse struct {
	Activity struct {
		Result struct {
			GetPrivateKeyResult struct {
				Addresses []struct {
					Format string `json:"format"`
					Address string `json:"address"`
				} `json:"addresses"`
			} `json:"getPrivateKeyResult"`
		} `json:"result"`
	} `json:"activity"`
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

	body, _ := json.Marshal(map[string]any{
		"organizationId": b.OrgID,
		"type":           "ACTIVITY_TYPE_GET_PRIVATE_KEY",
		"parameters":     map[string]string{"privateKeyId": b.PrivateKeyFor(index)},
	})
	resp, err := b.call(ctx, "/public/v1/query/get_private_key", body)
	if err != nil {
		return common.Address{}, err
	}
	var parsed turnkeyAddressResponse
	if err := json.Unmarshal(resp, &parsed); err != nil {
		return common.Address{}, fmt.Errorf("turnkey: decode address: %w", err)
	}
	for _, a := range parsed.Activity.Result.GetPrivateKeyResult.Addresses {
		if a.Format == "ADDRESS_FORMAT_ETHEREUM" {
			addr := common.HexToAddress(a.Address)
			b.mu.Lock()
			b.addresses[index] = addr
			b.mu.Unlock()
			return addr, nil
		}
	}
	return common.Address{}, fmt.Errorf("turnkey: no ethereum address for index %d", index)
}

type turnkeySignResponse struct {
	Activity struct {
		Result struct {
			SignRawPayloadResult struct {
				R string `json:"r"`
				S string `json:"s"`
				V string `json:"v"`
			} `json:"signRawPayloadResult"`
		} `json:"result"`
	} `json:"activity"`
}

func (b *Backend) signDigest(ctx context.Context, index uint32, digest common.Hash) (wallet.Signature, error) {
	body, _ := json.Marshal(map[string]any{
		"organizationId": b.OrgID,
		"type":           "ACTIVITY_TYPE_SIGN_RAW_PAYLOAD_V2",
		"parameters": map[string]any{
			"privateKeyId":    b.PrivateKeyFor(index),
			"payload":         digest.Hex(),
			"encoding":        "PAYLOAD_ENCODING_HEXADECIMAL",
			"hashFunction":    "HASH_FUNCTION_NO_OP",
			"signWith":        "SECP256K1",
		},
	})
	resp, err := b.call(ctx, "/public/v1/submit/sign_raw_payload", body)
	if err != nil {
		return wallet.Signature{}, err
	}
	var parsed turnkeySignResponse
	if err := json.Unmarshal(resp, &parsed); err != nil {
		return wallet.Signature{}, fmt.Errorf("turnkey: decode signature: %w", err)
	}
	r := common.FromHex(parsed.Activity.Result.SignRawPayloadResult.R)
	s := common.FromHex(parsed.Activity.Result.SignRawPayloadResult.S)
	v := common.FromHex(parsed.Activity.Result.SignRawPayloadResult.V)
	if len(r) != 32 || len(s) != 32 || len(v) != 1 {
		return wallet.Signature{}, fmt.Errorf("turnkey: malformed signature components")
	}
	var out wallet.Signature
	copy(out[0:32], r)
	copy(out[32:64], s)
	out[64] = v[0]
	return out, nil
}

func (b *Backend) call(ctx context.Context, path string, body []byte) ([]byte, error) {
	stamp, err := b.Stamper.Stamp(body)
	if err != nil {
		return nil, fmt.Errorf("turnkey: stamp: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Stamp", stamp)
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("turnkey: request: %w", err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("turnkey: http %d: %s", resp.StatusCode, out)
	}
	return out, nil
}

func (b *Backend) SignTransaction(ctx context.Context, index uint32, tx *types.Transaction, chainId uint64) (*types.Transaction, error) {
	signer := types.LatestSignerForChainID(new(big.Int).SetUint64(chainId))
	digest := signer.Hash(tx)
	sig, err := b.signDigest(ctx, index, digest)
	if err != nil {
		return nil, err
	}
	return tx.WithSignature(signer, sig[:])
}

func (b *Backend) SignText(ctx context.Context, index uint32, text []byte, chainId uint64) (wallet.Signature, error) {
	return b.signDigest(ctx, index, wallet.HashText(text))
}

func (b *Backend) SignTypedData(ctx context.Context, index uint32, data apitypes.TypedData, chainId uint64) (wallet.Signature, error) {
	hash, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return wallet.Signature{}, fmt.Errorf("turnkey: hash typed data: %w", err)
	}
	return b.signDigest(ctx, index, common.BytesToHash(hash))
}

func (b *Backend) SupportsBlobs() bool { return false }

var _ wallet.Manager = (*Backend)(nil)
