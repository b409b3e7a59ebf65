// Package privy implements the Manager interface over Privy's custody
// API: a plain authenticated REST POST per sign request, returning a
// full 65-byte recoverable signature already (spec §6).
package privy

import (
	"bytes"
	"context"
	"encoding/base64"
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

// Backend calls Privy's wallet API, resolving a relayer wallet index to
// a Privy wallet id via a caller-supplied resolver.
type Backend struct {
	BaseURL     string
	AppID       string
	AppSecret   string
	WalletIDFor func(index uint32) string

	client *http.Client

	mu        sync.Mutex
	addresses map[uint32]common.Address
}

func NewBackend(baseURL, appID, appSecret string, walletIDFor func(uint32) string) *Backend {
	return &Backend{
		BaseURL:     baseURL,
		AppID:       appID,
		AppSecret:   appSecret,
		WalletIDFor: walletIDFor,
		client:      &http.Client{Timeout: 15 * time.Second},
		addresses:   make(map[uint32]common.Address),
	}
}

func (b *Backend) authHeader() string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(b.AppID+":"+b.AppSecret))
}

type privyWalletResponse struct {
	Address string `json:"address"`
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

	url := fmt.Sprintf("%s/v1/wallets/%s", b.BaseURL, b.WalletIDFor(index))
	resp, err := b.doJSON(ctx, http.MethodGet, url, nil)
	if err != nil {
		return common.Address{}, err
	}
	var parsed privyWalletResponse
	if err := json.Unmarshal(resp, &parsed); err != nil {
		return common.Address{}, fmt.Errorf("privy: decode wallet: %w", err)
	}
	addr := common.HexToAddress(parsed.Address)
	b.mu.Lock()
	b.addresses[index] = addr
	b.mu.Unlock()
	return addr, nil
}

type privySignResponse struct {
	Signature string `json:"signature"` // 0x-prefixed 65-byte hex
}

func (b *Backend) signDigest(ctx context.Context, index uint32, digest common.Hash, method string) (wallet.Signature, error) {
	url := fmt.Sprintf("%s/v1/wallets/%s/rpc", b.BaseURL, b.WalletIDFor(index))
	body, _ := json.Marshal(map[string]any{
		"method": method,
		"params": map[string]string{"hash": digest.Hex()},
	})
	resp, err := b.doJSON(ctx, http.MethodPost, url, body)
	if err != nil {
		return wallet.Signature{}, err
	}
	var parsed privySignResponse
	if err := json.Unmarshal(resp, &parsed); err != nil {
		return wallet.Signature{}, fmt.Errorf("privy: decode signature: %w", err)
	}
	raw := common.FromHex(parsed.Signature)
	if len(raw) != 65 {
		return wallet.Signature{}, fmt.Errorf("privy: unexpected signature length %d", len(raw))
	}
	var out wallet.Signature
	copy(out[:], raw)
	return out, nil
}

func (b *Backend) doJSON(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", b.authHeader())
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("privy: request: %w", err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("privy: http %d: %s", resp.StatusCode, out)
	}
	return out, nil
}

func (b *Backend) SignTransaction(ctx context.Context, index uint32, tx *types.Transaction, chainId uint64) (*types.Transaction, error) {
	signer := types.LatestSignerForChainID(new(big.Int).SetUint64(chainId))
	digest := signer.Hash(tx)
	sig, err := b.signDigest(ctx, index, digest, "eth_signTransaction")
	if err != nil {
		return nil, err
	}
	return tx.WithSignature(signer, sig[:])
}

func (b *Backend) SignText(ctx context.Context, index uint32, text []byte, chainId uint64) (wallet.Signature, error) {
	return b.signDigest(ctx, index, wallet.HashText(text), "personal_sign")
}

func (b *Backend) SignTypedData(ctx context.Context, index uint32, data apitypes.TypedData, chainId uint64) (wallet.Signature, error) {
	hash, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return wallet.Signature{}, fmt.Errorf("privy: hash typed data: %w", err)
	}
	return b.signDigest(ctx, index, common.BytesToHash(hash), "eth_signTypedData_v4")
}

func (b *Backend) SupportsBlobs() bool { return false }

var _ wallet.Manager = (*Backend)(nil)
