// Package safeproxy implements the SafeProxyManager of spec §4.8: given
// a relayer-level (to, value, data) call, it produces the Safe
// `execTransaction` calldata the engine then sends as a normal
// transaction from the relayer wallet with value=0.
//
// ABI packing follows the manual abi.Pack idiom from 07-eth-call rather
// than a generated binding, since the engine only ever builds calldata
// here — it never calls through a bind.BoundContract.
package safeproxy

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/rrelayer/rrelayer/internal/wallet"
)

// safeABIJSON carries just the two entry points this package needs:
// the nonce() view used to fetch the live nonce, and execTransaction
// whose calldata this package builds.
const safeABIJSON = `[
	{"constant":true,"inputs":[],"name":"nonce","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[
		{"name":"to","type":"address"},
		{"name":"value","type":"uint256"},
		{"name":"data","type":"bytes"},
		{"name":"operation","type":"uint8"},
		{"name":"safeTxGas","type":"uint256"},
		{"name":"baseGas","type":"uint256"},
		{"name":"gasPrice","type":"uint256"},
		{"name":"gasToken","type":"address"},
		{"name":"refundReceiver","type":"address"},
		{"name":"signatures","type":"bytes"}
	],"name":"execTransaction","outputs":[{"name":"success","type":"bool"}],"type":"function"}
]`

// operationCall is the Safe call kind; this package only ever wraps plain
// Call operations (0), never DelegateCall (1).
const operationCall = 0

// NonceReader is the narrow on-chain surface this package needs: a
// read-only call against the Safe proxy. Matches provider.Provider's
// CallContract signature directly so a *provider.Client satisfies it
// without an adapter.
type NonceReader interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Binding maps a relayer address and chain to the Safe proxy it
// controls (spec §4.8: "(relayer_address, chain_id) → safe_address").
type Binding struct {
	SafeAddress common.Address
	WalletIndex uint32
}

// Manager resolves relayer/chain pairs to Safe bindings and wraps
// calls into execTransaction calldata.
type Manager struct {
	reader  NonceReader
	signer  wallet.Manager
	abi     abi.ABI

	mu       sync.RWMutex
	bindings map[bindingKey]Binding
}

type bindingKey struct {
	relayer common.Address
	chainId uint64
}

func NewManager(reader NonceReader, signer wallet.Manager) (*Manager, error) {
	parsed, err := abi.JSON(strings.NewReader(safeABIJSON))
	if err != nil {
		return nil, fmt.Errorf("safeproxy: parse abi: %w", err)
	}
	return &Manager{
		reader:   reader,
		signer:   signer,
		abi:      parsed,
		bindings: make(map[bindingKey]Binding),
	}, nil
}

// Bind registers the Safe proxy a relayer controls on a given chain.
func (m *Manager) Bind(relayer common.Address, chainId uint64, b Binding) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings[bindingKey{relayer, chainId}] = b
}

// Lookup returns the binding for a relayer/chain pair, if one exists.
func (m *Manager) Lookup(relayer common.Address, chainId uint64) (Binding, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bindings[bindingKey{relayer, chainId}]
	return b, ok
}

// liveNonce fetches the Safe's current nonce directly from the proxy
// contract (decision: always live, never a cached or placeholder
// value — spec open-question decision on Safe nonce source).
func (m *Manager) liveNonce(ctx context.Context, safe common.Address) (*big.Int, error) {
	data, err := m.abi.Pack("nonce")
	if err != nil {
		return nil, fmt.Errorf("safeproxy: pack nonce call: %w", err)
	}
	out, err := m.reader.CallContract(ctx, ethereum.CallMsg{To: &safe, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("safeproxy: call nonce: %w", err)
	}
	result, err := m.abi.Unpack("nonce", out)
	if err != nil {
		return nil, fmt.Errorf("safeproxy: unpack nonce: %w", err)
	}
	n, ok := result[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("safeproxy: unexpected nonce type %T", result[0])
	}
	return n, nil
}

// Wrap builds Safe execTransaction calldata for a user-level
// (to, value, data) call, signing the Safe transaction hash with the
// relayer's own wallet. Returns the proxy address and the calldata the
// engine should send with value=0 from the relayer.
func (m *Manager) Wrap(ctx context.Context, relayer common.Address, chainId uint64, to common.Address, value *big.Int, data []byte) (common.Address, []byte, error) {
	binding, ok := m.Lookup(relayer, chainId)
	if !ok {
		return common.Address{}, nil, fmt.Errorf("safeproxy: no safe binding for relayer %s on chain %d", relayer.Hex(), chainId)
	}
	if value == nil {
		value = big.NewInt(0)
	}

	nonce, err := m.liveNonce(ctx, binding.SafeAddress)
	if err != nil {
		return common.Address{}, nil, err
	}

	typedData := safeTxTypedData(binding.SafeAddress, chainId, to, value, data, nonce)
	sig, err := m.signer.SignTypedData(ctx, binding.WalletIndex, typedData, chainId)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("safeproxy: sign safe tx: %w", err)
	}

	signatures := encodeApprovedECDSASignature(sig)

	calldata, err := m.abi.Pack("execTransaction",
		to, value, data, uint8(operationCall),
		big.NewInt(0), big.NewInt(0), big.NewInt(0),
		common.Address{}, common.Address{}, signatures,
	)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("safeproxy: pack execTransaction: %w", err)
	}
	return binding.SafeAddress, calldata, nil
}

// encodeApprovedECDSASignature encodes a 65-byte recoverable signature
// in Safe's format for an approved ECDSA signer: r ‖ s ‖ (v+4), the
// offset Safe uses to distinguish a plain ECDSA signature from its
// other signature kinds (contract signature, approved hash).
func encodeApprovedECDSASignature(sig wallet.Signature) []byte {
	out := make([]byte, 65)
	copy(out[0:32], sig[0:32])
	copy(out[32:64], sig[32:64])
	out[64] = sig[64] + 4
	return out
}

// safeTxTypedData builds the EIP-712 payload for Safe's SafeTx struct.
// Safe's domain separator carries only chainId and verifyingContract —
// no name/version fields, unlike most EIP-712 domains.
func safeTxTypedData(safe common.Address, chainId uint64, to common.Address, value *big.Int, data []byte, nonce *big.Int) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"SafeTx": {
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "data", Type: "bytes"},
				{Name: "operation", Type: "uint8"},
				{Name: "safeTxGas", Type: "uint256"},
				{Name: "baseGas", Type: "uint256"},
				{Name: "gasPrice", Type: "uint256"},
				{Name: "gasToken", Type: "address"},
				{Name: "refundReceiver", Type: "address"},
				{Name: "nonce", Type: "uint256"},
			},
		},
		PrimaryType: "SafeTx",
		Domain: apitypes.TypedDataDomain{
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).SetUint64(chainId)),
			VerifyingContract: safe.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"to":             to.Hex(),
			"value":          value.String(),
			"data":           data,
			"operation":      "0",
			"safeTxGas":      "0",
			"baseGas":        "0",
			"gasPrice":       "0",
			"gasToken":       common.Address{}.Hex(),
			"refundReceiver": common.Address{}.Hex(),
			"nonce":          nonce.String(),
		},
	}
}
