package gas

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"
)

const httpTimeout = 10 * time.Second // spec §5: gas-oracle HTTP calls must time out

func httpClient() *http.Client {
	return &http.Client{Timeout: httpTimeout}
}

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000))
}

// BlockNativeAdapter queries the BlockNative gas-prediction REST API,
// authenticated with an API key header. It natively returns all four
// tiers.
type BlockNativeAdapter struct {
	BaseURL string
	APIKey  string
	client  *http.Client
}

func NewBlockNativeAdapter(baseURL, apiKey string) *BlockNativeAdapter {
	return &BlockNativeAdapter{BaseURL: baseURL, APIKey: apiKey, client: httpClient()}
}

func (a *BlockNativeAdapter) Name() string { return "blocknative" }

type blockNativeResponse struct {
	BlockPrices []struct {
		EstimatedPrices []struct {
			Confidence         int     `json:"confidence"`
			MaxPriorityFeePerGas float64 `json:"maxPriorityFeePerGas"`
			MaxFeePerGas       float64 `json:"maxFeePerGas"`
		} `json:"estimatedPrices"`
	} `json:"blockPrices"`
}

func (a *BlockNativeAdapter) Fetch(ctx context.Context, chainId uint64) (Estimate, error) {
	url := fmt.Sprintf("%s/gasprices/blockprices?chainid=%d", a.BaseURL, chainId)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Estimate{}, err
	}
	req.Header.Set("Authorization", a.APIKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return Estimate{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Estimate{}, err
	}
	var parsed blockNativeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Estimate{}, fmt.Errorf("blocknative: decode: %w", err)
	}
	if len(parsed.BlockPrices) == 0 || len(parsed.BlockPrices[0].EstimatedPrices) < 4 {
		return Estimate{}, fmt.Errorf("blocknative: unexpected response shape")
	}
	prices := parsed.BlockPrices[0].EstimatedPrices
	tierFromConfidence := func(conf int) Tier {
		for _, p := range prices {
			if p.Confidence == conf {
				return Tier{
					MaxFee:         weiFromGwei(p.MaxFeePerGas),
					MaxPriorityFee: weiFromGwei(p.MaxPriorityFeePerGas),
				}
			}
		}
		return Tier{MaxFee: weiFromGwei(prices[0].MaxFeePerGas), MaxPriorityFee: weiFromGwei(prices[0].MaxPriorityFeePerGas)}
	}
	return Estimate{
		Slow:      withWait(tierFromConfidence(70), 5*time.Minute, 10*time.Minute),
		Medium:    withWait(tierFromConfidence(90), 2*time.Minute, 5*time.Minute),
		Fast:      withWait(tierFromConfidence(95), 30*time.Second, 2*time.Minute),
		SuperFast: withWait(tierFromConfidence(99), 10*time.Second, 30*time.Second),
	}, nil
}

func weiFromGwei(g float64) *big.Int {
	f := new(big.Float).Mul(big.NewFloat(g), big.NewFloat(1_000_000_000))
	i, _ := f.Int(nil)
	return i
}

func withWait(t Tier, min, max time.Duration) Tier {
	t.MinWait, t.MaxWait = min, max
	return t
}

// EtherscanAdapter queries the Etherscan gas-oracle REST endpoint, keyed
// via a query-string API key. It has no native super tier, so
// deriveSuperFast fills it in.
type EtherscanAdapter struct {
	BaseURL string
	APIKey  string
	client  *http.Client
}

func NewEtherscanAdapter(baseURL, apiKey string) *EtherscanAdapter {
	return &EtherscanAdapter{BaseURL: baseURL, APIKey: apiKey, client: httpClient()}
}

func (a *EtherscanAdapter) Name() string { return "etherscan" }

type etherscanResponse struct {
	Result struct {
		SafeGasPrice    string `json:"SafeGasPrice"`
		ProposeGasPrice string `json:"ProposeGasPrice"`
		FastGasPrice    string `json:"FastGasPrice"`
	} `json:"result"`
}

func (a *EtherscanAdapter) Fetch(ctx context.Context, chainId uint64) (Estimate, error) {
	url := fmt.Sprintf("%s?module=gastracker&action=gasoracle&apikey=%s", a.BaseURL, a.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Estimate{}, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return Estimate{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Estimate{}, err
	}
	var parsed etherscanResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Estimate{}, fmt.Errorf("etherscan: decode: %w", err)
	}
	slowPrice := gweiFromDecimalString(parsed.Result.SafeGasPrice)
	medPrice := gweiFromDecimalString(parsed.Result.ProposeGasPrice)
	fastPrice := gweiFromDecimalString(parsed.Result.FastGasPrice)
	priorityTip := gwei(1)
	return Estimate{
		Slow:   withWait(Tier{MaxFee: slowPrice, MaxPriorityFee: priorityTip}, 5*time.Minute, 10*time.Minute),
		Medium: withWait(Tier{MaxFee: medPrice, MaxPriorityFee: priorityTip}, 1*time.Minute, 3*time.Minute),
		Fast:   withWait(Tier{MaxFee: fastPrice, MaxPriorityFee: priorityTip}, 15*time.Second, 1*time.Minute),
	}, nil
}

func gweiFromDecimalString(s string) *big.Int {
	f, _, err := big.ParseFloat(s, 10, 64, big.ToNearestEven)
	if err != nil {
		return gwei(1)
	}
	i, _ := new(big.Float).Mul(f, big.NewFloat(1_000_000_000)).Int(nil)
	return i
}

// InfuraAdapter queries Infura's gas-estimation JSON-RPC method,
// authenticated via the RPC URL itself. Its response carries three
// tiers (low, medium, high); the super tier reuses the high tier's fees
// with shorter waits.
type InfuraAdapter struct {
	BaseURL string
	APIKey  string
	client  *http.Client
}

func NewInfuraAdapter(baseURL, apiKey string) *InfuraAdapter {
	return &InfuraAdapter{BaseURL: baseURL, APIKey: apiKey, client: httpClient()}
}

func (a *InfuraAdapter) Name() string { return "infura" }

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type infuraGasResult struct {
	Low    struct{ SuggestedMaxFeePerGas, SuggestedMaxPriorityFeePerGas string } `json:"low"`
	Medium struct{ SuggestedMaxFeePerGas, SuggestedMaxPriorityFeePerGas string } `json:"medium"`
	High   struct{ SuggestedMaxFeePerGas, SuggestedMaxPriorityFeePerGas string } `json:"high"`
}

type infuraResponse struct {
	Result infuraGasResult `json:"result"`
}

func (a *InfuraAdapter) Fetch(ctx context.Context, chainId uint64) (Estimate, error) {
	url := fmt.Sprintf("%s/%s", a.BaseURL, a.APIKey)
	reqBody, _ := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", ID: 1, Method: "eth_gasPercentile", Params: []any{}})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, newReader(reqBody))
	if err != nil {
		return Estimate{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return Estimate{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Estimate{}, err
	}
	var parsed infuraResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Estimate{}, fmt.Errorf("infura: decode: %w", err)
	}
	tier := func(fee, tip string) Tier {
		return Tier{MaxFee: gweiFromDecimalString(fee), MaxPriorityFee: gweiFromDecimalString(tip)}
	}
	return Estimate{
		Slow:      withWait(tier(parsed.Result.Low.SuggestedMaxFeePerGas, parsed.Result.Low.SuggestedMaxPriorityFeePerGas), 3*time.Minute, 8*time.Minute),
		Medium:    withWait(tier(parsed.Result.Medium.SuggestedMaxFeePerGas, parsed.Result.Medium.SuggestedMaxPriorityFeePerGas), 1*time.Minute, 3*time.Minute),
		Fast:      withWait(tier(parsed.Result.High.SuggestedMaxFeePerGas, parsed.Result.High.SuggestedMaxPriorityFeePerGas), 15*time.Second, 1*time.Minute),
		SuperFast: withWait(tier(parsed.Result.High.SuggestedMaxFeePerGas, parsed.Result.High.SuggestedMaxPriorityFeePerGas), 5*time.Second, 20*time.Second),
	}, nil
}

// TenderlyAdapter queries Tenderly's tenderly_gasPrice JSON-RPC method,
// with the API key path-appended to the URL. It has no native super
// tier; this is the adapter the super_fast = fast*1.2/*0.8 formula in
// spec §4.7 was originally documented against.
type TenderlyAdapter struct {
	BaseURL string
	APIKey  string
	client  *http.Client
}

func NewTenderlyAdapter(baseURL, apiKey string) *TenderlyAdapter {
	return &TenderlyAdapter{BaseURL: baseURL, APIKey: apiKey, client: httpClient()}
}

func (a *TenderlyAdapter) Name() string { return "tenderly" }

type tenderlyResult struct {
	Slow   string `json:"slow"`
	Medium string `json:"medium"`
	Fast   string `json:"fast"`
}

type tenderlyResponse struct {
	Result tenderlyResult `json:"result"`
}

func (a *TenderlyAdapter) Fetch(ctx context.Context, chainId uint64) (Estimate, error) {
	url := fmt.Sprintf("%s/%s", a.BaseURL, a.APIKey)
	reqBody, _ := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", ID: 1, Method: "tenderly_gasPrice", Params: []any{}})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, newReader(reqBody))
	if err != nil {
		return Estimate{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return Estimate{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Estimate{}, err
	}
	var parsed tenderlyResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Estimate{}, fmt.Errorf("tenderly: decode: %w", err)
	}
	priorityTip := gwei(1)
	fast := withWait(Tier{MaxFee: gweiFromDecimalString(parsed.Result.Fast), MaxPriorityFee: priorityTip}, 15*time.Second, 1*time.Minute)
	return Estimate{
		Slow:      withWait(Tier{MaxFee: gweiFromDecimalString(parsed.Result.Slow), MaxPriorityFee: priorityTip}, 3*time.Minute, 8*time.Minute),
		Medium:    withWait(Tier{MaxFee: gweiFromDecimalString(parsed.Result.Medium), MaxPriorityFee: priorityTip}, 1*time.Minute, 3*time.Minute),
		Fast:      fast,
		SuperFast: deriveSuperFast(fast),
	}, nil
}

// CustomAdapter calls an operator-defined endpoint returning a
// provider-defined shape, decoded through a caller-supplied function
// (spec §6: "Custom endpoint returning a provider-defined shape").
type CustomAdapter struct {
	BaseURL string
	Decode  func(body []byte) (Estimate, error)
	client  *http.Client
}

func NewCustomAdapter(baseURL string, decode func([]byte) (Estimate, error)) *CustomAdapter {
	return &CustomAdapter{BaseURL: baseURL, Decode: decode, client: httpClient()}
}

func (a *CustomAdapter) Name() string { return "custom" }

func (a *CustomAdapter) Fetch(ctx context.Context, chainId uint64) (Estimate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.BaseURL, nil)
	if err != nil {
		return Estimate{}, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return Estimate{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Estimate{}, err
	}
	est, err := a.Decode(body)
	if err != nil {
		return Estimate{}, fmt.Errorf("custom: decode: %w", err)
	}
	if est.SuperFast.MaxFee == nil {
		est.SuperFast = deriveSuperFast(est.Fast)
	}
	return est, nil
}
