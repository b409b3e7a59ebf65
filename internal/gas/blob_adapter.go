package gas

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
)

// HTTPBlobAdapter queries a provider-defined endpoint for the current
// blob base fee and normalizes it to BlobEstimate (spec §4.7). Works
// against any of the five provider shapes in §6 given the right decode
// function; the one decoder shipped below, DecodeBlobBaseFeeJSONRPC,
// reads a standard eth_blobBaseFee JSON-RPC response.
type HTTPBlobAdapter struct {
	BaseURL string
	Decode  func(body []byte) (*big.Int, error)
	client  *http.Client
}

func NewHTTPBlobAdapter(baseURL string, decode func([]byte) (*big.Int, error)) *HTTPBlobAdapter {
	return &HTTPBlobAdapter{BaseURL: baseURL, Decode: decode, client: httpClient()}
}

func (a *HTTPBlobAdapter) FetchBlob(ctx context.Context, chainId uint64) (BlobEstimate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.BaseURL, nil)
	if err != nil {
		return BlobEstimate{}, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return BlobEstimate{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return BlobEstimate{}, err
	}
	price, err := a.Decode(body)
	if err != nil {
		return BlobEstimate{}, fmt.Errorf("blob adapter: decode: %w", err)
	}
	return BlobEstimate{
		BlobGasPrice: price,
		TotalFee:     new(big.Int).Mul(price, big.NewInt(BytesPerBlob)),
	}, nil
}

// DecodeBlobBaseFeeJSONRPC decodes a standard {"result":"0x..."} eth_blobBaseFee
// JSON-RPC response into wei.
func DecodeBlobBaseFeeJSONRPC(body []byte) (*big.Int, error) {
	var parsed struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	v, ok := new(big.Int).SetString(trimHexPrefix(parsed.Result), 16)
	if !ok {
		return nil, fmt.Errorf("invalid hex blob base fee %q", parsed.Result)
	}
	return v, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
