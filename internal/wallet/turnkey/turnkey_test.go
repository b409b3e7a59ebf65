package turnkey

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type noopStamper struct{}

func (noopStamper) Stamp(body []byte) (string, error) {
	return "fake-stamp", nil
}

func TestTurnkeyGetAddressParsesResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Stamp") != "fake-stamp" {
			t.Fatalf("missing stamp header")
		}
		resp := turnkeyAddressResponse{}
		resp.Activity.Result.GetPrivateKeyResult.Addresses = []struct {
			Format  string `json:"format"`
			Address string `json:"address"`
		}{{Format: "ADDRESS_FORMAT_ETHEREUM", Address: "0x3333333333333333333333333333333333333333"}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	b := NewBackend(server.URL, "org-1", noopStamper{}, func(uint32) string { return "key-1" })
	addr, err := b.GetAddress(context.Background(), 0, 1)
	if err != nil {
		t.Fatalf("GetAddress: %v", err)
	}
	if addr.Hex() != "0x3333333333333333333333333333333333333333" {
		t.Fatalf("unexpected address %s", addr.Hex())
	}
}

func TestTurnkeySignUsesStampedRequest(t *testing.T) {
	var sawStamp bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Stamp") == "fake-stamp" {
			sawStamp = true
		}
		resp := turnkeySignResponse{}
		resp.Activity.Result.SignRawPayloadResult.R = "0x" + strings.Repeat("11", 32)
		resp.Activity.Result.SignRawPayloadResult.S = "0x" + strings.Repeat("22", 32)
		resp.Activity.Result.SignRawPayloadResult.V = "0x01"
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	b := NewBackend(server.URL, "org-1", noopStamper{}, func(uint32) string { return "key-1" })
	sig, err := b.SignText(context.Background(), 0, []byte("hi"), 1)
	if err != nil {
		t.Fatalf("SignText: %v", err)
	}
	if !sawStamp {
		t.Fatalf("expected request to carry X-Stamp header")
	}
	if sig[64] != 1 {
		t.Fatalf("expected v=1, got %d", sig[64])
	}
}
