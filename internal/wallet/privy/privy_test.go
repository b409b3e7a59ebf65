package privy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"context"
)

func TestPrivyGetAddressParsesResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/wallets/wallet-1") {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if user, pass, ok := r.BasicAuth(); !ok || user != "app" || pass != "secret" {
			t.Fatalf("missing or wrong basic auth")
		}
		json.NewEncoder(w).Encode(map[string]string{"address": "0x1111111111111111111111111111111111111111"})
	}))
	defer server.Close()

	b := NewBackend(server.URL, "app", "secret", func(uint32) string { return "wallet-1" })
	addr, err := b.GetAddress(context.Background(), 0, 1)
	if err != nil {
		t.Fatalf("GetAddress: %v", err)
	}
	if addr.Hex() != "0x1111111111111111111111111111111111111111" {
		t.Fatalf("unexpected address %s", addr.Hex())
	}
}

func TestPrivySignTextPostsExpectedMethod(t *testing.T) {
	var capturedMethod string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/rpc") {
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			capturedMethod, _ = body["method"].(string)
			json.NewEncoder(w).Encode(map[string]string{
				"signature": "0x" + strings.Repeat("11", 65),
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"address": "0x2222222222222222222222222222222222222222"})
	}))
	defer server.Close()

	b := NewBackend(server.URL, "app", "secret", func(uint32) string { return "wallet-1" })
	_, err := b.SignText(context.Background(), 0, []byte("hi"), 1)
	if err != nil {
		t.Fatalf("SignText: %v", err)
	}
	if capturedMethod != "personal_sign" {
		t.Fatalf("expected personal_sign, got %s", capturedMethod)
	}
}
