package fireblocks

import (
	"crypto/rand"
	"crypto/rsa"
	"strings"
	"testing"
)

func TestRSAJWTSignerProducesThreePartToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer := &RSAJWTSigner{Key: key}

	token, err := signer.SignJWT("api-key", "/v1/transactions", "deadbeef", 1000, 1030)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("expected 3-part JWT, got %d parts", len(parts))
	}
}
