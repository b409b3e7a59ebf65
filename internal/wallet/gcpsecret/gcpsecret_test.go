package gcpsecret

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

type fakeFetcher struct {
	secrets map[string][]byte
}

func (f *fakeFetcher) AccessSecretVersion(ctx context.Context, secretName string) ([]byte, error) {
	return f.secrets[secretName], nil
}

func TestGCPSecretGetAddressMatchesKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	fetcher := &fakeFetcher{secrets: map[string][]byte{
		"projects/p/secrets/relayer-0": crypto.FromECDSA(key),
	}}
	b := NewBackend(fetcher, func(index uint32) string { return "projects/p/secrets/relayer-0" })

	addr, err := b.GetAddress(context.Background(), 0, 1)
	if err != nil {
		t.Fatalf("GetAddress: %v", err)
	}
	if addr != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("address mismatch")
	}
}

func TestGCPSecretCachesFetchedKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	calls := 0
	fetcher := &countingFetcher{inner: &fakeFetcher{secrets: map[string][]byte{
		"s": crypto.FromECDSA(key),
	}}, calls: &calls}
	b := NewBackend(fetcher, func(uint32) string { return "s" })

	if _, err := b.GetAddress(context.Background(), 0, 1); err != nil {
		t.Fatalf("GetAddress: %v", err)
	}
	if _, err := b.GetAddress(context.Background(), 0, 1); err != nil {
		t.Fatalf("GetAddress: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected secret fetched once, fetched %d times", calls)
	}
}

type countingFetcher struct {
	inner SecretFetcher
	calls *int
}

func (c *countingFetcher) AccessSecretVersion(ctx context.Context, secretName string) ([]byte, error) {
	*c.calls++
	return c.inner.AccessSecretVersion(ctx, secretName)
}
