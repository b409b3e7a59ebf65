package pkcs11

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/rrelayer/rrelayer/internal/wallet"
)

type fakeSession struct {
	key   *ecdsa.PrivateKey
	finds int
}

func (f *fakeSession) FindKey(label string) (uint64, error) {
	f.finds++
	return 42, nil
}

func (f *fakeSession) ECPoint(handle uint64) ([]byte, error) {
	point := elliptic.Marshal(f.key.Curve, f.key.PublicKey.X, f.key.PublicKey.Y)
	return point, nil
}

func (f *fakeSession) Sign(handle uint64, digest [32]byte) (r, s [32]byte, err error) {
	sig, err := crypto.Sign(digest[:], f.key)
	if err != nil {
		return r, s, err
	}
	copy(r[:], sig[0:32])
	copy(s[:], sig[32:64])
	return r, s, nil
}

func TestPKCS11GetAddressMatchesLocalKey(t *testing.T) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	expected := crypto.PubkeyToAddress(key.PublicKey)

	b := NewBackend(&fakeSession{key: key}, func(uint32) string { return "relayer-0" })
	addr, err := b.GetAddress(context.Background(), 0, 1)
	if err != nil {
		t.Fatalf("GetAddress: %v", err)
	}
	if addr != expected {
		t.Fatalf("got %s, want %s", addr.Hex(), expected.Hex())
	}
}

func TestPKCS11HandleIsCachedAcrossCalls(t *testing.T) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	session := &fakeSession{key: key}
	b := NewBackend(session, func(uint32) string { return "relayer-0" })

	if _, err := b.handleFor(0); err != nil {
		t.Fatalf("handleFor: %v", err)
	}
	h, err := b.handleFor(0)
	if err != nil {
		t.Fatalf("handleFor: %v", err)
	}
	if h != 42 {
		t.Fatalf("expected cached handle 42, got %d", h)
	}
	if session.finds != 1 {
		t.Fatalf("expected one FindKey lookup, got %d", session.finds)
	}
}

func TestPKCS11SignTextRecovers(t *testing.T) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	expected := crypto.PubkeyToAddress(key.PublicKey)
	b := NewBackend(&fakeSession{key: key}, func(uint32) string { return "relayer-0" })

	sig, err := b.SignText(context.Background(), 0, []byte("ping"), 1)
	if err != nil {
		t.Fatalf("SignText: %v", err)
	}
	if sig[64] > 3 {
		t.Fatalf("unexpected recovery id %d", sig[64])
	}
	digest := wallet.HashText([]byte("ping"))
	pub, err := crypto.SigToPub(digest[:], sig[:])
	if err != nil {
		t.Fatalf("recover signer: %v", err)
	}
	if got := crypto.PubkeyToAddress(*pub); got != expected {
		t.Fatalf("recovered %s, want %s", got.Hex(), expected.Hex())
	}
}
