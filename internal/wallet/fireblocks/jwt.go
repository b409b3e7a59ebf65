package fireblocks

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
)

func b64url(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

func marshalB64(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return b64url(raw), nil
}

func rsaSignPKCS1v15(key *rsa.PrivateKey, digest []byte) ([]byte, error) {
	return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest)
}
