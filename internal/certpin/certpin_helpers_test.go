package certpin

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"testing"
)

func newSHA256() hash.Hash { return sha256.New() }
func newSHA384() hash.Hash { return sha512.New384() }
func newSHA512() hash.Hash { return sha512.New() }

func signECDSAForTest(t *testing.T, priv *ecdsa.PrivateKey, msg []byte, h hash.Hash) []byte {
	t.Helper()
	h.Write(msg)
	digest := h.Sum(nil)
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest)
	if err != nil {
		t.Fatal(err)
	}
	return sig
}

func signRSAPSSForTest(t *testing.T, priv *rsa.PrivateKey, msg []byte) []byte {
	t.Helper()
	h := sha256.New()
	h.Write(msg)
	digest := h.Sum(nil)
	sig, err := rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256})
	if err != nil {
		t.Fatal(err)
	}
	return sig
}

func signRSAPKCS1ForTest(t *testing.T, priv *rsa.PrivateKey, msg []byte) []byte {
	t.Helper()
	h := sha256.New()
	h.Write(msg)
	digest := h.Sum(nil)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest)
	if err != nil {
		t.Fatal(err)
	}
	return sig
}
