package certpin

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"testing"
)

func TestSentinelEmptyCallAlwaysSucceeds(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if err := VerifySignature(pub, PKCS1WithSHA256, nil, nil); err != nil {
		t.Fatalf("sentinel call should always succeed, got %v", err)
	}
}

func TestEd25519VerifySucceedsAndFailsCorrectly(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("hello slipstream")
	sig := ed25519.Sign(priv, msg)

	if err := VerifySignature(pub, Ed25519, msg, sig); err != nil {
		t.Fatalf("expected valid signature to verify, got %v", err)
	}

	tampered := append([]byte(nil), sig...)
	tampered[0] ^= 0xFF
	if err := VerifySignature(pub, Ed25519, msg, tampered); err == nil {
		t.Fatal("expected tampered signature to fail verification")
	}
}

func TestEd25519RejectsWrongKeyType(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	if err := VerifySignature(&rsaKey.PublicKey, Ed25519, []byte("x"), []byte("y")); err != ErrKeyAlgoMismatch {
		t.Fatalf("expected ErrKeyAlgoMismatch, got %v", err)
	}
}

func TestECDSAVerifyByCurve(t *testing.T) {
	cases := []struct {
		curve elliptic.Curve
		algo  SignatureScheme
	}{
		{elliptic.P256(), ECDSAWithP256AndSHA256},
		{elliptic.P384(), ECDSAWithP384AndSHA384},
		{elliptic.P521(), ECDSAWithP521AndSHA512},
	}
	for _, c := range cases {
		priv, err := ecdsa.GenerateKey(c.curve, rand.Reader)
		if err != nil {
			t.Fatal(err)
		}
		msg := []byte("dns tunnel handshake")

		var sig []byte
		switch c.algo {
		case ECDSAWithP256AndSHA256:
			sig = signECDSAForTest(t, priv, msg, newSHA256())
		case ECDSAWithP384AndSHA384:
			sig = signECDSAForTest(t, priv, msg, newSHA384())
		case ECDSAWithP521AndSHA512:
			sig = signECDSAForTest(t, priv, msg, newSHA512())
		}

		if err := VerifySignature(&priv.PublicKey, c.algo, msg, sig); err != nil {
			t.Fatalf("curve %v: expected valid signature to verify, got %v", c.curve.Params().Name, err)
		}

		tampered := append([]byte(nil), sig...)
		tampered[len(tampered)-1] ^= 0xFF
		if err := VerifySignature(&priv.PublicKey, c.algo, msg, tampered); err == nil {
			t.Fatalf("curve %v: expected tampered ecdsa signature to fail", c.curve.Params().Name)
		}
	}
}

func TestRSAPSSAndPKCS1VerifyRoundTrip(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("rsa signed handshake message")

	pssSig := signRSAPSSForTest(t, priv, msg)
	if err := VerifySignature(&priv.PublicKey, PSSWithSHA256, msg, pssSig); err != nil {
		t.Fatalf("expected valid rsa-pss signature to verify, got %v", err)
	}

	pkcs1Sig := signRSAPKCS1ForTest(t, priv, msg)
	if err := VerifySignature(&priv.PublicKey, PKCS1WithSHA256, msg, pkcs1Sig); err != nil {
		t.Fatalf("expected valid rsa-pkcs1 signature to verify, got %v", err)
	}

	tampered := append([]byte(nil), pkcs1Sig...)
	tampered[0] ^= 0xFF
	if err := VerifySignature(&priv.PublicKey, PKCS1WithSHA256, msg, tampered); err == nil {
		t.Fatal("expected tampered rsa-pkcs1 signature to fail")
	}
}

func TestEd448ReportsUnavailable(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(rand.Reader)
	if err := VerifySignature(pub, Ed448, []byte("x"), []byte("y")); err != ErrEd448Unavailable {
		t.Fatalf("expected ErrEd448Unavailable, got %v", err)
	}
}

func TestUnsupportedAlgoRejected(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(rand.Reader)
	if err := VerifySignature(pub, SignatureScheme(0x1234), []byte("x"), []byte("y")); err != ErrUnsupportedAlgo {
		t.Fatalf("expected ErrUnsupportedAlgo, got %v", err)
	}
}

func TestSupportedSchemesTerminatedBySentinel(t *testing.T) {
	if got := SupportedSchemes[len(SupportedSchemes)-1]; got != terminator {
		t.Fatalf("expected list to terminate with 0xFFFF, got %#x", got)
	}
	if len(SupportedSchemes) != 12 {
		t.Fatalf("expected 11 algorithms + sentinel, got %d entries", len(SupportedSchemes))
	}
}
