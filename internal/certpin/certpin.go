// Package certpin implements a pinned-certificate verifier: a
// DER-equality leaf check plus a fixed, ordered signature-algorithm set
// for the handshake signature callback.
//
// Go's crypto/tls does not expose a pluggable per-algorithm verify hook
// the way picotls's FFI surface does; the leaf check is wired through
// tls.Config.VerifyPeerCertificate (the same approach internal/crypto's
// fingerprint pinning already uses), while the signature dispatch table
// is exposed as a standalone, independently testable function so it can
// be property-tested without driving a live handshake.
package certpin

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"hash"
)

// SignatureScheme mirrors the TLS 1.3 SignatureScheme codepoints relevant
// to the pinned algorithm set (crypto/tls.SignatureScheme carries the same
// values; duplicated here so the dispatch table is self-contained and
// covers ed448, which Go's tls package does not define).
type SignatureScheme uint16

const (
	Ed25519               SignatureScheme = 0x0807
	Ed448                 SignatureScheme = 0x0808
	ECDSAWithP256AndSHA256 SignatureScheme = 0x0403
	ECDSAWithP384AndSHA384 SignatureScheme = 0x0503
	ECDSAWithP521AndSHA512 SignatureScheme = 0x0603
	PSSWithSHA256         SignatureScheme = 0x0804
	PSSWithSHA384         SignatureScheme = 0x0805
	PSSWithSHA512         SignatureScheme = 0x0806
	PKCS1WithSHA256       SignatureScheme = 0x0401
	PKCS1WithSHA384       SignatureScheme = 0x0501
	PKCS1WithSHA512       SignatureScheme = 0x0601

	terminator SignatureScheme = 0xFFFF
)

// SupportedSchemes is the fixed, ordered algorithm set announced by the
// pinned-certificate verifier, terminated by the sentinel 0xFFFF.
var SupportedSchemes = []SignatureScheme{
	Ed25519, Ed448,
	ECDSAWithP256AndSHA256, ECDSAWithP384AndSHA384, ECDSAWithP521AndSHA512,
	PSSWithSHA256, PSSWithSHA384, PSSWithSHA512,
	PKCS1WithSHA256, PKCS1WithSHA384, PKCS1WithSHA512,
	terminator,
}

var (
	ErrLeafMismatch      = errors.New("certpin: peer leaf certificate does not match pinned certificate")
	ErrNoCertificates    = errors.New("certpin: peer presented no certificates")
	ErrUnsupportedAlgo   = errors.New("certpin: unsupported signature algorithm")
	ErrKeyAlgoMismatch   = errors.New("certpin: public key type does not match signature algorithm family")
	ErrEd448Unavailable  = errors.New("certpin: ed448 verification is not available in this build")
)

// Verifier holds the pinned leaf DER and exposes the two verification
// phases: leaf equality and signature-algorithm dispatch.
type Verifier struct {
	pinnedDER []byte
	pubKey    crypto.PublicKey
}

// LoadPinned loads exactly one PEM certificate from path, rejecting
// multi-certificate files, and returns a Verifier pinned to its DER form.
func LoadPinned(path string) (*Verifier, error) {
	certs, err := loadSingleCertPEM(path)
	if err != nil {
		return nil, err
	}
	return &Verifier{pinnedDER: certs.Raw, pubKey: certs.PublicKey}, nil
}

func loadSingleCertPEM(path string) (*x509.Certificate, error) {
	der, err := pemCertToDER(path)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("certpin: parse certificate: %w", err)
	}
	return cert, nil
}

// VerifyPeerCertificate implements phase 1 (leaf check) as a
// tls.Config.VerifyPeerCertificate callback: the first certificate in the
// peer chain must byte-equal the pinned DER.
func (v *Verifier) VerifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return ErrNoCertificates
	}
	if !bytesEqual(rawCerts[0], v.pinnedDER) {
		return ErrLeafMismatch
	}
	return nil
}

// VerifySignature implements phase 2: dispatch by algorithm id, verifying
// sig over msg under the pinned public key. A sentinel call with both msg
// and sig empty always succeeds, matching the TLS stack's algorithm-probe
// convention.
func (v *Verifier) VerifySignature(algo SignatureScheme, msg, sig []byte) error {
	return VerifySignature(v.pubKey, algo, msg, sig)
}

// VerifySignature is the standalone dispatch table, independent of any
// pinned Verifier, so it can be property-tested directly.
func VerifySignature(pub crypto.PublicKey, algo SignatureScheme, msg, sig []byte) error {
	if len(msg) == 0 && len(sig) == 0 {
		return nil
	}

	switch algo {
	case Ed25519:
		key, ok := pub.(ed25519.PublicKey)
		if !ok {
			return ErrKeyAlgoMismatch
		}
		if !ed25519.Verify(key, msg, sig) {
			return errors.New("certpin: ed25519 signature verification failed")
		}
		return nil

	case Ed448:
		return ErrEd448Unavailable

	case ECDSAWithP256AndSHA256:
		return verifyECDSA(pub, msg, sig, sha256.New())
	case ECDSAWithP384AndSHA384:
		return verifyECDSA(pub, msg, sig, sha512.New384())
	case ECDSAWithP521AndSHA512:
		return verifyECDSA(pub, msg, sig, sha512.New())

	case PSSWithSHA256:
		return verifyRSAPSS(pub, msg, sig, crypto.SHA256)
	case PSSWithSHA384:
		return verifyRSAPSS(pub, msg, sig, crypto.SHA384)
	case PSSWithSHA512:
		return verifyRSAPSS(pub, msg, sig, crypto.SHA512)

	case PKCS1WithSHA256:
		return verifyRSAPKCS1(pub, msg, sig, crypto.SHA256)
	case PKCS1WithSHA384:
		return verifyRSAPKCS1(pub, msg, sig, crypto.SHA384)
	case PKCS1WithSHA512:
		return verifyRSAPKCS1(pub, msg, sig, crypto.SHA512)

	default:
		return ErrUnsupportedAlgo
	}
}

func verifyECDSA(pub crypto.PublicKey, msg, sig []byte, h hash.Hash) error {
	key, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return ErrKeyAlgoMismatch
	}
	h.Write(msg)
	digest := h.Sum(nil)
	if !ecdsa.VerifyASN1(key, digest, sig) {
		return errors.New("certpin: ecdsa signature verification failed")
	}
	return nil
}

func verifyRSAPSS(pub crypto.PublicKey, msg, sig []byte, h crypto.Hash) error {
	key, ok := pub.(*rsa.PublicKey)
	if !ok {
		return ErrKeyAlgoMismatch
	}
	hasher := h.New()
	hasher.Write(msg)
	digest := hasher.Sum(nil)
	opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: h}
	if err := rsa.VerifyPSS(key, h, digest, sig, opts); err != nil {
		return fmt.Errorf("certpin: rsa-pss signature verification failed: %w", err)
	}
	return nil
}

func verifyRSAPKCS1(pub crypto.PublicKey, msg, sig []byte, h crypto.Hash) error {
	key, ok := pub.(*rsa.PublicKey)
	if !ok {
		return ErrKeyAlgoMismatch
	}
	hasher := h.New()
	hasher.Write(msg)
	digest := hasher.Sum(nil)
	if err := rsa.VerifyPKCS1v15(key, h, digest, sig); err != nil {
		return fmt.Errorf("certpin: rsa-pkcs1 signature verification failed: %w", err)
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ClientTLSConfig builds a tls.Config pinned to this Verifier's leaf, for
// use on the dialing side (InsecureSkipVerify plus VerifyPeerCertificate,
// the same pattern internal/crypto's fingerprint pinning already uses).
func (v *Verifier) ClientTLSConfig(nextProtos []string) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: v.VerifyPeerCertificate,
		NextProtos:            nextProtos,
	}
}
