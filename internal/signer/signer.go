package signer

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
)

const (
	AlgorithmHMACSHA256 = "HMAC-SHA256"
	AlgorithmEd25519    = "Ed25519"

	// MinSecretLength is the minimum HMAC secret size accepted by NewHMACSigner.
	MinSecretLength = 32
)

// Signer signs ledger hashes.
type Signer interface {
	// Sign signs the provided hash bytes and returns (signature, signerID, error).
	Sign(hash []byte) (sig []byte, signerID string, err error)

	// Algorithm names the signature scheme recorded alongside each signature.
	Algorithm() string

	// Verifier returns the verifier matching this signer's key.
	Verifier() Verifier
}

// Verifier checks a signature produced by a Signer.
type Verifier interface {
	Verify(hash, sig []byte) bool
	Algorithm() string

	// PublicKey returns the public key bytes, or nil for symmetric schemes.
	PublicKey() []byte
}

// HMACSigner signs with a shared secret.
type HMACSigner struct {
	secret   []byte
	signerID string
}

// NewHMACSigner returns an HMACSigner. The secret must be at least
// MinSecretLength bytes.
func NewHMACSigner(signerID string, secret []byte) (*HMACSigner, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("hmac signer: secret must be at least %d bytes", MinSecretLength)
	}
	if signerID == "" {
		return nil, errors.New("hmac signer: signer id required")
	}
	s := make([]byte, len(secret))
	copy(s, secret)
	return &HMACSigner{secret: s, signerID: signerID}, nil
}

func (h *HMACSigner) Sign(hash []byte) ([]byte, string, error) {
	return h.mac(hash), h.signerID, nil
}

func (h *HMACSigner) Algorithm() string  { return AlgorithmHMACSHA256 }
func (h *HMACSigner) Verifier() Verifier { return h }
func (h *HMACSigner) PublicKey() []byte  { return nil }

func (h *HMACSigner) Verify(hash, sig []byte) bool {
	return hmac.Equal(h.mac(hash), sig)
}

func (h *HMACSigner) mac(hash []byte) []byte {
	m := hmac.New(sha256.New, h.secret)
	m.Write(hash)
	return m.Sum(nil)
}

// Ed25519Signer is an in-process Ed25519 signer.
type Ed25519Signer struct {
	priv     ed25519.PrivateKey
	pub      ed25519.PublicKey
	signerID string
}

// NewEd25519Signer derives a keypair from seed, or generates a fresh one when
// seed is empty. A generated key does not survive restarts, so persisted
// entries only verify while the process that signed them is alive.
func NewEd25519Signer(signerID string, seed []byte) (*Ed25519Signer, error) {
	var priv ed25519.PrivateKey
	switch len(seed) {
	case 0:
		_, p, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("ed25519 signer: generate key: %w", err)
		}
		priv = p
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(seed)
	default:
		return nil, fmt.Errorf("ed25519 signer: seed must be %d bytes", ed25519.SeedSize)
	}
	return &Ed25519Signer{
		priv:     priv,
		pub:      priv.Public().(ed25519.PublicKey),
		signerID: signerID,
	}, nil
}

func (e *Ed25519Signer) Sign(hash []byte) ([]byte, string, error) {
	if e.priv == nil {
		return nil, "", errors.New("ed25519 signer: private key not initialized")
	}
	return ed25519.Sign(e.priv, hash), e.signerID, nil
}

func (e *Ed25519Signer) Algorithm() string  { return AlgorithmEd25519 }
func (e *Ed25519Signer) Verifier() Verifier { return ed25519Verifier{pub: e.pub} }

type ed25519Verifier struct {
	pub ed25519.PublicKey
}

func (v ed25519Verifier) Verify(hash, sig []byte) bool { return ed25519.Verify(v.pub, hash, sig) }
func (v ed25519Verifier) Algorithm() string            { return AlgorithmEd25519 }
func (v ed25519Verifier) PublicKey() []byte            { return v.pub }

// NewEd25519Verifier builds a verifier from raw public key bytes.
func NewEd25519Verifier(pub []byte) (Verifier, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("ed25519 verifier: public key must be %d bytes", ed25519.PublicKeySize)
	}
	return ed25519Verifier{pub: ed25519.PublicKey(pub)}, nil
}
