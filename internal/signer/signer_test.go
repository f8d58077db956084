package signer_test

import (
	"crypto/sha256"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/driftguard/internal/signer"
)

var testSecret = []byte(strings.Repeat("s", signer.MinSecretLength))

func TestHMACSignerRejectsShortSecret(t *testing.T) {
	_, err := signer.NewHMACSigner("ledger", []byte("short"))
	require.Error(t, err)
}

func TestHMACSignAndVerify(t *testing.T) {
	s, err := signer.NewHMACSigner("ledger-1", testSecret)
	require.NoError(t, err)

	hash := sha256.Sum256([]byte("entry"))
	sig, id, err := s.Sign(hash[:])
	require.NoError(t, err)
	assert.Equal(t, "ledger-1", id)
	assert.Equal(t, signer.AlgorithmHMACSHA256, s.Algorithm())
	assert.True(t, s.Verifier().Verify(hash[:], sig))

	other := sha256.Sum256([]byte("tampered"))
	assert.False(t, s.Verifier().Verify(other[:], sig))
}

func TestEd25519SeedIsDeterministic(t *testing.T) {
	seed := make([]byte, 32)
	a, err := signer.NewEd25519Signer("ed", seed)
	require.NoError(t, err)
	b, err := signer.NewEd25519Signer("ed", seed)
	require.NoError(t, err)
	assert.Equal(t, a.Verifier().PublicKey(), b.Verifier().PublicKey())

	hash := sha256.Sum256([]byte("x"))
	sig, _, err := a.Sign(hash[:])
	require.NoError(t, err)
	assert.True(t, b.Verifier().Verify(hash[:], sig))

	_, err = signer.NewEd25519Signer("ed", []byte("bad"))
	assert.Error(t, err)
}

func TestKeyringVerifiesRotatedKeys(t *testing.T) {
	oldKey, err := signer.NewHMACSigner("k1", testSecret)
	require.NoError(t, err)
	newKey, err := signer.NewEd25519Signer("k2", nil)
	require.NoError(t, err)

	ring := signer.NewKeyring()
	require.NoError(t, ring.AddSigner(oldKey))
	require.NoError(t, ring.AddSigner(newKey))

	hash := sha256.Sum256([]byte("payload"))
	sig1, _, _ := oldKey.Sign(hash[:])
	sig2, _, _ := newKey.Sign(hash[:])

	assert.NoError(t, ring.Verify("k1", signer.AlgorithmHMACSHA256, hash[:], sig1))
	assert.NoError(t, ring.Verify("k2", signer.AlgorithmEd25519, hash[:], sig2))
	assert.ErrorIs(t, ring.Verify("k1", signer.AlgorithmHMACSHA256, hash[:], sig2), signer.ErrSignatureMismatch)
	assert.ErrorIs(t, ring.Verify("k1", signer.AlgorithmEd25519, hash[:], sig1), signer.ErrAlgorithmMismatch)
	assert.ErrorIs(t, ring.Verify("missing", "", hash[:], sig1), signer.ErrUnknownSigner)
}

func TestKeyringStatusHandler(t *testing.T) {
	s, err := signer.NewEd25519Signer("ed-1", nil)
	require.NoError(t, err)
	ring := signer.NewKeyring()
	require.NoError(t, ring.AddSigner(s))

	rec := httptest.NewRecorder()
	ring.StatusHandler()(rec, httptest.NewRequest(http.MethodGet, "/keys", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"signerId":"ed-1"`)
	assert.Contains(t, rec.Body.String(), `"algorithm":"Ed25519"`)
}
