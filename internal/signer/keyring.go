package signer

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

var (
	ErrUnknownSigner     = errors.New("unknown signer")
	ErrAlgorithmMismatch = errors.New("signature algorithm mismatch")
	ErrSignatureMismatch = errors.New("signature mismatch")
)

// KeyInfo is the public metadata exposed for a signer.
type KeyInfo struct {
	SignerID  string    `json:"signerId"`
	Algorithm string    `json:"algorithm"`
	PublicKey string    `json:"publicKey,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type keyEntry struct {
	info     KeyInfo
	verifier Verifier
}

// Keyring maps signer ids to verifiers so entries signed by a retired key
// still verify after rotation. It is safe for concurrent access.
type Keyring struct {
	mtx  sync.RWMutex
	keys map[string]keyEntry
}

func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string]keyEntry)}
}

// Add registers a verifier under signerID, replacing any previous one.
func (k *Keyring) Add(signerID string, v Verifier) {
	k.mtx.Lock()
	defer k.mtx.Unlock()
	info := KeyInfo{
		SignerID:  signerID,
		Algorithm: v.Algorithm(),
		CreatedAt: time.Now().UTC(),
	}
	if pub := v.PublicKey(); pub != nil {
		info.PublicKey = base64.StdEncoding.EncodeToString(pub)
	}
	k.keys[signerID] = keyEntry{info: info, verifier: v}
}

// AddSigner registers the verifier for s under its own signer id.
func (k *Keyring) AddSigner(s Signer) error {
	_, id, err := s.Sign(nil)
	if err != nil {
		return fmt.Errorf("keyring: resolve signer id: %w", err)
	}
	k.Add(id, s.Verifier())
	return nil
}

// Verify checks sig over hash with the verifier registered for signerID.
func (k *Keyring) Verify(signerID, algorithm string, hash, sig []byte) error {
	k.mtx.RLock()
	e, ok := k.keys[signerID]
	k.mtx.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSigner, signerID)
	}
	if algorithm != "" && algorithm != e.verifier.Algorithm() {
		return fmt.Errorf("%w: entry %s, key %s", ErrAlgorithmMismatch, algorithm, e.verifier.Algorithm())
	}
	if !e.verifier.Verify(hash, sig) {
		return ErrSignatureMismatch
	}
	return nil
}

// List returns key metadata sorted by signer id.
func (k *Keyring) List() []KeyInfo {
	k.mtx.RLock()
	defer k.mtx.RUnlock()
	out := make([]KeyInfo, 0, len(k.keys))
	for _, e := range k.keys {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SignerID < out[j].SignerID })
	return out
}

// StatusHandler exposes the keyring as JSON: { "signers": [ KeyInfo, ... ] }.
func (k *Keyring) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"signers": k.List()})
	}
}
