package audit

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ILLUVRSE/driftguard/internal/canonical"
	"github.com/ILLUVRSE/driftguard/internal/signer"
)

// chainFields is the canonical view of an entry that is covered by its hash.
func chainFields(e *Entry) map[string]interface{} {
	m := map[string]interface{}{
		"id":          e.ID,
		"sequence":    int64(e.Sequence),
		"timestamp":   e.Timestamp.UTC().Format(time.RFC3339Nano),
		"eventType":   e.EventType,
		"severity":    string(e.Severity),
		"actor":       e.Actor,
		"source":      e.Source,
		"target":      map[string]string{"type": e.Target.Type, "id": e.Target.ID},
		"action":      e.Action,
		"description": e.Description,
		"retention": map[string]interface{}{
			"policy":        e.Retention.Policy,
			"retentionDays": e.Retention.RetentionDays,
			"legalHold":     e.Retention.LegalHold,
		},
		"previousHash": e.Integrity.PreviousHash,
	}
	if len(e.Before) > 0 {
		m["before"] = e.Before
	}
	if len(e.After) > 0 {
		m["after"] = e.After
	}
	return m
}

// ComputeHash returns sha256(canonical(fields) || previousHashBytes).
func ComputeHash(e *Entry) ([]byte, error) {
	canon, err := canonical.Marshal(chainFields(e))
	if err != nil {
		return nil, fmt.Errorf("canonicalize entry: %w", err)
	}
	concat := canon
	if prev := e.Integrity.PreviousHash; prev != "" {
		prevBytes, err := hex.DecodeString(prev)
		if err != nil {
			return nil, fmt.Errorf("decode previous hash: %w", err)
		}
		concat = append(concat, prevBytes...)
	}
	sum := sha256.Sum256(concat)
	return sum[:], nil
}

// seal computes hash and signature for e, whose PreviousHash must already be set.
func seal(e *Entry, s signer.Signer) error {
	hash, err := ComputeHash(e)
	if err != nil {
		return err
	}
	sig, signerID, err := s.Sign(hash)
	if err != nil {
		return fmt.Errorf("sign hash: %w", err)
	}
	e.Integrity.Hash = hex.EncodeToString(hash)
	e.Integrity.Signature = base64.StdEncoding.EncodeToString(sig)
	e.Integrity.Algorithm = s.Algorithm()
	e.Integrity.SignerID = signerID
	return nil
}
