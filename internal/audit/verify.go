package audit

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ILLUVRSE/driftguard/internal/metrics"
	"github.com/ILLUVRSE/driftguard/internal/signer"
)

// Issue kinds reported by verification.
const (
	IssueHashMismatch     = "hash_mismatch"
	IssueSignatureInvalid = "signature_invalid"
	IssueChainBreak       = "chain_break"
	IssueFollowsBreak     = "follows_break"
)

// Issue is a single integrity violation.
type Issue struct {
	EntryID  string `json:"entryId"`
	Sequence uint64 `json:"sequence"`
	Kind     string `json:"kind"`
	Detail   string `json:"detail"`
}

// Report is the outcome of a chain verification.
type Report struct {
	Valid         bool      `json:"valid"`
	Issues        []Issue   `json:"issues"`
	VerifiedCount int       `json:"verifiedCount"`
	TotalEntries  int       `json:"totalEntries"`
	CheckedAt     time.Time `json:"checkedAt"`
}

// InvalidEntries returns the ids of every entry with at least one issue, in
// chain order.
func (r Report) InvalidEntries() []string {
	var ids []string
	seen := make(map[string]bool)
	for _, is := range r.Issues {
		if !seen[is.EntryID] {
			seen[is.EntryID] = true
			ids = append(ids, is.EntryID)
		}
	}
	return ids
}

// VerifyChain walks entries in order. anchor is the hash the first entry must
// link to ("" when entries start at the genesis of the chain). Once a break is
// found every later entry is reported invalid.
func VerifyChain(entries []*Entry, anchor string, keys *signer.Keyring) Report {
	rep := Report{Issues: []Issue{}, TotalEntries: len(entries), CheckedAt: time.Now().UTC()}
	prev := anchor
	broken := false
	for _, e := range entries {
		if broken {
			rep.Issues = append(rep.Issues, Issue{
				EntryID: e.ID, Sequence: e.Sequence, Kind: IssueFollowsBreak,
				Detail: "entry follows a broken link",
			})
			prev = e.Integrity.Hash
			continue
		}
		issues := verifyEntry(e, prev, keys)
		if len(issues) > 0 {
			rep.Issues = append(rep.Issues, issues...)
			broken = true
		} else {
			rep.VerifiedCount++
		}
		prev = e.Integrity.Hash
	}
	rep.Valid = len(rep.Issues) == 0
	return rep
}

func verifyEntry(e *Entry, prev string, keys *signer.Keyring) []Issue {
	var out []Issue
	add := func(kind, detail string) {
		out = append(out, Issue{EntryID: e.ID, Sequence: e.Sequence, Kind: kind, Detail: detail})
	}

	if e.Integrity.PreviousHash != prev {
		add(IssueChainBreak, fmt.Sprintf("previous hash %q does not match %q", e.Integrity.PreviousHash, prev))
	}

	hash, err := ComputeHash(e)
	if err != nil {
		add(IssueHashMismatch, err.Error())
		return out
	}
	if hex.EncodeToString(hash) != e.Integrity.Hash {
		add(IssueHashMismatch, "recomputed hash differs from recorded hash")
	}

	sig, err := base64.StdEncoding.DecodeString(e.Integrity.Signature)
	if err != nil {
		add(IssueSignatureInvalid, fmt.Sprintf("decode signature: %v", err))
		return out
	}
	recorded, err := hex.DecodeString(e.Integrity.Hash)
	if err != nil {
		add(IssueHashMismatch, fmt.Sprintf("decode recorded hash: %v", err))
		return out
	}
	if err := keys.Verify(e.Integrity.SignerID, e.Integrity.Algorithm, recorded, sig); err != nil {
		add(IssueSignatureInvalid, err.Error())
	}
	return out
}

// VerifyIntegrity verifies the in-memory chain, starting from the anchor of
// the oldest retained entry.
func (l *Ledger) VerifyIntegrity() Report {
	l.mtx.RLock()
	entries := make([]*Entry, len(l.entries))
	copy(entries, l.entries)
	anchor := l.anchor
	l.mtx.RUnlock()

	rep := VerifyChain(entries, anchor, l.keys)
	if !rep.Valid {
		metrics.IntegrityViolations.Add(float64(len(rep.InvalidEntries())))
	}
	return rep
}

// VerifyStored verifies the full persisted chain.
func (l *Ledger) VerifyStored(ctx context.Context) (Report, error) {
	entries, err := l.store.ReadAll(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("read persisted chain: %w", err)
	}
	return VerifyChain(entries, "", l.keys), nil
}
