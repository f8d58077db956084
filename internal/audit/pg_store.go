package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Schema creates the table used by PGStore.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	id               TEXT PRIMARY KEY,
	sequence         BIGINT NOT NULL UNIQUE,
	ts               TIMESTAMPTZ NOT NULL,
	event_type       TEXT NOT NULL,
	severity         TEXT NOT NULL,
	actor            TEXT NOT NULL,
	source           TEXT NOT NULL,
	target_type      TEXT NOT NULL,
	target_id        TEXT NOT NULL,
	action           TEXT NOT NULL,
	description      TEXT NOT NULL,
	before           JSONB,
	after            JSONB,
	hash             TEXT NOT NULL,
	previous_hash    TEXT NOT NULL,
	signature        TEXT NOT NULL,
	algorithm        TEXT NOT NULL,
	signer_id        TEXT NOT NULL,
	retention_policy TEXT NOT NULL,
	retention_days   INTEGER NOT NULL,
	legal_hold       BOOLEAN NOT NULL,
	expires_at       TIMESTAMPTZ NOT NULL
)`

const insertEntry = `
	INSERT INTO audit_entries (id, sequence, ts, event_type, severity, actor, source, target_type, target_id,
		action, description, before, after, hash, previous_hash, signature, algorithm, signer_id,
		retention_policy, retention_days, legal_hold, expires_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	ON CONFLICT (sequence) DO NOTHING
`

const selectEntries = `
	SELECT id, sequence, ts, event_type, severity, actor, source, target_type, target_id,
		action, description, before, after, hash, previous_hash, signature, algorithm, signer_id,
		retention_policy, retention_days, legal_hold, expires_at
	FROM audit_entries ORDER BY sequence ASC
`

// PGStore persists entries into Postgres.
type PGStore struct {
	db *sql.DB
}

// NewPGStore constructs a Postgres-backed store.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Ping verifies connectivity to Postgres.
func (p *PGStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// EnsureSchema creates the audit_entries table when missing.
func (p *PGStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("create audit_entries: %w", err)
	}
	return nil
}

// WriteBatch inserts entries in a single transaction.
func (p *PGStore) WriteBatch(ctx context.Context, entries []*Entry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	for _, e := range entries {
		_, err := tx.ExecContext(ctx, insertEntry,
			e.ID, int64(e.Sequence), e.Timestamp, e.EventType, string(e.Severity), e.Actor, e.Source,
			e.Target.Type, e.Target.ID, e.Action, e.Description, nullableJSON(e.Before), nullableJSON(e.After),
			e.Integrity.Hash, e.Integrity.PreviousHash, e.Integrity.Signature, e.Integrity.Algorithm,
			e.Integrity.SignerID, e.Retention.Policy, e.Retention.RetentionDays, e.Retention.LegalHold,
			e.Retention.ExpiresAt,
		)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert audit entry %d: %w", e.Sequence, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit batch: %w", err)
	}
	return nil
}

// ReadAll returns every persisted entry ordered by sequence.
func (p *PGStore) ReadAll(ctx context.Context) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, selectEntries)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var (
			e             Entry
			seq           int64
			sev           string
			before, after sql.NullString
			ts, expires   time.Time
		)
		if err := rows.Scan(&e.ID, &seq, &ts, &e.EventType, &sev, &e.Actor, &e.Source,
			&e.Target.Type, &e.Target.ID, &e.Action, &e.Description, &before, &after,
			&e.Integrity.Hash, &e.Integrity.PreviousHash, &e.Integrity.Signature, &e.Integrity.Algorithm,
			&e.Integrity.SignerID, &e.Retention.Policy, &e.Retention.RetentionDays, &e.Retention.LegalHold,
			&expires); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Sequence = uint64(seq)
		e.Severity = Severity(sev)
		e.Timestamp = ts.UTC()
		e.Retention.ExpiresAt = expires.UTC()
		if before.Valid {
			e.Before = json.RawMessage(before.String)
		}
		if after.Valid {
			e.After = json.RawMessage(after.String)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return out, nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
