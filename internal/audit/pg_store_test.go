package audit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEntry(seq uint64) *Entry {
	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	return &Entry{
		ID:        NewUUID(),
		Sequence:  seq,
		Timestamp: ts,
		EventType: "drift.detected",
		Severity:  SeverityHigh,
		Actor:     "monitor",
		Source:    "drift",
		Target:    Target{Type: "environment", ID: "prod"},
		Action:    "detect",
		After:     json.RawMessage(`{"score":42}`),
		Integrity: Integrity{Hash: "abcd", Signature: "c2ln", Algorithm: "HMAC-SHA256", SignerID: "s1"},
		Retention: RetentionFor("environment", SeverityHigh, ts),
	}
}

func TestPGStoreWriteBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPGStore(db)
	e1, e2 := sampleEntry(1), sampleEntry(2)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO audit_entries").
		WithArgs(e1.ID, int64(1), e1.Timestamp, "drift.detected", "high", "monitor", "drift", "environment", "prod",
			"detect", "", nil, `{"score":42}`, "abcd", "", "c2ln", "HMAC-SHA256", "s1",
			PolicySecurity, 3*365, false, e1.Retention.ExpiresAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_entries").
		WithArgs(e2.ID, int64(2), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.WriteBatch(context.Background(), []*Entry{e1, e2}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreWriteBatchRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO audit_entries").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err = NewPGStore(db).WriteBatch(context.Background(), []*Entry{sampleEntry(1)})
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreReadAll(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	e := sampleEntry(7)
	cols := []string{"id", "sequence", "ts", "event_type", "severity", "actor", "source", "target_type", "target_id",
		"action", "description", "before", "after", "hash", "previous_hash", "signature", "algorithm", "signer_id",
		"retention_policy", "retention_days", "legal_hold", "expires_at"}
	rows := sqlmock.NewRows(cols).AddRow(
		e.ID, int64(7), e.Timestamp, e.EventType, "high", e.Actor, e.Source, "environment", "prod",
		e.Action, "", nil, `{"score": 42}`, "abcd", "prev", "c2ln", "HMAC-SHA256", "s1",
		PolicySecurity, 3*365, false, e.Retention.ExpiresAt,
	)
	mock.ExpectQuery("SELECT (.+) FROM audit_entries ORDER BY sequence ASC").WillReturnRows(rows)

	got, err := NewPGStore(db).ReadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(7), got[0].Sequence)
	assert.Equal(t, SeverityHigh, got[0].Severity)
	assert.Equal(t, "prev", got[0].Integrity.PreviousHash)
	assert.Nil(t, got[0].Before)
	assert.JSONEq(t, `{"score":42}`, string(got[0].After))
	assert.NoError(t, mock.ExpectationsWereMet())
}
