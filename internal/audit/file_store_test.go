package audit

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func storeEntry(seq uint64, ts time.Time) *Entry {
	return &Entry{
		ID:        "e-" + string(rune('a'+seq)),
		Sequence:  seq,
		Timestamp: ts,
		EventType: "drift.detected",
		Integrity: Integrity{Hash: "h" + string(rune('a'+seq))},
	}
}

func TestFileStorePartitionsByDay(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	day1 := time.Date(2024, 3, 1, 23, 59, 0, 0, time.UTC)
	day2 := day1.Add(2 * time.Minute)
	require.NoError(t, fs.WriteBatch(ctx, []*Entry{storeEntry(1, day1), storeEntry(2, day1), storeEntry(3, day2)}))

	names, err := fs.Partitions()
	require.NoError(t, err)
	assert.Equal(t, []string{"audit-2024-03-01.jsonl", "audit-2024-03-02.jsonl"}, names)

	got, err := fs.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, e := range got {
		assert.Equal(t, uint64(i+1), e.Sequence)
	}
}

func TestFileStoreSkipsAlreadyWrittenEntries(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)

	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, fs.WriteBatch(ctx, []*Entry{storeEntry(1, ts), storeEntry(2, ts)}))

	// A fresh store picks up the head from disk.
	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, reopened.WriteBatch(ctx, []*Entry{storeEntry(2, ts), storeEntry(3, ts)}))

	got, err := reopened.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(3), got[2].Sequence)

	raw, err := os.ReadFile(filepath.Join(dir, "audit-2024-03-01.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, 3, countLines(raw))
}

func TestFileStoreToleratesInterruptedAppend(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)

	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, fs.WriteBatch(ctx, []*Entry{storeEntry(1, ts), storeEntry(2, ts)}))

	path := filepath.Join(dir, "audit-2024-03-01.jsonl")
	fh, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = fh.WriteString(`{"id":"e-d","sequence":3,"times`)
	require.NoError(t, err)
	require.NoError(t, fh.Close())

	got, err := fs.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)

	require.NoError(t, fs.WriteBatch(ctx, []*Entry{storeEntry(3, ts)}))
	got, err = fs.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "e-d", got[2].ID)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, countLines(raw))
}

func TestFileStoreRejectsCorruptInteriorLine(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)

	path := filepath.Join(dir, "audit-2024-03-01.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{not json}\n{\"sequence\":2}\n"), 0o640))

	_, err = fs.ReadAll(context.Background())
	assert.ErrorContains(t, err, "audit-2024-03-01.jsonl:1")
}

func TestLedgerResumesFromFileStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	var (
		mu  sync.Mutex
		now = time.Date(2024, 3, 1, 23, 58, 0, 0, time.UTC)
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Minute)
		return now
	}

	fs, err := NewFileStore(dir)
	require.NoError(t, err)
	l, err := Open(ctx, testSigner(t), fs, Config{FlushInterval: time.Hour}, zaptest.NewLogger(t), WithClock(clock))
	require.NoError(t, err)
	first := appendN(t, l, 3)
	require.NoError(t, l.Close(ctx))

	fs2, err := NewFileStore(dir)
	require.NoError(t, err)
	names, err := fs2.Partitions()
	require.NoError(t, err)
	assert.Len(t, names, 2)

	l2, err := Open(ctx, testSigner(t), fs2, Config{FlushInterval: time.Hour}, zaptest.NewLogger(t), WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l2.Close(ctx) })

	seq, tail := l2.Tail()
	assert.Equal(t, first[2].Sequence, seq)
	assert.Equal(t, first[2].Integrity.Hash, tail)

	next := appendN(t, l2, 1)[0]
	assert.Equal(t, first[2].Integrity.Hash, next.Integrity.PreviousHash)
	require.NoError(t, l2.Flush(ctx))

	rep, err := l2.VerifyStored(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Valid)
	assert.Equal(t, 4, rep.VerifiedCount)
}

func countLines(b []byte) int {
	n := 0
	for _, c := range b {
		if c == '\n' {
			n++
		}
	}
	return n
}
