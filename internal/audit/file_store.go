package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	partitionPrefix = "audit-"
	partitionSuffix = ".jsonl"
	headFile        = "head.json"
)

type head struct {
	Sequence uint64 `json:"sequence"`
	Hash     string `json:"hash"`
}

// FileStore appends entries to daily partitions named audit-YYYY-MM-DD.jsonl,
// one JSON document per line, and tracks the persisted tail in head.json.
type FileStore struct {
	dir string

	mu     sync.Mutex
	head   head
	loaded bool
}

// NewFileStore returns a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) Ping(context.Context) error {
	_, err := os.Stat(f.dir)
	return err
}

// PartitionName returns the file name holding entries of the given day.
func PartitionName(e *Entry) string {
	return partitionPrefix + e.Timestamp.UTC().Format("2006-01-02") + partitionSuffix
}

// WriteBatch appends entries to their daily partitions. Entries at or below
// the persisted head sequence are skipped, which makes retries of a partially
// written batch safe.
func (f *FileStore) WriteBatch(ctx context.Context, entries []*Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.loadHead(); err != nil {
		return err
	}

	var (
		partition string
		buf       bytes.Buffer
		last      *Entry
	)
	flushPartition := func() error {
		if buf.Len() == 0 {
			return nil
		}
		path := filepath.Join(f.dir, partition)
		if err := repairTail(path); err != nil {
			return err
		}
		if err := appendFile(path, buf.Bytes()); err != nil {
			return err
		}
		buf.Reset()
		return f.writeHead(head{Sequence: last.Sequence, Hash: last.Integrity.Hash})
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.Sequence <= f.head.Sequence {
			continue
		}
		if p := PartitionName(e); p != partition {
			if err := flushPartition(); err != nil {
				return err
			}
			partition = p
		}
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal entry %s: %w", e.ID, err)
		}
		buf.Write(b)
		buf.WriteByte('\n')
		last = e
	}
	return flushPartition()
}

// ReadAll reads every partition in date order.
func (f *FileStore) ReadAll(ctx context.Context) ([]*Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	names, err := f.partitions()
	if err != nil {
		return nil, err
	}
	var (
		out     []*Entry
		lastSeq uint64
	)
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries, err := readPartition(filepath.Join(f.dir, name))
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.Sequence <= lastSeq {
				continue
			}
			out = append(out, e)
			lastSeq = e.Sequence
		}
	}
	return out, nil
}

// Partitions lists the partition file names in date order.
func (f *FileStore) Partitions() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.partitions()
}

func (f *FileStore) partitions() ([]string, error) {
	des, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("list audit dir: %w", err)
	}
	var names []string
	for _, de := range des {
		n := de.Name()
		if !de.IsDir() && strings.HasPrefix(n, partitionPrefix) && strings.HasSuffix(n, partitionSuffix) {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (f *FileStore) loadHead() error {
	if f.loaded {
		return nil
	}
	b, err := os.ReadFile(filepath.Join(f.dir, headFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return fmt.Errorf("read head: %w", err)
	default:
		if err := json.Unmarshal(b, &f.head); err != nil {
			return fmt.Errorf("decode head: %w", err)
		}
	}
	f.loaded = true
	return nil
}

func (f *FileStore) writeHead(h head) error {
	b, err := json.Marshal(h)
	if err != nil {
		return err
	}
	tmp := filepath.Join(f.dir, headFile+".tmp")
	if err := os.WriteFile(tmp, b, 0o640); err != nil {
		return fmt.Errorf("write head: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(f.dir, headFile)); err != nil {
		return fmt.Errorf("write head: %w", err)
	}
	f.head = h
	return nil
}

func appendFile(path string, data []byte) error {
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open partition: %w", err)
	}
	if _, err := fh.Write(data); err != nil {
		fh.Close()
		return fmt.Errorf("append partition: %w", err)
	}
	if err := fh.Sync(); err != nil {
		fh.Close()
		return fmt.Errorf("sync partition: %w", err)
	}
	return fh.Close()
}

// readPartition decodes one partition. A final line without a trailing
// newline is the remains of an interrupted append and is ignored when it does
// not decode.
func readPartition(path string) ([]*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open partition: %w", err)
	}

	var out []*Entry
	lines := bytes.Split(data, []byte{'\n'})
	for i, raw := range lines {
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			if i == len(lines)-1 {
				break
			}
			return nil, fmt.Errorf("%s:%d: decode entry: %w", filepath.Base(path), i+1, err)
		}
		out = append(out, &e)
	}
	return out, nil
}

// repairTail truncates a partial last line so the next append starts on a
// line boundary.
func repairTail(path string) error {
	fh, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open partition: %w", err)
	}
	defer fh.Close()

	info, err := fh.Stat()
	if err != nil {
		return fmt.Errorf("stat partition: %w", err)
	}
	if info.Size() == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := fh.ReadAt(last, info.Size()-1); err != nil {
		return fmt.Errorf("read partition tail: %w", err)
	}
	if last[0] == '\n' {
		return nil
	}
	data, err := io.ReadAll(fh)
	if err != nil {
		return fmt.Errorf("read partition: %w", err)
	}
	keep := int64(bytes.LastIndexByte(data, '\n') + 1)
	if err := fh.Truncate(keep); err != nil {
		return fmt.Errorf("truncate partial entry: %w", err)
	}
	return fh.Sync()
}
