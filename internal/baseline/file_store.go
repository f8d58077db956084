package baseline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// record is the on-disk document of one environment.
type record struct {
	Environment string      `json:"environment"`
	Baselines   []*Baseline `json:"baselines"`
}

// FileStore keeps one JSON record per environment under dir.
type FileStore struct {
	dir  string
	keep int
	mu   sync.Mutex
}

func NewFileStore(dir string, keep int) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create baseline dir: %w", err)
	}
	if keep <= 0 {
		keep = DefaultKeepPerEnvironment
	}
	return &FileStore{dir: dir, keep: keep}, nil
}

func (f *FileStore) Save(_ context.Context, b *Baseline) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, err := f.load(b.Environment)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	rec.Environment = b.Environment
	rec.Baselines = append(rec.Baselines, b)
	sortByTime(rec.Baselines)
	if len(rec.Baselines) > f.keep {
		rec.Baselines = rec.Baselines[len(rec.Baselines)-f.keep:]
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	path := f.path(b.Environment)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write baseline: %w", err)
	}
	return os.Rename(tmp, path)
}

func (f *FileStore) Get(_ context.Context, id string) (*Baseline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	des, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}
	for _, de := range des {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		rec, err := f.read(filepath.Join(f.dir, de.Name()))
		if err != nil {
			continue
		}
		for _, b := range rec.Baselines {
			if b.ID == id {
				return b, nil
			}
		}
	}
	return nil, ErrNotFound
}

func (f *FileStore) Latest(_ context.Context, environment string) (*Baseline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, err := f.load(environment)
	if err != nil {
		return nil, err
	}
	if len(rec.Baselines) == 0 {
		return nil, ErrNotFound
	}
	return rec.Baselines[len(rec.Baselines)-1], nil
}

func (f *FileStore) List(_ context.Context, environment string) ([]*Baseline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, err := f.load(environment)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec.Baselines, nil
}

func (f *FileStore) load(environment string) (record, error) {
	return f.read(f.path(environment))
}

func (f *FileStore) read(path string) (record, error) {
	var rec record
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return rec, ErrNotFound
		}
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decode baseline record %s: %w", filepath.Base(path), err)
	}
	return rec, nil
}

func (f *FileStore) path(environment string) string {
	return filepath.Join(f.dir, sanitize(environment)+".json")
}

// sanitize maps an environment name to a safe file name.
func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
