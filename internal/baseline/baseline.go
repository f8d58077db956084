// Package baseline stores accepted reference snapshots per environment.
package baseline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/driftguard/internal/snapshot"
)

var (
	// ErrNotFound is returned when no baseline matches.
	ErrNotFound = errors.New("baseline not found")

	// ErrChecksumMismatch is returned when a stored baseline no longer matches
	// its recorded section checksums.
	ErrChecksumMismatch = errors.New("baseline checksum mismatch")
)

// Baseline is an accepted reference snapshot.
type Baseline struct {
	ID          string             `json:"id"`
	Environment string             `json:"environment"`
	Timestamp   time.Time          `json:"timestamp"`
	Snapshot    *snapshot.Snapshot `json:"snapshot"`
	Checksums   map[string]string  `json:"checksums"`
	Author      string             `json:"author"`
	Description string             `json:"description,omitempty"`
}

// New builds a baseline from s and records its section checksums.
func New(s *snapshot.Snapshot, author, description string) (*Baseline, error) {
	if s == nil {
		return nil, errors.New("baseline: snapshot required")
	}
	sums, err := s.Checksums()
	if err != nil {
		return nil, fmt.Errorf("baseline checksums: %w", err)
	}
	return &Baseline{
		ID:          uuid.New().String(),
		Environment: s.Environment,
		Timestamp:   s.Timestamp,
		Snapshot:    s,
		Checksums:   sums,
		Author:      author,
		Description: description,
	}, nil
}

// Verify recomputes section checksums and compares them with the recorded
// ones. Every section must have a recorded checksum.
func (b *Baseline) Verify() error {
	if b.Snapshot == nil {
		return fmt.Errorf("%w: %s has no snapshot", ErrChecksumMismatch, b.ID)
	}
	sums, err := b.Snapshot.Checksums()
	if err != nil {
		return err
	}
	var bad []string
	for section, got := range sums {
		if want, ok := b.Checksums[section]; !ok || want != got {
			bad = append(bad, section)
		}
	}
	for section := range b.Checksums {
		if _, ok := sums[section]; !ok {
			bad = append(bad, section)
		}
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return fmt.Errorf("%w: %s sections %v", ErrChecksumMismatch, b.ID, bad)
	}
	return nil
}

// Store persists baselines. Latest returns the newest baseline of an
// environment by timestamp.
type Store interface {
	Save(ctx context.Context, b *Baseline) error
	Get(ctx context.Context, id string) (*Baseline, error)
	Latest(ctx context.Context, environment string) (*Baseline, error)
	List(ctx context.Context, environment string) ([]*Baseline, error)
}

// DefaultKeepPerEnvironment is the number of baselines kept per environment.
const DefaultKeepPerEnvironment = 10

func sortByTime(list []*Baseline) {
	sort.SliceStable(list, func(i, j int) bool { return list[i].Timestamp.Before(list[j].Timestamp) })
}
