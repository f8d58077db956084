package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/driftguard/internal/metrics"
)

// Capturer builds snapshots from its sources. Any source may be nil.
type Capturer struct {
	Env      EnvSource
	Files    []string
	Services ServiceProvider
	Secrets  SecretProvider

	logger  *zap.Logger
	started time.Time
	now     func() time.Time
}

// NewCapturer returns a Capturer. files may contain glob patterns.
func NewCapturer(env EnvSource, files []string, services ServiceProvider, secrets SecretProvider, logger *zap.Logger) *Capturer {
	return &Capturer{
		Env:      env,
		Files:    files,
		Services: services,
		Secrets:  secrets,
		logger:   logger.Named("snapshot"),
		started:  time.Now(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Capture produces a snapshot of environment. Unreadable sources are skipped,
// recorded as warnings and marked failed; capture only fails when ctx is
// done. Credential-like environment values are stored as fingerprints.
func (c *Capturer) Capture(ctx context.Context, environment string) (*Snapshot, error) {
	s := &Snapshot{
		ID:          uuid.New().String(),
		Environment: environment,
		Timestamp:   c.now(),
		Env:         map[string]string{},
		Files:       []FileRecord{},
		Services:    []Service{},
		Secrets:     []SecretRef{},
	}

	if c.Env != nil {
		env, err := c.Env.Environ(ctx)
		if err != nil {
			c.fail(s, SectionEnvironment, "environment source", err)
		} else {
			s.Env = RedactEnv(env)
		}
	}

	for _, path := range c.expandFiles(s) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := fileRecord(path)
		if err != nil {
			c.warn(s, SectionFiles, path, err)
			// A missing file is a real absence; any other error leaves its state unknown.
			if !errors.Is(err, fs.ErrNotExist) {
				s.FailedFiles = append(s.FailedFiles, path)
			}
			continue
		}
		s.Files = append(s.Files, rec)
	}
	sort.Slice(s.Files, func(i, j int) bool { return s.Files[i].Path < s.Files[j].Path })

	if c.Services != nil {
		svcs, err := c.Services.Services(ctx)
		if err != nil {
			c.fail(s, SectionServices, "service provider", err)
		} else {
			s.Services = svcs
			sort.Slice(s.Services, func(i, j int) bool { return s.Services[i].Name < s.Services[j].Name })
		}
	}

	if c.Secrets != nil {
		secrets, err := c.Secrets.Secrets(ctx)
		if err != nil {
			c.fail(s, SectionSecrets, "secret provider", err)
		} else {
			s.Secrets = secrets
			sort.Slice(s.Secrets, func(i, j int) bool { return s.Secrets[i].Name < s.Secrets[j].Name })
		}
	}

	s.System = c.system(s)
	return s, ctx.Err()
}

func (c *Capturer) expandFiles(s *Snapshot) []string {
	seen := make(map[string]bool)
	var out []string
	for _, pattern := range c.Files {
		matches := []string{pattern}
		if hasMeta(pattern) {
			m, err := filepath.Glob(pattern)
			if err != nil {
				c.fail(s, SectionFiles, pattern, err)
				continue
			}
			matches = m
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	return out
}

func (c *Capturer) system(s *Snapshot) System {
	host, err := os.Hostname()
	if err != nil {
		c.fail(s, SectionSystem, "hostname", err)
	}
	return System{
		RuntimeVersion: runtime.Version(),
		Platform:       runtime.GOOS + "/" + runtime.GOARCH,
		Hostname:       host,
		Uptime:         time.Since(c.started).Round(time.Second),
	}
}

func (c *Capturer) fail(s *Snapshot, section, source string, err error) {
	c.warn(s, section, source, err)
	if !s.SectionFailed(section) {
		s.Failed = append(s.Failed, section)
	}
}

func (c *Capturer) warn(s *Snapshot, section, source string, err error) {
	metrics.CaptureWarnings.WithLabelValues(section).Inc()
	s.Warnings = append(s.Warnings, fmt.Sprintf("%s: %s: %v", section, source, err))
	c.logger.Warn("capture source skipped",
		zap.String("environment", s.Environment),
		zap.String("section", section),
		zap.String("source", source),
		zap.Error(err))
}

func fileRecord(path string) (FileRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileRecord{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return FileRecord{}, err
	}
	if info.IsDir() {
		return FileRecord{}, fmt.Errorf("is a directory")
	}
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return FileRecord{}, err
	}
	return FileRecord{
		Path:    path,
		Hash:    hex.EncodeToString(h.Sum(nil)),
		Size:    info.Size(),
		ModTime: info.ModTime().UTC(),
	}, nil
}

func hasMeta(p string) bool {
	for _, r := range p {
		switch r {
		case '*', '?', '[':
			return true
		}
	}
	return false
}

func hexString(b []byte) string { return hex.EncodeToString(b) }
