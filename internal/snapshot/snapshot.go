// Package snapshot captures point-in-time views of an environment's
// configuration: environment variables, watched files, services, secret
// references and the host descriptor.
package snapshot

import (
	"time"

	"github.com/ILLUVRSE/driftguard/internal/canonical"
)

// FileRecord describes a watched file by checksum; contents are never stored.
type FileRecord struct {
	Path    string    `json:"path"`
	Hash    string    `json:"hash"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// Service is a known service configuration.
type Service struct {
	Name         string            `json:"name" koanf:"name"`
	Version      string            `json:"version" koanf:"version"`
	Config       map[string]string `json:"config,omitempty" koanf:"config"`
	Dependencies []string          `json:"dependencies,omitempty" koanf:"dependencies"`
	Status       string            `json:"status" koanf:"status"`
}

// SecretRef references a secret without holding its value.
type SecretRef struct {
	Name       string `json:"name" koanf:"name"`
	Type       string `json:"type" koanf:"type"`
	Source     string `json:"source" koanf:"source"`
	Accessible bool   `json:"accessible" koanf:"accessible"`
}

// System describes the host. Uptime is informational and never compared.
type System struct {
	RuntimeVersion string        `json:"runtimeVersion"`
	Platform       string        `json:"platform"`
	Hostname       string        `json:"hostname"`
	Uptime         time.Duration `json:"uptime"`
}

// Snapshot is immutable once returned by Capture.
type Snapshot struct {
	ID          string            `json:"id"`
	Environment string            `json:"environment"`
	Timestamp   time.Time         `json:"timestamp"`
	Env         map[string]string `json:"env"`
	Files       []FileRecord      `json:"files"`
	Services    []Service         `json:"services"`
	Secrets     []SecretRef       `json:"secrets"`
	System      System            `json:"system"`

	// Warnings lists sources that were skipped during capture.
	Warnings []string `json:"warnings,omitempty"`

	// Failed names the sections whose source could not be read; their
	// content is unknown, not empty. FailedFiles lists unreadable watched
	// paths when the rest of the files section was captured.
	Failed      []string `json:"failed,omitempty"`
	FailedFiles []string `json:"failedFiles,omitempty"`
}

// SectionFailed reports whether section could not be captured.
func (s *Snapshot) SectionFailed(section string) bool {
	for _, f := range s.Failed {
		if f == section {
			return true
		}
	}
	return false
}

// Section names used for per-section checksums.
const (
	SectionEnvironment = "environment"
	SectionFiles       = "files"
	SectionServices    = "services"
	SectionSecrets     = "secrets"
	SectionSystem      = "system"
)

// Checksums returns a sha256 hex digest per section. The system section
// excludes uptime so that identical hosts produce identical checksums.
func (s *Snapshot) Checksums() (map[string]string, error) {
	sections := map[string]interface{}{
		SectionEnvironment: s.Env,
		SectionFiles:       s.Files,
		SectionServices:    s.Services,
		SectionSecrets:     s.Secrets,
		SectionSystem: map[string]string{
			"runtimeVersion": s.System.RuntimeVersion,
			"platform":       s.System.Platform,
			"hostname":       s.System.Hostname,
		},
	}
	out := make(map[string]string, len(sections))
	for name, v := range sections {
		sum, err := canonical.Digest(v)
		if err != nil {
			return nil, err
		}
		out[name] = hexString(sum)
	}
	return out, nil
}
