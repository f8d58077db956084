package snapshot

import (
	"context"
	"os"
	"strings"
)

// EnvSource supplies the effective environment key/value map.
type EnvSource interface {
	Environ(ctx context.Context) (map[string]string, error)
}

// ServiceProvider supplies the known service descriptors.
type ServiceProvider interface {
	Services(ctx context.Context) ([]Service, error)
}

// SecretProvider supplies secret references and their accessibility.
type SecretProvider interface {
	Secrets(ctx context.Context) ([]SecretRef, error)
}

// OSEnv reads the process environment. When Prefixes is non-empty only keys
// with one of the prefixes are captured; Exclude drops exact keys and
// ExcludePrefixes drops every key with one of the prefixes.
type OSEnv struct {
	Prefixes        []string
	Exclude         []string
	ExcludePrefixes []string
}

func (o OSEnv) Environ(context.Context) (map[string]string, error) {
	out := make(map[string]string)
	excluded := make(map[string]bool, len(o.Exclude))
	for _, k := range o.Exclude {
		excluded[k] = true
	}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || excluded[k] || !o.allowed(k) {
			continue
		}
		out[k] = v
	}
	return out, nil
}

func (o OSEnv) allowed(key string) bool {
	for _, p := range o.ExcludePrefixes {
		if strings.HasPrefix(key, p) {
			return false
		}
	}
	if len(o.Prefixes) == 0 {
		return true
	}
	for _, p := range o.Prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// StaticEnv is a fixed environment map.
type StaticEnv map[string]string

func (s StaticEnv) Environ(context.Context) (map[string]string, error) {
	out := make(map[string]string, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out, nil
}

// StaticServices returns a fixed, declared service list.
type StaticServices []Service

func (s StaticServices) Services(context.Context) ([]Service, error) {
	out := make([]Service, len(s))
	for i, svc := range s {
		out[i] = cloneService(svc)
	}
	return out, nil
}

// DeclaredSecrets resolves accessibility of declared secret references by
// source: "env" refs are accessible when the variable is set and non-empty,
// "file" refs when the file named by Name can be opened. Other sources keep
// their declared Accessible value.
type DeclaredSecrets []SecretRef

func (d DeclaredSecrets) Secrets(context.Context) ([]SecretRef, error) {
	out := make([]SecretRef, len(d))
	for i, ref := range d {
		switch ref.Source {
		case "env":
			v, ok := os.LookupEnv(ref.Name)
			ref.Accessible = ok && v != ""
		case "file":
			f, err := os.Open(ref.Name)
			ref.Accessible = err == nil
			if f != nil {
				f.Close()
			}
		}
		out[i] = ref
	}
	return out, nil
}

func cloneService(s Service) Service {
	c := s
	if s.Config != nil {
		c.Config = make(map[string]string, len(s.Config))
		for k, v := range s.Config {
			c.Config[k] = v
		}
	}
	c.Dependencies = append([]string(nil), s.Dependencies...)
	return c
}
