package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/ILLUVRSE/driftguard/internal/alert"
	"github.com/ILLUVRSE/driftguard/internal/snapshot"
)

// RulesEnvPrefix overlays scalar rule settings from the environment, e.g.
// DRIFTGUARD_RULES_ACTION_TIMEOUT=45s.
const RulesEnvPrefix = "DRIFTGUARD_RULES_"

// Rules is the alerting and inventory configuration read from the rules file.
type Rules struct {
	Correlation []alert.CorrelationRule `koanf:"correlation"`
	Escalation  []alert.EscalationRule  `koanf:"escalation"`
	Channels    []alert.Channel         `koanf:"channels"`

	// Services and Secrets are the declared inventory captured into snapshots.
	Services []snapshot.Service   `koanf:"services"`
	Secrets  []snapshot.SecretRef `koanf:"secrets"`

	// ActionTimeout bounds automated response actions.
	ActionTimeout time.Duration `koanf:"action_timeout"`
}

// LoadRules reads path (YAML) and overlays DRIFTGUARD_RULES_* variables. An
// empty path yields empty rules so the process can run without alert routing.
func LoadRules(path string) (*Rules, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading rules file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(RulesEnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, RulesEnvPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("loading rules environment: %w", err)
	}

	var rules Rules
	if err := k.Unmarshal("", &rules); err != nil {
		return nil, fmt.Errorf("unmarshaling rules: %w", err)
	}
	if rules.ActionTimeout <= 0 {
		rules.ActionTimeout = alert.DefaultActionTimeout
	}
	if err := rules.check(); err != nil {
		return nil, err
	}
	return &rules, nil
}

// check catches duplicate ids early; the engines validate the rest.
func (r *Rules) check() error {
	seen := map[string]bool{}
	for _, c := range r.Correlation {
		if seen["c:"+c.ID] {
			return fmt.Errorf("duplicate correlation rule id %q", c.ID)
		}
		seen["c:"+c.ID] = true
	}
	for _, e := range r.Escalation {
		if seen["e:"+e.ID] {
			return fmt.Errorf("duplicate escalation rule id %q", e.ID)
		}
		seen["e:"+e.ID] = true
	}
	for _, ch := range r.Channels {
		if seen["n:"+ch.Name] {
			return fmt.Errorf("duplicate channel %q", ch.Name)
		}
		seen["n:"+ch.Name] = true
	}
	return nil
}
