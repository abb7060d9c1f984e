// Package policy loads the server-wide default preflight options from YAML.
package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"gatekeeper/internal/registry"
	"gatekeeper/internal/types"
)

// DefaultWarningCodes are the failure codes that count as an abuse warning.
var DefaultWarningCodes = []string{
	"blacklisted_keywords",
	"moderation_flagged",
	"ethical_concerns",
	"extremely_negative",
}

// Policy is the set of defaults applied to every preflight run. Request
// options override it field by field.
type Policy struct {
	Tiers        []types.Tier              `yaml:"tiers" json:"tiers,omitempty"`
	Checks       map[string]bool           `yaml:"checks" json:"checks,omitempty"`
	CheckConfig  map[string]map[string]any `yaml:"checkConfig" json:"-"`
	WarningCodes []string                  `yaml:"warningCodes" json:"warningCodes,omitempty"`
	RunAllChecks bool                      `yaml:"runAllChecks" json:"runAllChecks"`

	configs map[string]json.RawMessage
}

// Default returns the built-in policy.
func Default() *Policy {
	p := &Policy{
		Tiers:        append([]types.Tier(nil), types.AllTiers...),
		WarningCodes: append([]string(nil), DefaultWarningCodes...),
	}
	p.configs = map[string]json.RawMessage{}
	return p
}

// Configs returns the per-check configuration as JSON, keyed by check name.
func (p *Policy) Configs() map[string]json.RawMessage {
	return p.configs
}

// Parse decodes and validates a YAML policy against reg.
func Parse(data []byte, reg *registry.Registry) (*Policy, error) {
	p := Default()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if err := p.compile(reg); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadFile reads and validates the policy at path.
func LoadFile(path string, reg *registry.Registry) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	p, err := Parse(data, reg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

func (p *Policy) compile(reg *registry.Registry) error {
	for _, t := range p.Tiers {
		if !t.Valid() {
			return fmt.Errorf("tiers: invalid tier %d", t)
		}
	}

	names := make([]string, 0, len(p.Checks))
	for name := range p.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := reg.Get(name); !ok {
			return fmt.Errorf("checks.%s: %w", name, registry.ErrUnknownCheck)
		}
	}

	p.configs = make(map[string]json.RawMessage, len(p.CheckConfig))
	for name, cfg := range p.CheckConfig {
		raw, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("checkConfig.%s: %w", name, err)
		}
		p.configs[name] = raw
	}
	return reg.ValidateConfigs(p.configs)
}

// Holder publishes the current policy to concurrent readers.
type Holder struct {
	current atomic.Pointer[Policy]
}

// NewHolder creates a holder with p, or the default policy if p is nil.
func NewHolder(p *Policy) *Holder {
	h := &Holder{}
	if p == nil {
		p = Default()
	}
	h.current.Store(p)
	return h
}

// Current returns the active policy.
func (h *Holder) Current() *Policy {
	return h.current.Load()
}

// Set replaces the active policy.
func (h *Holder) Set(p *Policy) {
	h.current.Store(p)
}
