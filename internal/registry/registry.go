// Package registry holds the ordered, immutable set of preflight checks.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"gatekeeper/internal/checks"
	"gatekeeper/internal/types"
)

var (
	// ErrDuplicateCheck is returned when two checks share a name.
	ErrDuplicateCheck = errors.New("duplicate check name")

	// ErrUnknownCheck is returned for a name that is not registered.
	ErrUnknownCheck = errors.New("unknown check")

	// ErrNotConfigurable is returned when configuration is supplied for a
	// check that takes none.
	ErrNotConfigurable = errors.New("check is not configurable")
)

// Registry is built once at startup and read concurrently afterwards.
type Registry struct {
	ordered   []checks.Check
	byName    map[string]checks.Check
	byTier    map[types.Tier][]checks.Check
	validator *SchemaValidator
}

// New registers cs in order. Every configurable check's schema is compiled
// here so a bad schema fails at startup instead of on the first request.
func New(cs ...checks.Check) (*Registry, error) {
	r := &Registry{
		byName:    make(map[string]checks.Check, len(cs)),
		byTier:    make(map[types.Tier][]checks.Check),
		validator: NewSchemaValidator(),
	}

	for _, c := range cs {
		def := c.Definition()
		if _, ok := r.byName[def.Name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateCheck, def.Name)
		}
		if !def.Tier.Valid() {
			return nil, fmt.Errorf("check %s: invalid tier %d", def.Name, def.Tier)
		}
		if def.Configurable {
			if err := r.validator.Add(def.Name, c.ConfigSchema()); err != nil {
				return nil, fmt.Errorf("check %s: %w", def.Name, err)
			}
		}

		r.ordered = append(r.ordered, c)
		r.byName[def.Name] = c
		r.byTier[def.Tier] = append(r.byTier[def.Tier], c)
	}

	return r, nil
}

// MustNew is New that panics on error, for composition roots and tests.
func MustNew(cs ...checks.Check) *Registry {
	r, err := New(cs...)
	if err != nil {
		panic(err)
	}
	return r
}

// ByTier returns the checks of tier in registration order.
func (r *Registry) ByTier(tier types.Tier) []checks.Check {
	return r.byTier[tier]
}

// Get returns the check registered under name.
func (r *Registry) Get(name string) (checks.Check, bool) {
	c, ok := r.byName[name]
	return c, ok
}

// All returns every check in registration order.
func (r *Registry) All() []checks.Check {
	out := make([]checks.Check, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Names returns the registered check names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CheckInfo is the listing form of a registered check.
type CheckInfo struct {
	checks.Definition
	DefaultConfig any             `json:"defaultConfig,omitempty"`
	ConfigSchema  json.RawMessage `json:"configSchema,omitempty"`
}

// Definitions returns listing metadata for every check in registration order.
func (r *Registry) Definitions() []CheckInfo {
	out := make([]CheckInfo, 0, len(r.ordered))
	for _, c := range r.ordered {
		info := CheckInfo{Definition: c.Definition(), DefaultConfig: c.DefaultConfig()}
		if s := c.ConfigSchema(); s != "" {
			info.ConfigSchema = json.RawMessage(s)
		}
		out = append(out, info)
	}
	return out
}

// ValidateConfig validates a configuration override for the named check.
// Schema violations are returned as ValidationErrors.
func (r *Registry) ValidateConfig(name string, raw json.RawMessage) error {
	c, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCheck, name)
	}
	if !c.Definition().Configurable {
		return fmt.Errorf("%w: %s", ErrNotConfigurable, name)
	}
	return r.validator.Validate(name, raw)
}

// ValidateConfigs validates a map of overrides keyed by check name, in name
// order so the first reported error is stable.
func (r *Registry) ValidateConfigs(cfgs map[string]json.RawMessage) error {
	names := make([]string, 0, len(cfgs))
	for name := range cfgs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := r.ValidateConfig(name, cfgs[name]); err != nil {
			return fmt.Errorf("checkConfig.%s: %w", name, err)
		}
	}
	return nil
}
