package preflight

import (
	"encoding/json"
	"sort"

	"go.uber.org/zap"

	"gatekeeper/internal/policy"
	"gatekeeper/internal/types"
)

// Options tune a single run. Zero fields fall back to the server policy.
type Options struct {
	// Tiers to run. Normalized ascending and de-duplicated.
	Tiers []types.Tier `json:"tiers,omitempty"`

	// Checks overrides the enabled flag per check name.
	Checks map[string]bool `json:"checks,omitempty"`

	// CheckConfig holds per-check configuration overrides, merged over
	// each check's defaults.
	CheckConfig map[string]json.RawMessage `json:"checkConfig,omitempty"`

	// RunAllChecks finishes the failing tier instead of stopping at the
	// first failure. The first failure of the tier is still the result.
	RunAllChecks bool `json:"runAllChecks,omitempty"`

	// IncludeAllResults returns every executed check's result.
	IncludeAllResults bool `json:"includeAllResults,omitempty"`

	// WarningCodes replaces the set of failure codes that record an abuse
	// warning. nil keeps the policy's set.
	WarningCodes []string `json:"warningCodes,omitempty"`

	ConversationContext *types.ConversationContext `json:"conversationContext,omitempty"`

	// Logger overrides the orchestrator's logger for this run.
	Logger *zap.Logger `json:"-"`
}

// resolved is Options merged over a policy.
type resolved struct {
	tiers             []types.Tier
	enabled           map[string]bool
	configs           map[string]json.RawMessage
	callerConfigs     map[string]json.RawMessage
	warningCodes      map[string]struct{}
	runAll            bool
	includeAllResults bool
	conversation      *types.ConversationContext
}

func resolve(p *policy.Policy, opts *Options) *resolved {
	if p == nil {
		p = policy.Default()
	}
	if opts == nil {
		opts = &Options{}
	}

	r := &resolved{
		enabled:           make(map[string]bool, len(p.Checks)+len(opts.Checks)),
		configs:           make(map[string]json.RawMessage, len(p.Configs())+len(opts.CheckConfig)),
		callerConfigs:     opts.CheckConfig,
		runAll:            opts.RunAllChecks || p.RunAllChecks,
		includeAllResults: opts.IncludeAllResults,
		conversation:      opts.ConversationContext,
	}

	tiers := p.Tiers
	if len(opts.Tiers) > 0 {
		tiers = opts.Tiers
	}
	r.tiers = normalizeTiers(tiers)

	for name, on := range p.Checks {
		r.enabled[name] = on
	}
	for name, on := range opts.Checks {
		r.enabled[name] = on
	}

	for name, raw := range p.Configs() {
		r.configs[name] = raw
	}
	for name, raw := range opts.CheckConfig {
		r.configs[name] = mergeConfig(r.configs[name], raw)
	}

	codes := p.WarningCodes
	if opts.WarningCodes != nil {
		codes = opts.WarningCodes
	}
	r.warningCodes = make(map[string]struct{}, len(codes))
	for _, c := range codes {
		r.warningCodes[c] = struct{}{}
	}

	return r
}

// mergeConfig overlays the caller's top-level fields on the policy's config
// for one check. Anything that is not a pair of JSON objects is left to the
// caller's value, which schema validation then judges.
func mergeConfig(base, overlay json.RawMessage) json.RawMessage {
	if len(base) == 0 {
		return overlay
	}
	var into, from map[string]json.RawMessage
	if json.Unmarshal(base, &into) != nil || into == nil ||
		json.Unmarshal(overlay, &from) != nil || from == nil {
		return overlay
	}
	for k, v := range from {
		into[k] = v
	}
	merged, err := json.Marshal(into)
	if err != nil {
		return overlay
	}
	return merged
}

// normalizeTiers sorts ascending, drops duplicates and out-of-range values.
// An empty result means every tier.
func normalizeTiers(in []types.Tier) []types.Tier {
	seen := make(map[types.Tier]bool, len(in))
	out := make([]types.Tier, 0, len(in))
	for _, t := range in {
		if !t.Valid() || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	if len(out) == 0 {
		return append(out, types.AllTiers...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *resolved) isWarningCode(code string) bool {
	_, ok := r.warningCodes[code]
	return ok
}
