// Package checks implements the individual preflight checks.
package checks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gatekeeper/internal/types"
	"gatekeeper/internal/util"
)

// FailurePolicy decides what an internal check error means for the request.
type FailurePolicy string

const (
	FailOpen   FailurePolicy = "fail_open"
	FailClosed FailurePolicy = "fail_closed"
)

// OnError is the result a check produces when it cannot reach a verdict.
type OnError struct {
	Policy   FailurePolicy  `json:"policy"`
	Code     string         `json:"code"`
	Severity types.Severity `json:"severity"`
	Message  string         `json:"message"`
}

// Result converts an internal error into the declared result.
func (o OnError) Result() types.CheckResult {
	return types.CheckResult{
		Passed:   o.Policy == FailOpen,
		Code:     o.Code,
		Message:  o.Message,
		Severity: o.Severity,
		Details:  map[string]any{"policy": string(o.Policy)},
	}
}

// Definition is the static metadata of a check.
type Definition struct {
	Name         string     `json:"name"`
	Description  string     `json:"description"`
	Tier         types.Tier `json:"tier"`
	Enabled      bool       `json:"enabled"`
	Configurable bool       `json:"configurable"`
	OnError      OnError    `json:"onError"`
}

// Check is a single pass/fail predicate over a message plus context.
type Check interface {
	Definition() Definition

	// DefaultConfig returns a fresh copy of the check's typed configuration
	// defaults, or nil for checks without configuration.
	DefaultConfig() any

	// ConfigSchema returns the JSON Schema for configuration overrides, or ""
	// for checks without configuration.
	ConfigSchema() string

	// Run evaluates the check. A returned error is converted into the
	// Definition's OnError result by Execute.
	Run(ctx context.Context, p *Params) (types.CheckResult, error)
}

// Params is the per-invocation context handed to every check.
type Params struct {
	UserID              string
	Messages            []types.ChatMessage
	LastMessage         string
	IP                  string
	UserAgent           string
	Config              json.RawMessage // override for the running check, merged over defaults
	ConversationContext *types.ConversationContext
	Logger              *zap.Logger
}

func (p *Params) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

// decodeConfig decodes raw over defaults. Unknown fields are rejected.
func decodeConfig[T any](defaults T, raw json.RawMessage) (T, error) {
	cfg := defaults
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return cfg, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return defaults, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Execute runs c, applies its failure policy on error and stamps the
// execution time.
func Execute(ctx context.Context, c Check, p *Params) (types.CheckResult, error) {
	start := time.Now()
	def := c.Definition()

	res, err := c.Run(ctx, p)
	if err != nil {
		p.logger().Error("check failed internally",
			zap.String("check", def.Name),
			zap.String("policy", string(def.OnError.Policy)),
			zap.Error(err),
		)
		res = def.OnError.Result()
	}

	res.ExecutionTimeMs = util.TimeSinceMs(start)
	return res, err
}

func pass(name, message string) types.CheckResult {
	return types.CheckResult{
		Passed:   true,
		Code:     name + "_passed",
		Message:  message,
		Severity: types.SeverityInfo,
	}
}

func skip(name, message string) types.CheckResult {
	return types.CheckResult{
		Passed:   true,
		Code:     name + "_skipped",
		Message:  message,
		Severity: types.SeverityInfo,
	}
}

func fail(code, message string, severity types.Severity, details map[string]any) types.CheckResult {
	return types.CheckResult{
		Passed:   false,
		Code:     code,
		Message:  message,
		Severity: severity,
		Details:  details,
	}
}
