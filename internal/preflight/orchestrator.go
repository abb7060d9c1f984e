// Package preflight runs the tiered check pipeline over a chat message.
package preflight

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gatekeeper/internal/abuse"
	"gatekeeper/internal/audit"
	"gatekeeper/internal/checks"
	"gatekeeper/internal/metrics"
	"gatekeeper/internal/policy"
	"gatekeeper/internal/registry"
	"gatekeeper/internal/types"
)

// Pseudo check names and codes produced by the orchestrator itself.
const (
	CodeEmptyInput         = "empty_input"
	CodeInvalidCheckConfig = "invalid_check_config"
	CodeSystemError        = "system_error"
)

// AbuseMitigation records warnings for failures that indicate abuse.
type AbuseMitigation interface {
	IncrementWarning(ctx context.Context, ip, reason string) (*abuse.WarningOutcome, error)
}

// PolicySource supplies the server-wide default options.
type PolicySource interface {
	Current() *policy.Policy
}

// Config holds dependencies for the orchestrator. Registry is required.
type Config struct {
	Registry *registry.Registry
	Abuse    AbuseMitigation
	Policy   PolicySource
	Audit    audit.Store
	Metrics  *metrics.Collector
	Logger   *zap.Logger
}

// Orchestrator runs checks tier by tier and stops at the first failure.
type Orchestrator struct {
	registry *registry.Registry
	abuse    AbuseMitigation
	policy   PolicySource
	audit    *audit.Writer
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		registry: cfg.Registry,
		abuse:    cfg.Abuse,
		policy:   cfg.Policy,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.policy == nil {
		o.policy = policy.NewHolder(nil)
	}
	if cfg.Audit != nil {
		o.audit = audit.NewWriter(cfg.Audit)
	}
	return o
}

// run is the state of one evaluation.
type run struct {
	requestID   string
	userID      string
	input       Input
	lastMessage string
	ip          string
	userAgent   string
	opts        *resolved
	logger      *zap.Logger
	start       time.Time
	results     []types.NamedCheckResult
}

// Run evaluates input. It always returns a result: internal faults become a
// system_error failure.
func (o *Orchestrator) Run(ctx context.Context, userID string, input Input, ip, userAgent string, opts *Options) (res *types.PreflightResult) {
	r := &run{
		requestID:   uuid.New().String(),
		userID:      userID,
		input:       input,
		lastMessage: input.LastMessage(),
		ip:          ip,
		userAgent:   userAgent,
		start:       time.Now(),
	}

	logger := o.logger
	if opts != nil && opts.Logger != nil {
		logger = opts.Logger
	}
	r.logger = logger.With(zap.String("request_id", r.requestID))

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("preflight panicked",
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()),
			)
			res = o.finish(ctx, r, o.systemError(CodeSystemError, fmt.Sprint(p)))
		}
	}()

	r.opts = resolve(o.policy.Current(), opts)

	if !input.IsText() && r.lastMessage == "" {
		return o.finish(ctx, r, &failure{
			check: CodeEmptyInput,
			result: types.CheckResult{
				Passed:   false,
				Code:     CodeEmptyInput,
				Message:  "No user message to check",
				Severity: types.SeverityError,
			},
		})
	}

	if err := o.validateOptions(r.opts, opts); err != nil {
		r.logger.Info("invalid check configuration", zap.Error(err))
		return o.finish(ctx, r, &failure{
			check: CodeInvalidCheckConfig,
			result: types.CheckResult{
				Passed:   false,
				Code:     CodeInvalidCheckConfig,
				Message:  "Invalid check configuration",
				Severity: types.SeverityError,
				Details:  map[string]any{"error": err.Error()},
			},
		})
	}

	for _, tier := range r.opts.tiers {
		if err := ctx.Err(); err != nil {
			return o.finish(ctx, r, o.systemError(CodeSystemError, err.Error()))
		}
		if f := o.runTier(ctx, r, tier); f != nil {
			o.recordWarning(ctx, r, f)
			return o.finish(ctx, r, f)
		}
	}

	return o.finish(ctx, r, nil)
}

// failure is the check that decided a failed run.
type failure struct {
	check  string
	tier   types.Tier
	result types.CheckResult
}

// runTier runs the enabled checks of tier in registration order and returns
// the first failure, or nil.
func (o *Orchestrator) runTier(ctx context.Context, r *run, tier types.Tier) *failure {
	var first *failure
	for _, c := range o.registry.ByTier(tier) {
		def := c.Definition()
		if !o.enabled(r.opts, def) {
			continue
		}

		res := o.execute(ctx, r, c, def)
		if r.opts.includeAllResults {
			r.results = append(r.results, types.NamedCheckResult{Check: def.Name, Tier: tier, Result: res})
		}

		if res.Passed {
			continue
		}
		if first == nil {
			first = &failure{check: def.Name, tier: tier, result: res}
		}
		if !r.opts.runAll {
			break
		}
	}
	return first
}

func (o *Orchestrator) enabled(opts *resolved, def checks.Definition) bool {
	if on, ok := opts.enabled[def.Name]; ok {
		return on
	}
	return def.Enabled
}

// execute runs one check. A panic inside the check becomes a system_error
// result attributed to that check.
func (o *Orchestrator) execute(ctx context.Context, r *run, c checks.Check, def checks.Definition) (res types.CheckResult) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("check panicked",
				zap.String("check", def.Name),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()),
			)
			res = types.CheckResult{
				Passed:          false,
				Code:            CodeSystemError,
				Message:         "An unexpected error occurred",
				Severity:        types.SeverityError,
				ExecutionTimeMs: time.Since(start).Milliseconds(),
			}
		}
		o.metrics.ObserveCheck(def.Name, int(def.Tier), res.Code, time.Since(start))
	}()

	params := &checks.Params{
		UserID:              r.userID,
		Messages:            r.input.Messages(),
		LastMessage:         r.lastMessage,
		IP:                  r.ip,
		UserAgent:           r.userAgent,
		Config:              r.opts.configs[def.Name],
		ConversationContext: r.opts.conversation,
		Logger:              r.logger.With(zap.String("check", def.Name)),
	}

	res, err := checks.Execute(ctx, c, params)
	if err != nil {
		o.metrics.IncCheckError(def.Name, string(def.OnError.Policy))
	}
	return res
}

// validateOptions rejects per-request overrides for unknown checks and
// configuration that does not match a check's schema. Policy configuration
// was validated when the policy was loaded.
func (o *Orchestrator) validateOptions(r *resolved, opts *Options) error {
	if opts == nil {
		return nil
	}

	names := make([]string, 0, len(opts.Checks))
	for name := range opts.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := o.registry.Get(name); !ok {
			return fmt.Errorf("checks.%s: %w", name, registry.ErrUnknownCheck)
		}
	}

	return o.registry.ValidateConfigs(r.callerConfigs)
}

// recordWarning records one abuse warning when the failure code is a
// warning trigger, unless the failing check already recorded one.
func (o *Orchestrator) recordWarning(ctx context.Context, r *run, f *failure) {
	if o.abuse == nil || r.ip == "" || !r.opts.isWarningCode(f.result.Code) {
		return
	}
	if recorded, _ := f.result.Details[checks.DetailWarningRecorded].(bool); recorded {
		return
	}

	out, err := o.abuse.IncrementWarning(ctx, r.ip, f.result.Code)
	if err != nil {
		r.logger.Error("failed to record abuse warning", zap.String("ip", r.ip), zap.Error(err))
		return
	}
	if out.TimedOut {
		r.logger.Warn("ip placed in timeout",
			zap.String("ip", r.ip),
			zap.Time("until", out.Timeout.Until),
			zap.Int("timeout_count", out.Timeout.TimeoutCount),
		)
	}
}

func (o *Orchestrator) systemError(check, msg string) *failure {
	return &failure{
		check: check,
		result: types.CheckResult{
			Passed:   false,
			Code:     CodeSystemError,
			Message:  "An unexpected error occurred",
			Severity: types.SeverityError,
			Details:  map[string]any{"error": msg},
		},
	}
}

// finish builds the result, then records metrics, logs and the audit record.
func (o *Orchestrator) finish(ctx context.Context, r *run, f *failure) *types.PreflightResult {
	res := &types.PreflightResult{
		RequestID:       r.requestID,
		Passed:          f == nil,
		CheckResults:    r.results,
		ExecutionTimeMs: time.Since(r.start).Milliseconds(),
	}
	if f != nil {
		result := f.result
		res.FailedCheck = f.check
		res.Result = &result
	}

	o.metrics.ObservePreflight(res.Passed, res.Code(), time.Since(r.start))

	if o.audit != nil {
		auditID, err := o.audit.WriteFromResult(context.WithoutCancel(ctx), audit.Request{
			UserID:    r.userID,
			IP:        r.ip,
			UserAgent: r.userAgent,
			Content:   r.lastMessage,
		}, res)
		if err != nil {
			r.logger.Error("failed to write audit record", zap.Error(err))
		}
		res.AuditID = auditID
	}

	fields := []zap.Field{
		zap.Bool("passed", res.Passed),
		zap.Int64("execution_time_ms", res.ExecutionTimeMs),
	}
	if f != nil {
		fields = append(fields,
			zap.String("failed_check", f.check),
			zap.String("code", f.result.Code),
			zap.String("severity", string(f.result.Severity)),
		)
	}
	r.logger.Info("preflight completed", fields...)

	return res
}
