// Package abuse implements the per-IP warning, timeout and deny-list state machine.
package abuse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"gatekeeper/internal/metrics"
	"gatekeeper/internal/ratelimit"
	"gatekeeper/internal/store"
	"gatekeeper/internal/types"
)

// ErrEmptyIP is returned when an operation needs an IP and none was given.
var ErrEmptyIP = errors.New("ip is required")

// Reasons recorded on timeout records.
const (
	ReasonWarningLimit = "warning_limit_exceeded"
	ReasonManual       = "manual"
)

// Config holds the abuse mitigation thresholds.
type Config struct {
	WarningLimit  int64
	WarningWindow time.Duration
	TimeoutLimit  int64
	TimeoutWindow time.Duration
	BaseTimeout   time.Duration
	MaxTimeout    time.Duration
}

// DefaultConfig returns the default thresholds: 5 warnings per hour, 3 timeouts
// per day, 30 minute base timeout doubling up to 24 hours.
func DefaultConfig() Config {
	return Config{
		WarningLimit:  5,
		WarningWindow: time.Hour,
		TimeoutLimit:  3,
		TimeoutWindow: 24 * time.Hour,
		BaseTimeout:   30 * time.Minute,
		MaxTimeout:    24 * time.Hour,
	}
}

// Validate checks the thresholds.
func (c Config) Validate() error {
	if c.WarningLimit <= 0 {
		return fmt.Errorf("warning limit must be positive")
	}
	if c.TimeoutLimit <= 0 {
		return fmt.Errorf("timeout limit must be positive")
	}
	if c.WarningWindow <= 0 || c.TimeoutWindow <= 0 {
		return fmt.Errorf("warning and timeout windows must be positive")
	}
	if c.BaseTimeout <= 0 {
		return fmt.Errorf("base timeout must be positive")
	}
	if c.MaxTimeout < c.BaseTimeout {
		return fmt.Errorf("max timeout must be >= base timeout")
	}
	return nil
}

// TimeoutDuration returns min(base * 2^(count-1), max). count < 1 is treated as 1.
func TimeoutDuration(count int64, base, max time.Duration) time.Duration {
	d := base
	for i := int64(1); i < count; i++ {
		if d >= max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

// WarningOutcome describes the effect of one warning.
type WarningOutcome struct {
	Count    int64
	Limit    int64
	TimedOut bool
	Timeout  *types.TimeoutRecord

	// DenyCandidate is set once an IP has been timed out more than the
	// timeout limit within the timeout window. Deny-listing stays manual.
	DenyCandidate bool
}

// Mitigator implements the abuse state machine on top of the counter store.
type Mitigator struct {
	store    store.CounterStore
	cfg      Config
	warnings *ratelimit.FixedWindow
	timeouts *ratelimit.FixedWindow
	logger   *zap.Logger
	metrics  *metrics.Collector
	now      func() time.Time
}

// Option configures a Mitigator.
type Option func(*Mitigator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Mitigator) { m.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Mitigator) { m.metrics = c }
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(m *Mitigator) { m.now = now }
}

// New creates a Mitigator.
func New(s store.CounterStore, cfg Config, opts ...Option) *Mitigator {
	m := &Mitigator{
		store:  s,
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.warnings = ratelimit.NewFixedWindow(s, store.PrefixWarning, cfg.WarningLimit, cfg.WarningWindow).WithClock(m.now)
	m.timeouts = ratelimit.NewFixedWindow(s, store.PrefixTimeoutCount, cfg.TimeoutLimit, cfg.TimeoutWindow).WithClock(m.now)
	return m
}

// Config returns the thresholds in use.
func (m *Mitigator) Config() Config {
	return m.cfg
}

// IncrementWarning records one abuse warning for ip. Reaching the warning
// limit puts the IP in timeout.
func (m *Mitigator) IncrementWarning(ctx context.Context, ip, reason string) (*WarningOutcome, error) {
	if ip == "" {
		return nil, ErrEmptyIP
	}

	d, err := m.warnings.Limit(ctx, ip)
	if err != nil {
		return nil, fmt.Errorf("failed to increment warning count: %w", err)
	}
	m.metrics.IncAbuseEvent("warning")

	out := &WarningOutcome{Count: d.Count, Limit: d.Limit}
	m.logger.Info("abuse warning recorded",
		zap.String("ip", ip),
		zap.String("reason", reason),
		zap.Int64("count", d.Count),
		zap.Int64("limit", d.Limit),
	)

	if d.Count < m.cfg.WarningLimit {
		return out, nil
	}

	rec, timeoutCount, err := m.applyTimeout(ctx, ip, ReasonWarningLimit+": "+reason)
	if err != nil {
		return out, err
	}
	out.TimedOut = true
	out.Timeout = rec
	out.DenyCandidate = timeoutCount > m.cfg.TimeoutLimit
	if out.DenyCandidate {
		m.logger.Warn("ip exceeded timeout limit, consider deny-listing",
			zap.String("ip", ip),
			zap.Int64("timeout_count", timeoutCount),
		)
	}
	return out, nil
}

// ApplyTimeout puts ip in timeout, escalating the duration with each timeout
// inside the timeout window.
func (m *Mitigator) ApplyTimeout(ctx context.Context, ip, reason string) (*types.TimeoutRecord, error) {
	if ip == "" {
		return nil, ErrEmptyIP
	}
	rec, _, err := m.applyTimeout(ctx, ip, reason)
	return rec, err
}

func (m *Mitigator) applyTimeout(ctx context.Context, ip, reason string) (*types.TimeoutRecord, int64, error) {
	d, err := m.timeouts.Limit(ctx, ip)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to increment timeout count: %w", err)
	}

	duration := TimeoutDuration(d.Count, m.cfg.BaseTimeout, m.cfg.MaxTimeout)
	rec := &types.TimeoutRecord{
		Until:        m.now().Add(duration).UTC(),
		Reason:       reason,
		TimeoutCount: int(d.Count),
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal timeout record: %w", err)
	}
	if err := m.store.Set(ctx, store.PrefixTimeout+ip, string(data), duration); err != nil {
		return nil, 0, fmt.Errorf("failed to write timeout record: %w", err)
	}

	// A new timeout starts the warning count over.
	if err := m.warnings.Reset(ctx, ip); err != nil {
		m.logger.Warn("failed to reset warning count", zap.String("ip", ip), zap.Error(err))
	}

	m.metrics.IncAbuseEvent("timeout")
	m.logger.Warn("ip timed out",
		zap.String("ip", ip),
		zap.String("reason", reason),
		zap.Int64("timeout_count", d.Count),
		zap.Duration("duration", duration),
	)
	return rec, d.Count, nil
}

// GetTimeout returns the active timeout for ip, or nil if there is none.
func (m *Mitigator) GetTimeout(ctx context.Context, ip string) (*types.TimeoutRecord, error) {
	if ip == "" {
		return nil, ErrEmptyIP
	}

	raw, err := m.store.Get(ctx, store.PrefixTimeout+ip)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read timeout record: %w", err)
	}

	var rec types.TimeoutRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal timeout record: %w", err)
	}
	if !rec.Until.After(m.now()) {
		return nil, nil
	}
	return &rec, nil
}

// ClearTimeout lifts an active timeout and clears the warning count.
// The escalation counter is kept so repeat offenders still escalate.
func (m *Mitigator) ClearTimeout(ctx context.Context, ip string) error {
	if ip == "" {
		return ErrEmptyIP
	}
	if err := m.store.Del(ctx, store.PrefixTimeout+ip, store.PrefixWarning+ip); err != nil {
		return fmt.Errorf("failed to clear timeout: %w", err)
	}
	m.metrics.IncAbuseEvent("clear")
	m.logger.Info("timeout cleared", zap.String("ip", ip))
	return nil
}

// DenyIP adds ip to the deny-list.
func (m *Mitigator) DenyIP(ctx context.Context, ip string) error {
	if ip == "" {
		return ErrEmptyIP
	}
	if err := m.store.SAdd(ctx, store.KeyDenyList, ip); err != nil {
		return fmt.Errorf("failed to deny ip: %w", err)
	}
	m.metrics.IncAbuseEvent("deny")
	m.logger.Warn("ip deny-listed", zap.String("ip", ip))
	return nil
}

// AllowIP removes ip from the deny-list.
func (m *Mitigator) AllowIP(ctx context.Context, ip string) error {
	if ip == "" {
		return ErrEmptyIP
	}
	if err := m.store.SRem(ctx, store.KeyDenyList, ip); err != nil {
		return fmt.Errorf("failed to allow ip: %w", err)
	}
	m.metrics.IncAbuseEvent("allow")
	m.logger.Info("ip removed from deny-list", zap.String("ip", ip))
	return nil
}

// IsIPDenied reports whether ip is on the deny-list.
func (m *Mitigator) IsIPDenied(ctx context.Context, ip string) (bool, error) {
	if ip == "" {
		return false, nil
	}
	ok, err := m.store.SIsMember(ctx, store.KeyDenyList, ip)
	if err != nil {
		return false, fmt.Errorf("failed to query deny-list: %w", err)
	}
	return ok, nil
}

// ListDenied returns the deny-list, sorted.
func (m *Mitigator) ListDenied(ctx context.Context) ([]string, error) {
	ips, err := m.store.SMembers(ctx, store.KeyDenyList)
	if err != nil {
		return nil, fmt.Errorf("failed to list deny-list: %w", err)
	}
	sort.Strings(ips)
	return ips, nil
}

// GetStatus returns the full abuse state of ip.
func (m *Mitigator) GetStatus(ctx context.Context, ip string) (*types.AbuseStatus, error) {
	if ip == "" {
		return nil, ErrEmptyIP
	}

	warnings, err := m.warnings.Peek(ctx, ip)
	if err != nil {
		return nil, fmt.Errorf("failed to read warning count: %w", err)
	}
	timeout, err := m.GetTimeout(ctx, ip)
	if err != nil {
		return nil, err
	}
	denied, err := m.IsIPDenied(ctx, ip)
	if err != nil {
		return nil, err
	}

	return &types.AbuseStatus{
		IP:           ip,
		Warnings:     warnings,
		WarningLimit: m.cfg.WarningLimit,
		Timeout:      timeout,
		Denied:       denied,
	}, nil
}
