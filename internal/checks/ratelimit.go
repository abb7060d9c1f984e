package checks

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"gatekeeper/internal/abuse"
	"gatekeeper/internal/ratelimit"
	"gatekeeper/internal/store"
	"gatekeeper/internal/types"
)

// Check names of the rate-limit family.
const (
	NameIPTimeout       = "ip_timeout"
	NameUserRateLimit   = "user_rate_limit"
	NameGlobalRateLimit = "global_rate_limit"
)

// ReasonRateLimitExceeded is the warning reason recorded when a user exceeds
// their rate limit.
const ReasonRateLimitExceeded = "rate_limit_exceeded"

// AbuseTracker is the part of the abuse mitigator the rate-limit checks use.
type AbuseTracker interface {
	GetTimeout(ctx context.Context, ip string) (*types.TimeoutRecord, error)
	IncrementWarning(ctx context.Context, ip, reason string) (*abuse.WarningOutcome, error)
}

var rateLimitOnError = OnError{
	Policy:   FailOpen,
	Code:     "rate_limit_error",
	Severity: types.SeverityWarning,
	Message:  "Rate limit could not be checked",
}

func retryAfterSeconds(d ratelimit.Decision, now time.Time) int64 {
	return int64(math.Ceil(d.RetryAfter(now).Seconds()))
}

// IPTimeout fails every request from an IP that is currently timed out.
// It is registered first so a timed-out IP never reaches the other checks.
type IPTimeout struct {
	tracker AbuseTracker
	now     func() time.Time
}

// NewIPTimeout creates the IP timeout gate.
func NewIPTimeout(t AbuseTracker) *IPTimeout {
	return &IPTimeout{tracker: t, now: time.Now}
}

func (*IPTimeout) Definition() Definition {
	return Definition{
		Name:         NameIPTimeout,
		Description:  "Rejects requests from IPs in an abuse timeout",
		Tier:         types.Tier1,
		Enabled:      true,
		Configurable: false,
		OnError:      rateLimitOnError,
	}
}

func (*IPTimeout) DefaultConfig() any   { return nil }
func (*IPTimeout) ConfigSchema() string { return "" }

func (c *IPTimeout) Run(ctx context.Context, p *Params) (types.CheckResult, error) {
	if p.IP == "" || c.tracker == nil {
		return skip(NameIPTimeout, "No IP address"), nil
	}

	rec, err := c.tracker.GetTimeout(ctx, p.IP)
	if err != nil {
		return types.CheckResult{}, err
	}
	if rec == nil {
		return pass(NameIPTimeout, "IP is not in timeout"), nil
	}

	now := c.now()
	remaining := rec.Remaining(now)
	return fail("ip_in_timeout",
		fmt.Sprintf("Too many violations. Try again in %d minutes", int64(math.Ceil(remaining.Minutes()))),
		types.SeverityError,
		map[string]any{
			"until":            rec.Until,
			"remainingSeconds": int64(math.Ceil(remaining.Seconds())),
			"timeoutCount":     rec.TimeoutCount,
		},
	), nil
}

// UserRateLimitConfig configures UserRateLimit.
type UserRateLimitConfig struct {
	Limit         int64 `json:"limit"`
	WindowSeconds int64 `json:"windowSeconds"`
	SkipAnonymous bool  `json:"skipAnonymous"`
	WarnOnExceed  bool  `json:"warnOnExceed"`
}

// UserRateLimit is a fixed-window limit per user id.
type UserRateLimit struct {
	store   store.CounterStore
	tracker AbuseTracker
	now     func() time.Time
}

// NewUserRateLimit creates the per-user rate limit check. tracker may be nil.
func NewUserRateLimit(s store.CounterStore, t AbuseTracker) *UserRateLimit {
	return &UserRateLimit{store: s, tracker: t, now: time.Now}
}

func (*UserRateLimit) Definition() Definition {
	return Definition{
		Name:         NameUserRateLimit,
		Description:  "Limits requests per user in a fixed window",
		Tier:         types.Tier3,
		Enabled:      true,
		Configurable: true,
		OnError:      rateLimitOnError,
	}
}

func (*UserRateLimit) DefaultConfig() any { return defaultUserRateLimitConfig() }

func defaultUserRateLimitConfig() UserRateLimitConfig {
	return UserRateLimitConfig{
		Limit:         20,
		WindowSeconds: 3600,
		SkipAnonymous: false,
		WarnOnExceed:  true,
	}
}

func (*UserRateLimit) ConfigSchema() string {
	return `{
  "type": "object",
  "properties": {
    "limit": {"type": "integer", "minimum": 1},
    "windowSeconds": {"type": "integer", "minimum": 1},
    "skipAnonymous": {"type": "boolean"},
    "warnOnExceed": {"type": "boolean"}
  },
  "additionalProperties": false
}`
}

// IsAnonymous reports whether userID identifies an anonymous caller.
func IsAnonymous(userID string) bool {
	return userID == "" || userID == "anonymous" || strings.HasPrefix(userID, "anon-")
}

func (c *UserRateLimit) Run(ctx context.Context, p *Params) (types.CheckResult, error) {
	cfg, err := decodeConfig(defaultUserRateLimitConfig(), p.Config)
	if err != nil {
		return types.CheckResult{}, err
	}

	if cfg.SkipAnonymous && IsAnonymous(p.UserID) {
		return skip(NameUserRateLimit, "Anonymous user"), nil
	}
	id := p.UserID
	if id == "" {
		if p.IP == "" {
			return skip(NameUserRateLimit, "No user id or IP"), nil
		}
		id = "ip:" + p.IP
	}

	limiter := ratelimit.NewFixedWindow(c.store, store.PrefixUserRate, cfg.Limit, time.Duration(cfg.WindowSeconds)*time.Second).WithClock(c.now)
	d, err := limiter.Limit(ctx, id)
	if err != nil {
		return types.CheckResult{}, err
	}
	if d.Allowed {
		r := pass(NameUserRateLimit, "Within rate limit")
		r.Details = map[string]any{"limit": d.Limit, "remaining": d.Remaining}
		return r, nil
	}

	retryAfter := retryAfterSeconds(d, c.now())
	details := map[string]any{
		"limit":             d.Limit,
		"resetAt":           d.Reset,
		"retryAfterSeconds": retryAfter,
	}
	if cfg.WarnOnExceed && p.IP != "" && c.tracker != nil {
		if _, err := c.tracker.IncrementWarning(ctx, p.IP, ReasonRateLimitExceeded); err != nil {
			p.logger().Error("failed to record rate limit warning", zap.String("ip", p.IP), zap.Error(err))
		} else {
			details[DetailWarningRecorded] = true
		}
	}

	return fail("rate_limit_user",
		fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", retryAfter),
		types.SeverityWarning,
		details,
	), nil
}

// DetailWarningRecorded marks a result whose check already recorded an abuse
// warning, so the orchestrator does not record a second one.
const DetailWarningRecorded = "warningRecorded"

// GlobalRateLimitConfig configures GlobalRateLimit.
type GlobalRateLimitConfig struct {
	HourlyLimit int64 `json:"hourlyLimit"`
	DailyLimit  int64 `json:"dailyLimit"`
}

// GlobalRateLimit caps total traffic with hourly and daily windows.
type GlobalRateLimit struct {
	store store.CounterStore
	now   func() time.Time
}

// NewGlobalRateLimit creates the global rate limit check.
func NewGlobalRateLimit(s store.CounterStore) *GlobalRateLimit {
	return &GlobalRateLimit{store: s, now: time.Now}
}

func (*GlobalRateLimit) Definition() Definition {
	return Definition{
		Name:         NameGlobalRateLimit,
		Description:  "Caps total requests per hour and per day",
		Tier:         types.Tier3,
		Enabled:      true,
		Configurable: true,
		OnError:      rateLimitOnError,
	}
}

func (*GlobalRateLimit) DefaultConfig() any { return defaultGlobalRateLimitConfig() }

func defaultGlobalRateLimitConfig() GlobalRateLimitConfig {
	return GlobalRateLimitConfig{HourlyLimit: 100, DailyLimit: 500}
}

func (*GlobalRateLimit) ConfigSchema() string {
	return `{
  "type": "object",
  "properties": {
    "hourlyLimit": {"type": "integer", "minimum": 1},
    "dailyLimit": {"type": "integer", "minimum": 1}
  },
  "additionalProperties": false
}`
}

func (c *GlobalRateLimit) Run(ctx context.Context, p *Params) (types.CheckResult, error) {
	cfg, err := decodeConfig(defaultGlobalRateLimitConfig(), p.Config)
	if err != nil {
		return types.CheckResult{}, err
	}

	windows := []struct {
		key    string
		limit  int64
		window time.Duration
		code   string
		label  string
	}{
		{store.KeyGlobalHourly, cfg.HourlyLimit, time.Hour, "rate_limit_global_hourly", "hourly"},
		{store.KeyGlobalDaily, cfg.DailyLimit, 24 * time.Hour, "rate_limit_global_daily", "daily"},
	}

	for _, w := range windows {
		d, err := ratelimit.NewFixedWindow(c.store, w.key, w.limit, w.window).WithClock(c.now).Limit(ctx, "")
		if err != nil {
			return types.CheckResult{}, err
		}
		if !d.Allowed {
			return fail(w.code,
				"Service is busy. Please try again later",
				types.SeverityWarning,
				map[string]any{
					"window":            w.label,
					"limit":             d.Limit,
					"resetAt":           d.Reset,
					"retryAfterSeconds": retryAfterSeconds(d, c.now()),
				},
			), nil
		}
	}

	return pass(NameGlobalRateLimit, "Within global limits"), nil
}
