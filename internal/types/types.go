// Package types contains shared types for the Gatekeeper preflight service.
package types

import (
	"time"
)

// Severity classifies how serious a check outcome is.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError:
		return true
	default:
		return false
	}
}

// Tier is a cost/strictness bucket. Lower tiers are cheaper and run first.
type Tier int

const (
	Tier1 Tier = 1
	Tier2 Tier = 2
	Tier3 Tier = 3
	Tier4 Tier = 4
)

// AllTiers lists every tier in execution order.
var AllTiers = []Tier{Tier1, Tier2, Tier3, Tier4}

// Valid reports whether t is within 1..4.
func (t Tier) Valid() bool {
	return t >= Tier1 && t <= Tier4
}

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is a single entry of a conversation.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ConversationContext describes the application the chat belongs to.
// Some checks use it for relevance judgments.
type ConversationContext struct {
	SystemPrompt string `json:"systemPrompt,omitempty"`
	Purpose      string `json:"purpose,omitempty"`
	AppName      string `json:"appName,omitempty"`
}

// CheckResult is the outcome of a single check.
type CheckResult struct {
	Passed          bool           `json:"passed"`
	Code            string         `json:"code"`
	Message         string         `json:"message"`
	Severity        Severity       `json:"severity"`
	Details         map[string]any `json:"details,omitempty"`
	ExecutionTimeMs int64          `json:"executionTimeMs,omitempty"`
}

// NamedCheckResult pairs a result with the check that produced it.
type NamedCheckResult struct {
	Check  string      `json:"check"`
	Tier   Tier        `json:"tier"`
	Result CheckResult `json:"result"`
}

// PreflightResult is the top-level outcome of a preflight run.
type PreflightResult struct {
	RequestID       string             `json:"requestId"`
	AuditID         string             `json:"auditId,omitempty"`
	Passed          bool               `json:"passed"`
	FailedCheck     string             `json:"failedCheck,omitempty"`
	Result          *CheckResult       `json:"result,omitempty"`
	CheckResults    []NamedCheckResult `json:"checkResults,omitempty"`
	ExecutionTimeMs int64              `json:"executionTimeMs"`
}

// Code returns the failing result code, or "" when the run passed.
func (r *PreflightResult) Code() string {
	if r == nil || r.Result == nil || r.Passed {
		return ""
	}
	return r.Result.Code
}

// TimeoutRecord marks an IP as temporarily blocked.
type TimeoutRecord struct {
	Until        time.Time `json:"until"`
	Reason       string    `json:"reason"`
	TimeoutCount int       `json:"timeoutCount"`
}

// Remaining returns how long the timeout still applies at now.
func (r *TimeoutRecord) Remaining(now time.Time) time.Duration {
	if r == nil {
		return 0
	}
	d := r.Until.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// AbuseStatus is an operator view of the abuse state of one IP.
type AbuseStatus struct {
	IP           string         `json:"ip"`
	Warnings     int64          `json:"warnings"`
	WarningLimit int64          `json:"warningLimit"`
	Timeout      *TimeoutRecord `json:"timeout,omitempty"`
	Denied       bool           `json:"denied"`
}

// AuditRecord is the persisted trace of one preflight run.
// Message content is never stored; only its SHA-256 hash.
type AuditRecord struct {
	AuditID         string             `json:"auditId"`
	RequestID       string             `json:"requestId"`
	UserID          string             `json:"userId"`
	IP              string             `json:"ip,omitempty"`
	UserAgent       string             `json:"userAgent,omitempty"`
	Passed          bool               `json:"passed"`
	FailedCheck     string             `json:"failedCheck,omitempty"`
	Code            string             `json:"code,omitempty"`
	Severity        Severity           `json:"severity,omitempty"`
	MessageHash     string             `json:"messageHash,omitempty"`
	CheckResults    []NamedCheckResult `json:"checkResults,omitempty"`
	ExecutionTimeMs int64              `json:"executionTimeMs"`
	CreatedAt       time.Time          `json:"createdAt"`
}

// HealthResponse is the response for health check endpoints.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}
