// Package display maps preflight result codes to user-facing descriptors.
package display

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"gatekeeper/internal/types"
)

// DefaultCode is the entry used for codes with no mapping.
const DefaultCode = "default"

// Descriptor is what a client shows for a failed preflight.
type Descriptor struct {
	Title       string         `json:"title" yaml:"title"`
	Description string         `json:"description" yaml:"description"`
	Severity    types.Severity `json:"severity" yaml:"severity"`
	Action      string         `json:"action,omitempty" yaml:"action,omitempty"`
}

// Table maps result codes to descriptors.
type Table map[string]Descriptor

// Builtin returns a fresh copy of the built-in table.
func Builtin() Table {
	t := Table{
		DefaultCode: {
			Title:       "Request cannot be processed",
			Description: "Your message could not be processed. Please try again.",
			Severity:    types.SeverityError,
		},
		"empty_input": {
			Title:       "Empty message",
			Description: "Please enter a message.",
			Severity:    types.SeverityInfo,
		},
		"input_too_short": {
			Title:       "Message too short",
			Description: "Please write at least {minLength} characters.",
			Severity:    types.SeverityInfo,
		},
		"input_too_long": {
			Title:       "Message too long",
			Description: "Please keep your message under {maxLength} characters.",
			Severity:    types.SeverityInfo,
			Action:      "Shorten your message",
		},
		"unsafe_input": {
			Title:       "Invalid content",
			Description: "Your message contains content that cannot be processed.",
			Severity:    types.SeverityError,
		},
		"sanitization_error": {
			Title:       "Message could not be validated",
			Description: "Please rephrase your message and try again.",
			Severity:    types.SeverityError,
		},
		"blacklisted_keywords": {
			Title:       "Content not allowed",
			Description: "Your message contains language that is not allowed.",
			Severity:    types.SeverityError,
			Action:      "Rephrase your message",
		},
		"blacklist_check_error": {
			Title:       "Message could not be validated",
			Description: "Please rephrase your message and try again.",
			Severity:    types.SeverityError,
		},
		"unsupported_language": {
			Title:       "Language not supported",
			Description: "Please write your message in English.",
			Severity:    types.SeverityInfo,
		},
		"moderation_flagged": {
			Title:       "Content flagged",
			Description: "Your message was flagged by our content policy.",
			Severity:    types.SeverityError,
		},
		"jailbreak_attempt": {
			Title:       "Request not allowed",
			Description: "This request tries to bypass the assistant's safety rules.",
			Severity:    types.SeverityError,
		},
		"ethical_concerns": {
			Title:       "Request not allowed",
			Description: "This request raises ethical concerns and cannot be answered.",
			Severity:    types.SeverityError,
		},
		"copyright_risk": {
			Title:       "Copyrighted material",
			Description: "The assistant cannot reproduce copyrighted material.",
			Severity:    types.SeverityWarning,
		},
		"extremely_negative": {
			Title:       "Let's keep it constructive",
			Description: "Please rephrase your message in a more constructive way.",
			Severity:    types.SeverityWarning,
		},
		"off_topic": {
			Title:       "Off topic",
			Description: "This assistant can only help with related questions.",
			Severity:    types.SeverityInfo,
		},
		"pii_detected": {
			Title:       "Personal information detected",
			Description: "Please remove personal information such as phone numbers or addresses.",
			Severity:    types.SeverityWarning,
			Action:      "Remove personal details",
		},
		"rate_limit_user": {
			Title:       "Slow down",
			Description: "You have sent too many messages. Try again in {retryAfterSeconds} seconds.",
			Severity:    types.SeverityWarning,
			Action:      "Wait and retry",
		},
		"rate_limit_global_hourly": {
			Title:       "Service busy",
			Description: "The service is handling a lot of requests. Please try again later.",
			Severity:    types.SeverityWarning,
		},
		"rate_limit_global_daily": {
			Title:       "Daily limit reached",
			Description: "The service has reached its daily limit. Please try again tomorrow.",
			Severity:    types.SeverityWarning,
		},
		"ip_in_timeout": {
			Title:       "Temporarily blocked",
			Description: "Too many violations. Try again in {remainingSeconds} seconds.",
			Severity:    types.SeverityError,
		},
		"ip_denied": {
			Title:       "Access denied",
			Description: "Requests from your network are not accepted.",
			Severity:    types.SeverityError,
		},
		"invalid_check_config": {
			Title:       "Invalid request",
			Description: "The request options are not valid.",
			Severity:    types.SeverityError,
		},
		"system_error": {
			Title:       "Something went wrong",
			Description: "An unexpected error occurred. Please try again.",
			Severity:    types.SeverityError,
		},
	}
	return t
}

// Mapper resolves codes against a table. It is safe for concurrent use
// because the table is never mutated after construction.
type Mapper struct {
	table Table
}

// NewMapper creates a mapper from the built-in table merged with overrides.
// Override entries replace built-in entries field by field; empty fields keep
// the built-in value.
func NewMapper(overrides Table) (*Mapper, error) {
	t := Builtin()
	for code, o := range overrides {
		base, ok := t[code]
		if !ok {
			base = t[DefaultCode]
		}
		if o.Title != "" {
			base.Title = o.Title
		}
		if o.Description != "" {
			base.Description = o.Description
		}
		if o.Severity != "" {
			base.Severity = o.Severity
		}
		if o.Action != "" {
			base.Action = o.Action
		}
		t[code] = base
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &Mapper{table: t}, nil
}

// LoadFile reads a YAML override file and builds a mapper from it.
func LoadFile(path string) (*Mapper, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read error display file: %w", err)
	}

	var overrides Table
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse error display file: %w", err)
	}
	return NewMapper(overrides)
}

// Validate checks that the table has a default entry and that every entry
// has a title and a known severity.
func (t Table) Validate() error {
	if _, ok := t[DefaultCode]; !ok {
		return fmt.Errorf("display table has no %q entry", DefaultCode)
	}
	for code, d := range t {
		if d.Title == "" {
			return fmt.Errorf("display entry %s: title is required", code)
		}
		switch d.Severity {
		case types.SeverityInfo, types.SeverityWarning, types.SeverityError:
		default:
			return fmt.Errorf("display entry %s: invalid severity %q", code, d.Severity)
		}
	}
	return nil
}

// Map returns the descriptor for code, or the default descriptor.
func (m *Mapper) Map(code string) Descriptor {
	if d, ok := m.table[code]; ok {
		return d
	}
	return m.table[DefaultCode]
}

// Render maps res.Code and fills {key} placeholders from res.Details.
// Placeholders without a matching detail are removed along with the braces.
func (m *Mapper) Render(res *types.CheckResult) Descriptor {
	if res == nil {
		return m.Map(DefaultCode)
	}
	d := m.Map(res.Code)
	d.Title = substitute(d.Title, res.Details)
	d.Description = substitute(d.Description, res.Details)
	return d
}

var placeholder = regexp.MustCompile(`\{([A-Za-z][A-Za-z0-9_]*)\}`)

func substitute(s string, details map[string]any) string {
	if !strings.Contains(s, "{") {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		key := m[1 : len(m)-1]
		v, ok := details[key]
		if !ok {
			return ""
		}
		return fmt.Sprint(v)
	})
}
