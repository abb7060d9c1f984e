package checks

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"gatekeeper/internal/types"
)

// NameInputSanitization is the name of the input sanitization check.
const NameInputSanitization = "input_sanitization"

var scriptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*script\b`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)vbscript\s*:`),
	regexp.MustCompile(`(?i)<[^>]*\son[a-z]+\s*=`),
	regexp.MustCompile(`(?i)<\s*(iframe|object|embed)\b`),
	regexp.MustCompile(`(?i)data\s*:\s*text/html`),
}

// SQL statements must be preceded by start of input, whitespace or a
// semicolon so that words like "selection" do not match. A single-column
// SELECT reads like English ("select one from the menu"), so it only counts
// right after a quote or statement terminator.
var sqlPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(^|[\s;])select\s+(\*|[\w.]+(\s*,\s*[\w.]+)+)\s+from\s`),
	regexp.MustCompile(`(?i)[;'"]\s*select\s+[\w.]+\s+from\s+[\w.]+`),
	regexp.MustCompile(`(?i)(^|[\s;])union\s+(all\s+)?select\s`),
	regexp.MustCompile(`(?i)(^|[\s;])insert\s+into\s+\w+`),
	regexp.MustCompile(`(?i)(^|[\s;])update\s+\w+\s+set\s+\w+\s*=`),
	regexp.MustCompile(`(?i)(^|[\s;])delete\s+from\s+\w+`),
	regexp.MustCompile(`(?i)(^|[\s;])(drop|truncate|alter)\s+(table|database|schema)\s`),
	regexp.MustCompile(`(?i)(^|[\s;])exec(ute)?\s+(xp_|sp_)\w+`),
	regexp.MustCompile(`(?i)'\s*or\s+'?\d+'?\s*=\s*'?\d+`),
	regexp.MustCompile(`(?i);\s*--`),
}

// SanitizeConfig configures InputSanitization.
type SanitizeConfig struct {
	CheckScripts       bool     `json:"checkScripts"`
	CheckSQL           bool     `json:"checkSql"`
	AdditionalPatterns []string `json:"additionalPatterns"`
}

// InputSanitization screens for script and SQL injection patterns. It is the
// one check that fails closed on an internal error.
type InputSanitization struct {
	compiled sync.Map // pattern -> *regexp.Regexp
}

// NewInputSanitization creates the sanitization check.
func NewInputSanitization() *InputSanitization {
	return &InputSanitization{}
}

func (*InputSanitization) Definition() Definition {
	return Definition{
		Name:         NameInputSanitization,
		Description:  "Blocks script and SQL injection patterns",
		Tier:         types.Tier1,
		Enabled:      true,
		Configurable: true,
		OnError: OnError{
			Policy:   FailClosed,
			Code:     "sanitization_error",
			Severity: types.SeverityError,
			Message:  "Message could not be validated",
		},
	}
}

func (*InputSanitization) DefaultConfig() any { return defaultSanitizeConfig() }

func defaultSanitizeConfig() SanitizeConfig {
	return SanitizeConfig{CheckScripts: true, CheckSQL: true}
}

func (*InputSanitization) ConfigSchema() string {
	return `{
  "type": "object",
  "properties": {
    "checkScripts": {"type": "boolean"},
    "checkSql": {"type": "boolean"},
    "additionalPatterns": {"type": "array", "items": {"type": "string", "minLength": 1}}
  },
  "additionalProperties": false
}`
}

func (c *InputSanitization) Run(ctx context.Context, p *Params) (types.CheckResult, error) {
	cfg, err := decodeConfig(defaultSanitizeConfig(), p.Config)
	if err != nil {
		return types.CheckResult{}, err
	}

	msg := p.LastMessage
	if cfg.CheckScripts && matchAny(scriptPatterns, msg) {
		return unsafe("script"), nil
	}
	if cfg.CheckSQL && matchAny(sqlPatterns, msg) {
		return unsafe("sql"), nil
	}
	for _, pattern := range cfg.AdditionalPatterns {
		re, err := c.compile(pattern)
		if err != nil {
			return types.CheckResult{}, err
		}
		if re.MatchString(msg) {
			return unsafe("custom"), nil
		}
	}

	return pass(NameInputSanitization, "No unsafe patterns found"), nil
}

func (c *InputSanitization) compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := c.compiled.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid additional pattern: %w", err)
	}
	c.compiled.Store(pattern, re)
	return re, nil
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func unsafe(category string) types.CheckResult {
	return fail("unsafe_input",
		"Message contains potentially unsafe content",
		types.SeverityError,
		map[string]any{"category": category},
	)
}
