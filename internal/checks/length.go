package checks

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"gatekeeper/internal/types"
)

// NameInputLength is the name of the input length check.
const NameInputLength = "input_length"

// LengthConfig configures InputLength.
type LengthConfig struct {
	MinLength int `json:"minLength"`
	MaxLength int `json:"maxLength"`
}

// InputLength bounds the length of the message, counted in characters.
type InputLength struct{}

func (InputLength) Definition() Definition {
	return Definition{
		Name:         NameInputLength,
		Description:  "Rejects messages that are too short or too long",
		Tier:         types.Tier1,
		Enabled:      true,
		Configurable: true,
		OnError: OnError{
			Policy:   FailOpen,
			Code:     "length_check_error",
			Severity: types.SeverityWarning,
			Message:  "Length check could not be completed",
		},
	}
}

func (InputLength) DefaultConfig() any { return defaultLengthConfig() }

func defaultLengthConfig() LengthConfig {
	return LengthConfig{MinLength: 4, MaxLength: 1000}
}

func (InputLength) ConfigSchema() string {
	return `{
  "type": "object",
  "properties": {
    "minLength": {"type": "integer", "minimum": 0},
    "maxLength": {"type": "integer", "minimum": 1}
  },
  "additionalProperties": false
}`
}

func (InputLength) Run(ctx context.Context, p *Params) (types.CheckResult, error) {
	cfg, err := decodeConfig(defaultLengthConfig(), p.Config)
	if err != nil {
		return types.CheckResult{}, err
	}

	trimmed := utf8.RuneCountInString(strings.TrimSpace(p.LastMessage))
	if trimmed < cfg.MinLength {
		return fail("input_too_short",
			fmt.Sprintf("Message must be at least %d characters", cfg.MinLength),
			types.SeverityInfo,
			map[string]any{"minLength": cfg.MinLength, "actualLength": trimmed},
		), nil
	}

	actual := utf8.RuneCountInString(p.LastMessage)
	if actual > cfg.MaxLength {
		return fail("input_too_long",
			fmt.Sprintf("Message must be at most %d characters", cfg.MaxLength),
			types.SeverityInfo,
			map[string]any{"maxLength": cfg.MaxLength, "actualLength": actual},
		), nil
	}

	return pass(NameInputLength, "Message length is acceptable"), nil
}
