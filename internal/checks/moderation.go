package checks

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"gatekeeper/internal/llm"
	"gatekeeper/internal/types"
	"gatekeeper/internal/util"
)

// NameContentModeration is the name of the content moderation check.
const NameContentModeration = "content_moderation"

// ModerationConfig configures ContentModeration.
type ModerationConfig struct {
	Threshold          float64            `json:"threshold"`
	StrictCategories   []string           `json:"strictCategories"`
	CategoryThresholds map[string]float64 `json:"categoryThresholds"`
}

// ContentModeration delegates to an external moderation endpoint. Strict
// categories block whenever flagged; the rest block when their score reaches
// the threshold. Service failures fail open.
type ContentModeration struct {
	moderator llm.Moderator
}

// NewContentModeration creates the moderation check. A nil moderator makes
// the check skip.
func NewContentModeration(m llm.Moderator) *ContentModeration {
	return &ContentModeration{moderator: m}
}

func (*ContentModeration) Definition() Definition {
	return Definition{
		Name:         NameContentModeration,
		Description:  "Classifies the message with an external moderation service",
		Tier:         types.Tier2,
		Enabled:      true,
		Configurable: true,
		OnError: OnError{
			Policy:   FailOpen,
			Code:     "moderation_error",
			Severity: types.SeverityError,
			Message:  "Moderation service unavailable",
		},
	}
}

func (*ContentModeration) DefaultConfig() any { return defaultModerationConfig() }

func defaultModerationConfig() ModerationConfig {
	return ModerationConfig{
		Threshold: 0.7,
		StrictCategories: []string{
			"sexual/minors",
			"self-harm/intent",
			"self-harm/instructions",
			"hate/threatening",
			"harassment/threatening",
			"illicit/violent",
		},
	}
}

func (*ContentModeration) ConfigSchema() string {
	return `{
  "type": "object",
  "properties": {
    "threshold": {"type": "number", "minimum": 0, "maximum": 1},
    "strictCategories": {"type": "array", "items": {"type": "string"}},
    "categoryThresholds": {
      "type": "object",
      "additionalProperties": {"type": "number", "minimum": 0, "maximum": 1}
    }
  },
  "additionalProperties": false
}`
}

func (c *ContentModeration) Run(ctx context.Context, p *Params) (types.CheckResult, error) {
	if c.moderator == nil {
		return skip(NameContentModeration, "Moderation service not configured"), nil
	}

	cfg, err := decodeConfig(defaultModerationConfig(), p.Config)
	if err != nil {
		return types.CheckResult{}, err
	}

	resp, err := c.moderator.Moderate(ctx, p.LastMessage)
	if err != nil {
		return types.CheckResult{}, err
	}
	if len(resp.Results) == 0 {
		p.logger().Error("moderation returned no results")
		return types.CheckResult{
			Passed:   true,
			Code:     "moderation_no_results",
			Message:  "Moderation service returned no results",
			Severity: types.SeverityError,
		}, nil
	}

	offending := map[string]float64{}
	for _, res := range resp.Results {
		for category, flagged := range res.Categories {
			if flagged && util.StringSliceContains(cfg.StrictCategories, category) {
				offending[category] = res.CategoryScores[category]
			}
		}
		for category, score := range res.CategoryScores {
			if util.StringSliceContains(cfg.StrictCategories, category) {
				continue
			}
			threshold := cfg.Threshold
			if t, ok := cfg.CategoryThresholds[category]; ok {
				threshold = t
			}
			if score >= threshold {
				offending[category] = score
			}
		}
	}

	if len(offending) == 0 {
		return pass(NameContentModeration, "Content passed moderation"), nil
	}

	categories := make([]string, 0, len(offending))
	for category := range offending {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	p.logger().Info("content flagged by moderation", zap.Strings("categories", categories))
	return fail("moderation_flagged",
		"Message was flagged by content moderation",
		types.SeverityError,
		map[string]any{"categories": categories},
	), nil
}
