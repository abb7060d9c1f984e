package checks

import (
	"context"
	_ "embed"
	"math"
	"regexp"
	"strings"

	"github.com/abadojack/whatlanggo"

	"gatekeeper/internal/types"
	"gatekeeper/internal/util"
)

// NameLanguage is the name of the language check.
const NameLanguage = "language"

//go:embed english_words.txt
var englishWordsRaw string

var englishWords = func() map[string]struct{} {
	words := strings.Fields(englishWordsRaw)
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}()

// Common English request shapes pass without detection.
var imperativePattern = regexp.MustCompile(`(?i)^\s*(please\s+)?(tell|show|explain|describe|list|give|write|help|summarize|compare|translate|find|create|make|what|how|why|when|where|who|which|can you|could you|would you|is|are|do|does|did)\b`)

var codePattern = regexp.MustCompile("(?m)(```|^\\s*(func|def|class|import|package|const|let|var|public|private|#include|SELECT)\\b|[{};]\\s*$)")

// LanguageConfig configures Language.
type LanguageConfig struct {
	AllowedLanguages     []string `json:"allowedLanguages"`
	MinConfidence        float64  `json:"minConfidence"`
	MinEnglishPercentage float64  `json:"minEnglishPercentage"`
	ShortInputWords      int      `json:"shortInputWords"`
}

// Language rejects messages that are not in an allowed language. It combines
// a statistical detector with an English dictionary ratio, and fails open.
type Language struct{}

func (Language) Definition() Definition {
	return Definition{
		Name:         NameLanguage,
		Description:  "Rejects messages not written in an allowed language",
		Tier:         types.Tier1,
		Enabled:      true,
		Configurable: true,
		OnError: OnError{
			Policy:   FailOpen,
			Code:     "language_check_error",
			Severity: types.SeverityWarning,
			Message:  "Language check could not be completed",
		},
	}
}

func (Language) DefaultConfig() any { return defaultLanguageConfig() }

func defaultLanguageConfig() LanguageConfig {
	return LanguageConfig{
		AllowedLanguages:     []string{"en"},
		MinConfidence:        0.5,
		MinEnglishPercentage: 30,
		ShortInputWords:      5,
	}
}

func (Language) ConfigSchema() string {
	return `{
  "type": "object",
  "properties": {
    "allowedLanguages": {"type": "array", "items": {"type": "string", "minLength": 2, "maxLength": 3}, "minItems": 1},
    "minConfidence": {"type": "number", "minimum": 0, "maximum": 1},
    "minEnglishPercentage": {"type": "number", "minimum": 0, "maximum": 100},
    "shortInputWords": {"type": "integer", "minimum": 0}
  },
  "additionalProperties": false
}`
}

func (Language) Run(ctx context.Context, p *Params) (types.CheckResult, error) {
	cfg, err := decodeConfig(defaultLanguageConfig(), p.Config)
	if err != nil {
		return types.CheckResult{}, err
	}

	msg := p.LastMessage
	words := tokenize(strings.ToLower(msg))

	if len(words) <= cfg.ShortInputWords {
		return skip(NameLanguage, "Short input"), nil
	}
	if codePattern.MatchString(msg) {
		return skip(NameLanguage, "Code detected"), nil
	}
	if util.StringSliceContains(cfg.AllowedLanguages, "en") && imperativePattern.MatchString(msg) {
		return pass(NameLanguage, "Common English request"), nil
	}

	info := whatlanggo.Detect(msg)
	detected := info.Lang.Iso6391()
	englishPct := englishPercentage(words)

	if util.StringSliceContains(cfg.AllowedLanguages, detected) && info.Confidence >= cfg.MinConfidence {
		return pass(NameLanguage, "Language is supported"), nil
	}
	if util.StringSliceContains(cfg.AllowedLanguages, "en") && englishPct > cfg.MinEnglishPercentage {
		return pass(NameLanguage, "Language is supported"), nil
	}

	return fail("unsupported_language",
		"Please write your message in a supported language",
		types.SeverityInfo,
		map[string]any{
			"detectedLanguage":  detected,
			"confidence":        math.Round(info.Confidence*100) / 100,
			"englishPercentage": math.Round(englishPct),
			"allowedLanguages":  cfg.AllowedLanguages,
		},
	), nil
}

// englishPercentage returns the share of dictionary words among words, 0..100.
// Single letters other than "a" and "i" are ignored.
func englishPercentage(words []string) float64 {
	total, known := 0, 0
	for _, w := range words {
		if len(w) == 1 && w != "a" && w != "i" {
			continue
		}
		total++
		if _, ok := englishWords[w]; ok {
			known++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(known) / float64(total) * 100
}
