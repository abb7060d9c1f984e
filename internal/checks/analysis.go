package checks

import (
	"context"

	"gatekeeper/internal/llm"
	"gatekeeper/internal/types"
)

// NameAIContentAnalysis is the name of the AI content analysis check.
const NameAIContentAnalysis = "ai_content_analysis"

// AnalysisConfig configures AIContentAnalysis.
type AnalysisConfig struct {
	JailbreakThreshold         float64 `json:"jailbreakThreshold"`
	BlockJailbreak             bool    `json:"blockJailbreak"`
	EthicalThreshold           float64 `json:"ethicalThreshold"`
	BlockEthical               bool    `json:"blockEthical"`
	CopyrightThreshold         float64 `json:"copyrightThreshold"`
	BlockCopyright             bool    `json:"blockCopyright"`
	NegativeSentimentThreshold float64 `json:"negativeSentimentThreshold"`
	BlockNegative              bool    `json:"blockNegative"`
	RelevanceThreshold         float64 `json:"relevanceThreshold"`
	BlockOffTopic              bool    `json:"blockOffTopic"`
	BlockPII                   bool    `json:"blockPII"`
}

// Analyzer is implemented by llm.ContentAnalyzer.
type Analyzer interface {
	Analyze(ctx context.Context, req *llm.AnalysisRequest) (*llm.AnalysisResult, error)
}

// AIContentAnalysis scores the message with a generative classifier and
// blocks on the first dimension over its threshold, in priority order
// jailbreak, ethical, copyright, negative sentiment, then off-topic and PII.
type AIContentAnalysis struct {
	analyzer Analyzer
}

// NewAIContentAnalysis creates the analysis check. A nil analyzer makes the
// check skip.
func NewAIContentAnalysis(a Analyzer) *AIContentAnalysis {
	return &AIContentAnalysis{analyzer: a}
}

func (*AIContentAnalysis) Definition() Definition {
	return Definition{
		Name:         NameAIContentAnalysis,
		Description:  "Scores jailbreak, ethics, copyright, sentiment, relevance and PII with a model",
		Tier:         types.Tier4,
		Enabled:      true,
		Configurable: true,
		OnError: OnError{
			Policy:   FailOpen,
			Code:     "content_analysis_error",
			Severity: types.SeverityWarning,
			Message:  "Content analysis unavailable",
		},
	}
}

func (*AIContentAnalysis) DefaultConfig() any { return defaultAnalysisConfig() }

func defaultAnalysisConfig() AnalysisConfig {
	return AnalysisConfig{
		JailbreakThreshold:         0.8,
		BlockJailbreak:             true,
		EthicalThreshold:           0.8,
		BlockEthical:               true,
		CopyrightThreshold:         0.8,
		BlockCopyright:             true,
		NegativeSentimentThreshold: 0.9,
		BlockNegative:              true,
		RelevanceThreshold:         0.2,
		BlockOffTopic:              false,
		BlockPII:                   false,
	}
}

func (*AIContentAnalysis) ConfigSchema() string {
	return `{
  "type": "object",
  "properties": {
    "jailbreakThreshold": {"type": "number", "minimum": 0, "maximum": 1},
    "blockJailbreak": {"type": "boolean"},
    "ethicalThreshold": {"type": "number", "minimum": 0, "maximum": 1},
    "blockEthical": {"type": "boolean"},
    "copyrightThreshold": {"type": "number", "minimum": 0, "maximum": 1},
    "blockCopyright": {"type": "boolean"},
    "negativeSentimentThreshold": {"type": "number", "minimum": 0, "maximum": 1},
    "blockNegative": {"type": "boolean"},
    "relevanceThreshold": {"type": "number", "minimum": 0, "maximum": 1},
    "blockOffTopic": {"type": "boolean"},
    "blockPII": {"type": "boolean"}
  },
  "additionalProperties": false
}`
}

func (c *AIContentAnalysis) Run(ctx context.Context, p *Params) (types.CheckResult, error) {
	if c.analyzer == nil {
		return skip(NameAIContentAnalysis, "Content analysis not configured"), nil
	}

	cfg, err := decodeConfig(defaultAnalysisConfig(), p.Config)
	if err != nil {
		return types.CheckResult{}, err
	}

	res, err := c.analyzer.Analyze(ctx, &llm.AnalysisRequest{
		Message: p.LastMessage,
		Context: p.ConversationContext,
	})
	if err != nil {
		return types.CheckResult{}, err
	}

	scores := map[string]any{
		"jailbreak":         res.JailbreakLikelihood,
		"ethicalConcern":    res.EthicalConcern,
		"copyrightRisk":     res.CopyrightRisk,
		"negativeSentiment": res.NegativeSentiment,
		"relevance":         res.Relevance,
		"containsPII":       res.ContainsPII,
	}

	switch {
	case cfg.BlockJailbreak && res.JailbreakLikelihood >= cfg.JailbreakThreshold:
		return fail("jailbreak_attempt", "Message appears to be an attempt to bypass safety rules", types.SeverityError, scores), nil
	case cfg.BlockEthical && res.EthicalConcern >= cfg.EthicalThreshold:
		return fail("ethical_concerns", "Message raises ethical concerns", types.SeverityError, scores), nil
	case cfg.BlockCopyright && res.CopyrightRisk >= cfg.CopyrightThreshold:
		return fail("copyright_risk", "Message requests copyrighted material", types.SeverityWarning, scores), nil
	case cfg.BlockNegative && res.NegativeSentiment >= cfg.NegativeSentimentThreshold:
		return fail("extremely_negative", "Message is extremely negative", types.SeverityWarning, scores), nil
	case cfg.BlockOffTopic && p.ConversationContext != nil && res.Relevance < cfg.RelevanceThreshold:
		return fail("off_topic", "Message is not related to this assistant", types.SeverityInfo, scores), nil
	case cfg.BlockPII && res.ContainsPII:
		scores["piiTypes"] = res.PIITypes
		return fail("pii_detected", "Message appears to contain personal information", types.SeverityWarning, scores), nil
	}

	r := pass(NameAIContentAnalysis, "Content analysis passed")
	r.Details = scores
	return r, nil
}
