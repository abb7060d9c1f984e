package checks

import (
	"gatekeeper/internal/llm"
	"gatekeeper/internal/store"
)

// Deps are the collaborators the built-in checks need. Moderator and
// Analyzer may be nil, in which case those checks skip.
type Deps struct {
	Store     store.CounterStore
	Abuse     AbuseTracker
	Moderator llm.Moderator
	Analyzer  Analyzer
}

// Defaults returns the built-in checks in registration order. The IP timeout
// gate comes first so it precedes every other tier 1 check.
func Defaults(deps Deps) []Check {
	return []Check{
		NewIPTimeout(deps.Abuse),
		InputLength{},
		NewInputSanitization(),
		NewBlacklistKeywords(),
		Language{},
		NewContentModeration(deps.Moderator),
		NewUserRateLimit(deps.Store, deps.Abuse),
		NewGlobalRateLimit(deps.Store),
		NewAIContentAnalysis(deps.Analyzer),
	}
}
