package domain

import "strings"

// Action is a canonical recommendation action.
type Action string

const (
	ActionBuy       Action = "BUY"
	ActionSell      Action = "SELL"
	ActionHold      Action = "HOLD"
	ActionSellShort Action = "SELL_SHORT"
)

// ParseAction maps a provider-supplied action string onto the canonical
// set, case-insensitively. Unrecognized strings return ok=false so the
// caller can drop the entry instead of aborting the whole parse.
func ParseAction(raw string) (Action, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "BUY":
		return ActionBuy, true
	case "SELL":
		return ActionSell, true
	case "HOLD":
		return ActionHold, true
	case "SELL_SHORT", "SELL SHORT", "SHORT":
		return ActionSellShort, true
	}
	return "", false
}

// Recommendation is a single normalized stock recommendation.
type Recommendation struct {
	Ticker            string   `json:"ticker"`
	Action            Action   `json:"action"`
	AllocationPercent float64  `json:"allocation_percent"`
	Confidence        *float64 `json:"confidence,omitempty"` // 0..1
	Rationale         string   `json:"rationale,omitempty"`
	CompanyName       string   `json:"company_name,omitempty"`
	TargetPrice       *float64 `json:"target_price,omitempty"`
}

// MarketContext carries optional macro commentary attached to a result.
type MarketContext struct {
	MarketRegime string   `json:"market_regime,omitempty"`
	KeyThemes    []string `json:"key_themes,omitempty"`
	MacroRisks   []string `json:"macro_risks,omitempty"`
}

// CanonicalResult is the provider-agnostic output every parser produces.
// An empty Recommendations list is a legitimate provider response, not
// an error.
type CanonicalResult struct {
	Provider        ProviderID        `json:"provider,omitempty"`
	RequestID       string            `json:"request_id,omitempty"`
	TaskID          string            `json:"task_id,omitempty"`
	StrategyID      string            `json:"strategy_id,omitempty"`
	Source          string            `json:"source"`
	AnalysisSummary string            `json:"analysis_summary,omitempty"`
	Recommendations []Recommendation  `json:"recommendations"`
	MarketContext   *MarketContext    `json:"market_context,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}
