package domain

// SymbolHit is produced when a rule fires. Options honor one-param by
// rejecting additions past the first (enforced by the scoring engine,
// not here, since the engine also needs to detect duplicate options).
type SymbolHit struct {
	RuleName string
	Score    float64
	Options  []string
	Shots    int
	Def      *Rule
}

// RuleScoreDef is the per-rule entry in a Metric's scoring table.
type RuleScoreDef struct {
	Score       float64
	Description string
	Group       string
	Flags       Flags
	NShots      int // 0 means "use metric.DefaultMaxShots"
}

// Group caps the running total contributed by every rule tagged with it.
type Group struct {
	Name     string
	MaxScore float64 // <= 0 means uncapped
}

// Metric is the named scoring namespace: weights, thresholds, groups.
type Metric struct {
	Name            string
	Rules           map[string]*RuleScoreDef
	Thresholds      map[Action]float64 // NaN entries are "not configured"
	GrowFactor      float64
	Groups          map[string]*Group
	DefaultMaxShots int
}

func NewMetric(name string) *Metric {
	return &Metric{
		Name:            name,
		Rules:           make(map[string]*RuleScoreDef),
		Thresholds:      make(map[Action]float64),
		Groups:          make(map[string]*Group),
		DefaultMaxShots: 1,
	}
}

// MetricResult is the per-task, per-metric accumulator.
type MetricResult struct {
	Metric        *Metric
	Score         float64
	GrowFactor    float64 // starts at 0, reset to Metric.GrowFactor on first positive hit
	GroupTotals   map[string]float64
	Hits          map[string]*SymbolHit
	Action        Action
	ActionIsKnown bool
}

func NewMetricResult(m *Metric) *MetricResult {
	return &MetricResult{
		Metric:      m,
		GroupTotals: make(map[string]float64),
		Hits:        make(map[string]*SymbolHit),
		Action:      ActionNoAction,
	}
}

// PreResult is an early verdict a pre-filter may force via SetPreResult.
type PreResult struct {
	Set     bool
	Action  Action
	Message string
}

// Settings is a per-request override map consulted by the scoring
// engine before resolving a symbol's configured weight (§6.4).
type Settings map[string]float64

// Lookup returns the override for name and whether it is present.
func (s Settings) Lookup(name string) (float64, bool) {
	if s == nil {
		return 0, false
	}
	v, ok := s[name]
	return v, ok
}
