package classifier

import (
	"context"

	"github.com/contentguard/scanner/core/domain"
	"github.com/contentguard/scanner/core/service/scoring"
)

// NewRuleCallback adapts a Pipeline's classify stage into a
// domain.Callback suitable for scheduler.AddSymbol, the "classifier-
// batch" branch of the rule runner's polymorphic dispatch (§4.4). Every
// hit Process emits is inserted into metric through the scoring engine
// so it participates in group caps, grow-factor and action selection
// exactly like a native or scripted rule's hit would.
func NewRuleCallback(p *Pipeline, cfg ClassifierConfig, metric *domain.Metric) domain.Callback {
	return func(task *domain.Task, r *domain.Rule) (domain.Closure, error) {
		hits, err := p.Process(context.Background(), task, cfg)
		if err != nil {
			return nil, err
		}
		// Process already scaled each hit's Score by cfg.Weight and
		// confidence; pass it through as InsertResult's multiplier against
		// a metric.Rules entry configured with Score: 1, so group caps,
		// grow-factor and settings overrides apply the same way they do
		// to a native rule's hit.
		for _, h := range hits {
			multiplier := 1.0
			if h.Score != 0 {
				multiplier = h.Score
			}
			opt := ""
			if len(h.Options) > 0 {
				opt = h.Options[0]
			}
			scoring.InsertResult(task, metric, h.RuleName, multiplier, opt)
		}
		return nil, nil
	}
}
