// Package scoring implements the scoring and action engine (§4.3):
// per-metric aggregation of fired symbols into a score, grouped-score
// caps, grow-factor, multi-shot limits, and action selection.
package scoring

import (
	"math"

	"github.com/contentguard/scanner/core/domain"
)

// InsertResult accumulates one symbol firing into task's MetricResult
// for metric, applying the seven-step clamped-diff algorithm of §4.3.
// It returns the resulting hit, reflecting its post-clamp score.
func InsertResult(task *domain.Task, metric *domain.Metric, symbolName string, multiplier float64, option string) *domain.SymbolHit {
	mr := task.Result(metric)

	// Step 1/2: resolve the symbol's configured weight, or 0 if absent
	// from this metric (no group cap applies in that case either).
	def, known := metric.Rules[symbolName]
	var w float64
	var group string
	maxShots := metric.DefaultMaxShots
	var flags domain.Flags
	if known {
		w = def.Score * multiplier
		group = def.Group
		flags = def.Flags
		if def.NShots != 0 {
			maxShots = def.NShots
		}
	}
	if override, ok := task.Settings.Lookup(symbolName); ok {
		w = override * multiplier
	}

	// Step 3: shot policy.
	if flags.Has(domain.FlagOneShot) {
		maxShots = 1
	}

	existing, hadHit := mr.Hits[symbolName]

	// Step 4: compute diff against any existing hit on this metric.
	var diff float64
	singleShot := false
	if hadHit {
		duplicateOption := option != "" && containsOption(existing.Options, option)
		if duplicateOption {
			singleShot = true
		}
		if existing.Shots >= maxShots {
			singleShot = true
		}
		if singleShot {
			if math.Abs(w) > math.Abs(existing.Score) && sameSign(w, existing.Score) {
				diff = w - existing.Score
			} else {
				diff = 0
			}
		} else {
			diff = w
		}
	} else {
		diff = w
	}

	// Step 5: grow-factor.
	if mr.GrowFactor > 0 && diff > 0 {
		diff *= mr.GrowFactor
	}
	if diff > 0 {
		mr.GrowFactor = metric.GrowFactor
	}

	// Step 6: group cap.
	if group != "" {
		if g, ok := metric.Groups[group]; ok && g.MaxScore > 0 {
			running := mr.GroupTotals[group]
			if running >= g.MaxScore && diff > 0 {
				diff = math.NaN()
			} else if diff > 0 {
				if remaining := g.MaxScore - running; diff > remaining {
					diff = remaining
				}
			}
		}
	}

	// Step 7: apply, unless the group cap dropped this contribution.
	if math.IsNaN(diff) {
		if !hadHit {
			existing = &domain.SymbolHit{RuleName: symbolName}
			mr.Hits[symbolName] = existing
		}
		return existing
	}

	mr.Score += diff
	if group != "" {
		mr.GroupTotals[group] += diff
	}

	if !hadHit {
		existing = &domain.SymbolHit{RuleName: symbolName, Def: ruleOf(metric, symbolName)}
		mr.Hits[symbolName] = existing
	}
	existing.Score += diff
	existing.Shots++
	if option != "" && !flags.Has(domain.FlagOneParam) && !containsOption(existing.Options, option) {
		existing.Options = append(existing.Options, option)
	}

	return existing
}

func sameSign(a, b float64) bool {
	return (a >= 0) == (b >= 0)
}

func containsOption(options []string, opt string) bool {
	for _, o := range options {
		if o == opt {
			return true
		}
	}
	return false
}

// CheckAction selects the action for task's metric result per §4.3's
// action-selection algorithm.
func CheckAction(task *domain.Task, mr *domain.MetricResult) domain.Action {
	thresholds := mr.Metric.Thresholds

	if task.PreResult.Set {
		x := task.PreResult.Action
		if score, ok := thresholdAtOrAbove(thresholds, x); ok {
			mr.Score = score
		}
		mr.Action = x
		mr.ActionIsKnown = true
		return x
	}

	best := domain.ActionNoAction
	maxThresholdSeen := math.Inf(-1)
	for _, a := range severityOrder() {
		th, ok := thresholds[a]
		if !ok || math.IsNaN(th) {
			continue
		}
		if mr.Score >= th && th > maxThresholdSeen {
			best = a
			maxThresholdSeen = th
		}
	}
	mr.Action = best
	mr.ActionIsKnown = true
	return best
}

func severityOrder() []domain.Action {
	return []domain.Action{
		domain.ActionReject,
		domain.ActionSoftReject,
		domain.ActionRewriteSubject,
		domain.ActionAddHeader,
		domain.ActionGreylist,
	}
}

// thresholdAtOrAbove scans thresholds from x toward less-severe actions
// and returns the first configured (non-NaN) one, matching "the engine
// scans action thresholds starting at X".
func thresholdAtOrAbove(thresholds map[domain.Action]float64, x domain.Action) (float64, bool) {
	order := append([]domain.Action{x}, severityOrder()...)
	seen := map[domain.Action]bool{}
	for _, a := range order {
		if a < x || seen[a] {
			continue
		}
		seen[a] = true
		if th, ok := thresholds[a]; ok && !math.IsNaN(th) {
			return th, true
		}
	}
	return 0, false
}
