package scheduler

import (
	"sort"

	"github.com/contentguard/scanner/core/domain"
)

// RunState tracks a rule's per-task lifecycle, separate from the
// immutable Scheduler configuration so the same Scheduler can drive many
// concurrent tasks' Plans.
type RunState struct {
	State domain.RunState
}

// Plan is the per-task scheduling state: which rules are pending, ready,
// running, or terminal, derived from the immutable Scheduler for one
// Task. It implements the four-queue execution algorithm of §4.2.
type Plan struct {
	sched *Scheduler
	task  *domain.Task

	states map[domain.RuleID]*RunState
}

// NewPlan starts a fresh per-task execution plan against s's current
// (validated) rule table.
func NewPlan(s *Scheduler, task *domain.Task) *Plan {
	s.mu.RLock()
	defer s.mu.RUnlock()

	states := make(map[domain.RuleID]*RunState, len(s.byID))
	for id := range s.byID {
		states[id] = &RunState{State: domain.StatePending}
	}
	return &Plan{sched: s, task: task, states: states}
}

func (p *Plan) stateOf(id domain.RuleID) domain.RunState {
	return p.states[id].State
}

// State reports id's current run state, exposed so callers orchestrating
// a scan (e.g. resolving Virtual symbols once the static DAG is done)
// can check progress without reaching into Plan internals.
func (p *Plan) State(id domain.RuleID) domain.RunState {
	return p.stateOf(id)
}

func (p *Plan) setState(id domain.RuleID, st domain.RunState) {
	p.states[id].State = st
}

// depsTerminal reports whether every dependency of r has reached Finished
// or Skipped.
func (p *Plan) depsTerminal(r *domain.Rule) bool {
	for _, d := range r.Deps {
		if !p.stateOf(d).Terminal() {
			return false
		}
	}
	return true
}

func (p *Plan) conditionsPass(r *domain.Rule) bool {
	for _, c := range r.Conditions {
		if !c(p.task) {
			return false
		}
	}
	return true
}

// PreFilterQueue returns pre-filter rules in ascending-priority order,
// the order §4.2 step 1 drains them in.
func (p *Plan) PreFilterQueue() []*domain.Rule {
	return p.queueOf(domain.KindPreFilter, ascendingPriority)
}

// PostFilterQueue returns post-filter rules in ascending-priority order.
// Callers must ensure every non-post-filter rule is terminal first.
func (p *Plan) PostFilterQueue() []*domain.Rule {
	return p.queueOf(domain.KindPostFilter, ascendingPriority)
}

func (p *Plan) queueOf(kind domain.Kind, less func(a, b *domain.Rule) bool) []*domain.Rule {
	p.sched.mu.RLock()
	defer p.sched.mu.RUnlock()
	var out []*domain.Rule
	for _, r := range p.sched.byID {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func ascendingPriority(a, b *domain.Rule) bool { return a.Priority < b.Priority }

// NextReady returns every Normal/Callback rule that has become Ready:
// Pending, dependencies terminal, conditions true, and not disabled.
// Ties are broken by (priority descending, cost ascending), where cost
// is the rule's last observed mean latency. Disabled or flag-skipped
// rules transition straight to Skipped and are never returned as ready.
func (p *Plan) NextReady() []*domain.Rule {
	p.sched.mu.RLock()
	candidates := make([]*domain.Rule, 0)
	for _, r := range p.sched.byID {
		if r.Kind != domain.KindNormal && r.Kind != domain.KindCallback {
			continue
		}
		if p.stateOf(r.ID) != domain.StatePending {
			continue
		}
		if r.HasFlag(domain.FlagSkipped) {
			p.setState(r.ID, domain.StateSkipped)
			continue
		}
		if !p.depsTerminal(r) {
			continue
		}
		if !p.conditionsPass(r) {
			p.setState(r.ID, domain.StateSkipped)
			continue
		}
		candidates = append(candidates, r)
	}
	p.sched.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority // priority descending
		}
		return a.Stats.MeanLatencyNs < b.Stats.MeanLatencyNs // cost ascending
	})
	for _, r := range candidates {
		p.setState(r.ID, domain.StateReady)
	}
	return candidates
}

// MarkRunning transitions a Ready rule to Running.
func (p *Plan) MarkRunning(id domain.RuleID) { p.setState(id, domain.StateRunning) }

// MarkFinished transitions a Running rule to Finished once its watchers
// have all closed and its callback has returned.
func (p *Plan) MarkFinished(id domain.RuleID) { p.setState(id, domain.StateFinished) }

// MarkSkipped transitions a rule straight to Skipped (e.g. a Virtual
// symbol with an unknown parent, or disabled by config).
func (p *Plan) MarkSkipped(id domain.RuleID) { p.setState(id, domain.StateSkipped) }

// AllTerminal reports whether every Normal/Callback/Virtual rule has
// reached a terminal state, the precondition for draining post-filters.
func (p *Plan) AllTerminal() bool {
	p.sched.mu.RLock()
	defer p.sched.mu.RUnlock()
	for id, r := range p.sched.byID {
		if r.Kind == domain.KindPostFilter || r.Kind == domain.KindPreFilter {
			continue
		}
		if !p.stateOf(id).Terminal() {
			return false
		}
	}
	return true
}

// VirtualContribution resolves a Virtual rule's reporting weight: its
// own Weight if declared in a metric, otherwise its parent Callback's
// weight (§4.2 edge case: "weight not declared in any metric ... uses
// the Callback's weight").
func (p *Plan) VirtualContribution(v *domain.Rule, m *domain.Metric) float64 {
	if def, ok := m.Rules[v.Name]; ok {
		return def.Score
	}
	p.sched.mu.RLock()
	parent, ok := p.sched.byID[v.ParentID]
	p.sched.mu.RUnlock()
	if !ok {
		return 0
	}
	if def, ok := m.Rules[parent.Name]; ok {
		return def.Score
	}
	return parent.Weight
}

// ResolveVirtualParent checks that a Virtual rule's declared parent
// exists and is a Callback; per §4.2's edge case table, a Virtual with
// an unknown parent is Skipped and logged.
func (p *Plan) ResolveVirtualParent(v *domain.Rule) bool {
	p.sched.mu.RLock()
	parent, ok := p.sched.byID[v.ParentID]
	p.sched.mu.RUnlock()
	if !ok || parent.Kind != domain.KindCallback {
		p.MarkSkipped(v.ID)
		return false
	}
	return true
}
