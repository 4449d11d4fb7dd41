// Package rulerunner implements the rule runner (§4.4): RunRule invokes
// each rule's domain.Callback (a native function, or a classifier wrapped
// by classifier.NewRuleCallback) and handles the watcher protocol, and
// EvalComposite evaluates composite boolean expressions. RunRule does not
// dispatch on rule kind: it never calls EvalComposite itself, and there
// is no scripted rule implementation.
package rulerunner

import (
	"context"
	"time"

	"github.com/contentguard/scanner/core/domain"
	"github.com/contentguard/scanner/core/service/scheduler"
	"github.com/contentguard/scanner/core/service/session"
	"github.com/contentguard/scanner/pkg/tracing"
)

// Runner drives one task's rules through a Plan, opening tracing spans
// and handling the watcher protocol around each Callback invocation.
type Runner struct {
	sched *scheduler.Scheduler
}

func New(sched *scheduler.Scheduler) *Runner {
	return &Runner{sched: sched}
}

// RunRule executes r's polymorphic implementation for task. If it
// returns a non-nil Closure, the runner opens a watcher and registers
// the closure so the rule is not Finished until the closure (and any
// further closures it returns) complete.
func (rn *Runner) RunRule(ctx context.Context, plan *scheduler.Plan, task *domain.Task, r *domain.Rule) error {
	end := tracing.StartSpan(r.Name)
	start := time.Now()
	plan.MarkRunning(r.ID)

	closure, err := r.Callback(task, r)

	latency := time.Since(start).Seconds()
	end()

	rn.sched.IncFrequency(r.Name, ruleFired(task, r.Name), latency)

	if err != nil {
		plan.MarkSkipped(r.ID) // an erroring rule still reaches a terminal state; it is reported skipped
		return err
	}

	if closure == nil {
		plan.MarkFinished(r.ID)
		return nil
	}

	if task.Session == nil {
		// No session means no async machinery is available; run the
		// closure inline rather than leaving the rule stuck forever.
		err := rn.drainClosure(task, r, closure)
		plan.MarkFinished(r.ID)
		return err
	}

	w := session.GetWatcher(task.Session)
	session.WatcherPushCallback(task.Session, w, func(t *domain.Task, ud any) {
		rn.chain(plan, t, r, closure)
	}, nil)
	session.PopWatcher(task.Session, w, task)
	return nil
}

// chain runs a returned Closure and, if it returns a further Closure,
// opens another watcher to keep chaining transitively. The rule only
// becomes Finished once a closure in the chain returns nil.
func (rn *Runner) chain(plan *scheduler.Plan, task *domain.Task, r *domain.Rule, c domain.Closure) {
	next, err := c(task)
	if err != nil || next == nil {
		plan.MarkFinished(r.ID)
		return
	}
	if task.Session == nil {
		_ = rn.drainClosure(task, r, next)
		plan.MarkFinished(r.ID)
		return
	}
	w := session.GetWatcher(task.Session)
	session.WatcherPushCallback(task.Session, w, func(t *domain.Task, ud any) {
		rn.chain(plan, t, r, next)
	}, nil)
	session.PopWatcher(task.Session, w, task)
}

func (rn *Runner) drainClosure(task *domain.Task, r *domain.Rule, c domain.Closure) error {
	for c != nil {
		next, err := c(task)
		if err != nil {
			return err
		}
		c = next
	}
	return nil
}

// Finalize marks r Finished once the scheduler considers it terminal;
// exposed separately so a caller driving its own watcher bookkeeping can
// invoke it without going through RunRule.
func (rn *Runner) Finalize(plan *scheduler.Plan, id domain.RuleID) {
	plan.MarkFinished(id)
}

// ruleFired reports whether name has a recorded hit on any of task's
// metric results, used to feed the scheduler's frequency statistics.
func ruleFired(task *domain.Task, name string) bool {
	for _, mr := range task.Results() {
		if _, ok := mr.Hits[name]; ok {
			return true
		}
	}
	return false
}
