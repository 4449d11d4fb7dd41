package rulerunner_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/contentguard/scanner/core/domain"
	"github.com/contentguard/scanner/core/service/rulerunner"
	"github.com/contentguard/scanner/core/service/scheduler"
	"github.com/contentguard/scanner/core/service/scoring"
	"github.com/contentguard/scanner/core/service/session"
)

func TestWatcherProtocolDefersFinalVerdict(t *testing.T) {
	m := domain.NewMetric("default")
	m.Rules["ASYNC"] = &domain.RuleScoreDef{Score: 3.0}

	task := domain.NewTask("watcher-protocol")
	var finalized bool
	sess := session.New(task, func(task *domain.Task, err error) { finalized = true })
	task.Session = sess

	sched := scheduler.New()
	cb := func(task *domain.Task, rule *domain.Rule) (domain.Closure, error) {
		// Simulate a rule that issues async work: it returns a closure
		// instead of inserting its hit synchronously.
		return func(task *domain.Task) (domain.Closure, error) {
			scoring.InsertResult(task, m, "ASYNC", 1, "")
			return nil, nil
		}, nil
	}
	id, err := sched.AddSymbol("ASYNC", 0, cb, domain.KindNormal, 0)
	require.NoError(t, err)
	require.NoError(t, sched.Validate(false))

	plan := scheduler.NewPlan(sched, task)
	ready := plan.NextReady()
	require.Len(t, ready, 1)

	runner := rulerunner.New(sched)
	require.NoError(t, runner.RunRule(context.Background(), plan, task, ready[0]))

	mr := task.Result(m)
	require.InDelta(t, 3.0, mr.Score, 1e-9, "the deferred closure must have inserted its hit")
	require.True(t, finalized)
	_ = id
}
