package scheduler_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/contentguard/scanner/core/domain"
	"github.com/contentguard/scanner/core/service/scheduler"
)

func noop(task *domain.Task, rule *domain.Rule) (domain.Closure, error) { return nil, nil }

func TestDependencyDominatesPriority(t *testing.T) {
	s := scheduler.New()

	lowID, err := s.AddSymbol("LOW", 0, noop, domain.KindNormal, 0)
	require.NoError(t, err)
	highID, err := s.AddSymbol("HIGH", 10, noop, domain.KindNormal, 0)
	require.NoError(t, err)

	require.NoError(t, s.AddDependency(highID, "LOW"))
	require.NoError(t, s.Validate(false))

	task := domain.NewTask("dep-vs-priority")
	plan := scheduler.NewPlan(s, task)

	ready := plan.NextReady()
	require.Len(t, ready, 1, "only LOW should be ready; HIGH's dependency is unresolved")
	require.Equal(t, "LOW", ready[0].Name)

	plan.MarkRunning(lowID)
	plan.MarkFinished(lowID)

	ready = plan.NextReady()
	require.Len(t, ready, 1)
	require.Equal(t, "HIGH", ready[0].Name)
	_ = highID
}

func TestPriorityTieBreakWithoutDependency(t *testing.T) {
	s := scheduler.New()
	_, err := s.AddSymbol("A", 5, noop, domain.KindNormal, 0)
	require.NoError(t, err)
	_, err = s.AddSymbol("B", 10, noop, domain.KindNormal, 0)
	require.NoError(t, err)
	require.NoError(t, s.Validate(false))

	plan := scheduler.NewPlan(s, domain.NewTask("tie"))
	ready := plan.NextReady()
	require.Len(t, ready, 2)
	require.Equal(t, "B", ready[0].Name, "higher priority runs first when no dependency orders them")
	require.Equal(t, "A", ready[1].Name)
}

func TestCycleDetection(t *testing.T) {
	s := scheduler.New()
	aID, err := s.AddSymbol("A", 0, noop, domain.KindNormal, 0)
	require.NoError(t, err)
	bID, err := s.AddSymbol("B", 0, noop, domain.KindNormal, 0)
	require.NoError(t, err)

	require.NoError(t, s.AddDependency(aID, "B"))
	require.NoError(t, s.AddDependency(bID, "A"))

	err = s.Validate(false)
	require.ErrorIs(t, err, scheduler.ErrDependencyCycle)
}

func TestDelayedDependencyToUnknownTargetDoesNotBlockSource(t *testing.T) {
	s := scheduler.New()
	_, err := s.AddSymbol("SRC", 0, noop, domain.KindNormal, 0)
	require.NoError(t, err)

	require.NoError(t, s.AddDelayedDependency("SRC", "NEVER_REGISTERED"))
	s.ResolveDelayedDependencies()
	require.NoError(t, s.Validate(false))

	plan := scheduler.NewPlan(s, domain.NewTask("delayed"))
	ready := plan.NextReady()
	require.Len(t, ready, 1)
	require.Equal(t, "SRC", ready[0].Name)
}

func TestChecksumStableAcrossRebuild(t *testing.T) {
	build := func() *scheduler.Scheduler {
		s := scheduler.New()
		_, _ = s.AddSymbol("Z", 0, noop, domain.KindNormal, 0)
		_, _ = s.AddSymbol("A", 0, noop, domain.KindNormal, 0)
		return s
	}
	s1, s2 := build(), build()
	require.Equal(t, s1.GetCksum(), s2.GetCksum())
}

func TestStrictValidateRequiresMetricReference(t *testing.T) {
	s := scheduler.New()
	_, err := s.AddSymbol("ORPHAN", 0, noop, domain.KindNormal, 0)
	require.NoError(t, err)

	m := domain.NewMetric("default")
	s.RegisterMetric(m)

	err = s.Validate(true)
	require.ErrorIs(t, err, scheduler.ErrUnreferencedSymbol)

	m.Rules["ORPHAN"] = &domain.RuleScoreDef{Score: 1}
	require.NoError(t, s.Validate(true))
}
