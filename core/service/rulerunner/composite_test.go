package rulerunner_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/contentguard/scanner/core/domain"
	"github.com/contentguard/scanner/core/service/rulerunner"
)

func TestCompositeUnresolvedAtomIsFalse(t *testing.T) {
	m := domain.NewMetric("default")
	task := domain.NewTask("composite1")

	r := &domain.Rule{Name: "COMP", Kind: domain.KindComposite, CompositeExpr: "A && B"}
	ok, err := rulerunner.EvalComposite(task, m, r)
	require.NoError(t, err)
	require.False(t, ok, "unresolved atoms evaluate to false")
}

func TestCompositeOrAndNotPrecedence(t *testing.T) {
	m := domain.NewMetric("default")
	task := domain.NewTask("composite2")
	task.Result(m).Hits["A"] = &domain.SymbolHit{RuleName: "A"}

	r := &domain.Rule{Name: "COMP", Kind: domain.KindComposite, CompositeExpr: "A && !B || B"}
	ok, err := rulerunner.EvalComposite(task, m, r)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCompositeDefaultPolicyDoesNotRemoveAtoms(t *testing.T) {
	m := domain.NewMetric("default")
	task := domain.NewTask("composite3")
	task.Result(m).Hits["A"] = &domain.SymbolHit{RuleName: "A"}
	task.Result(m).Hits["B"] = &domain.SymbolHit{RuleName: "B"}

	r := &domain.Rule{Name: "COMP", Kind: domain.KindComposite, CompositeExpr: "A && B"}
	ok, err := rulerunner.EvalComposite(task, m, r)
	require.NoError(t, err)
	require.True(t, ok)

	mr := task.Result(m)
	require.Contains(t, mr.Hits, "A")
	require.Contains(t, mr.Hits, "B")
}

func TestCompositeRemovesAtomsWhenConfigured(t *testing.T) {
	m := domain.NewMetric("default")
	task := domain.NewTask("composite4")
	task.Result(m).Hits["A"] = &domain.SymbolHit{RuleName: "A"}
	task.Result(m).Hits["B"] = &domain.SymbolHit{RuleName: "B"}

	r := &domain.Rule{Name: "COMP", Kind: domain.KindComposite, CompositeExpr: "A && B", RemovesAtoms: true}
	ok, err := rulerunner.EvalComposite(task, m, r)
	require.NoError(t, err)
	require.True(t, ok)

	mr := task.Result(m)
	require.NotContains(t, mr.Hits, "A")
	require.NotContains(t, mr.Hits, "B")
}
