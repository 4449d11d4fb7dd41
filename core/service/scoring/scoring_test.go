package scoring_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/contentguard/scanner/core/domain"
	"github.com/contentguard/scanner/core/service/scoring"
)

func newDefaultMetric() *domain.Metric {
	m := domain.NewMetric("default")
	m.Thresholds[domain.ActionAddHeader] = 1.5
	m.Thresholds[domain.ActionReject] = 5.0
	return m
}

func TestScenario1SymbolFiringAndScoring(t *testing.T) {
	m := newDefaultMetric()
	m.Rules["FOO"] = &domain.RuleScoreDef{Score: 2.0}
	m.Rules["BAR"] = &domain.RuleScoreDef{Score: -1.0}

	task := domain.NewTask("scenario1")
	scoring.InsertResult(task, m, "FOO", 1, "")
	scoring.InsertResult(task, m, "BAR", 1, "")

	mr := task.Result(m)
	require.InDelta(t, 1.0, mr.Score, 1e-9)

	action := scoring.CheckAction(task, mr)
	require.Equal(t, domain.ActionNoAction, action)
}

func TestScenario2GroupCap(t *testing.T) {
	m := newDefaultMetric()
	m.Groups["G"] = &domain.Group{Name: "G", MaxScore: 3.0}
	m.Rules["A"] = &domain.RuleScoreDef{Score: 1.5, Group: "G"}
	m.Rules["B"] = &domain.RuleScoreDef{Score: 1.5, Group: "G"}
	m.Rules["C"] = &domain.RuleScoreDef{Score: 1.5, Group: "G"}

	task := domain.NewTask("scenario2")
	scoring.InsertResult(task, m, "A", 1, "")
	scoring.InsertResult(task, m, "B", 1, "")
	scoring.InsertResult(task, m, "C", 1, "")

	mr := task.Result(m)
	require.InDelta(t, 3.0, mr.GroupTotals["G"], 1e-9)
	require.InDelta(t, 3.0, mr.Score, 1e-9)

	cHit := mr.Hits["C"]
	require.InDelta(t, 0, cHit.Score, 1e-9, "C's clipped contribution must be zero")
}

func TestScenario3PreResultForcesAction(t *testing.T) {
	m := newDefaultMetric()
	m.Thresholds[domain.ActionGreylist] = 4.0
	m.Rules["X"] = &domain.RuleScoreDef{Score: 1.2}

	task := domain.NewTask("scenario3")
	task.SetPreResult(domain.ActionGreylist, "content-based greylisting")
	scoring.InsertResult(task, m, "X", 1, "")

	mr := task.Result(m)
	action := scoring.CheckAction(task, mr)
	require.Equal(t, domain.ActionGreylist, action)
	require.InDelta(t, 4.0, mr.Score, 1e-9)
}

func TestSingleShotDuplicateOptionTakesLargerMagnitudeNotSum(t *testing.T) {
	m := newDefaultMetric()
	m.Rules["ONCE"] = &domain.RuleScoreDef{Score: 2.0, Flags: domain.FlagOneShot}

	task := domain.NewTask("single-shot")
	scoring.InsertResult(task, m, "ONCE", 1, "opt")
	scoring.InsertResult(task, m, "ONCE", 1, "opt")

	mr := task.Result(m)
	require.InDelta(t, 2.0, mr.Score, 1e-9, "second identical single-shot insert must not double the score")
}

func TestGroupCapDropsExcessContributionEntirely(t *testing.T) {
	m := newDefaultMetric()
	m.Groups["G"] = &domain.Group{Name: "G", MaxScore: 1.0}
	m.Rules["A"] = &domain.RuleScoreDef{Score: 1.0, Group: "G", NShots: 5}

	task := domain.NewTask("group-drop")
	scoring.InsertResult(task, m, "A", 1, "")
	hit := scoring.InsertResult(task, m, "A", 1, "second-shot-option")

	mr := task.Result(m)
	require.InDelta(t, 1.0, mr.Score, 1e-9)
	require.InDelta(t, 1.0, hit.Score, 1e-9, "dropped contribution must not mutate the hit's recorded score")
}

func TestGrowFactorAppliesToSubsequentPositiveHits(t *testing.T) {
	m := newDefaultMetric()
	m.GrowFactor = 2.0
	m.Rules["A"] = &domain.RuleScoreDef{Score: 1.0, NShots: 5}
	m.Rules["B"] = &domain.RuleScoreDef{Score: 1.0, NShots: 5}

	task := domain.NewTask("grow")
	scoring.InsertResult(task, m, "A", 1, "")
	scoring.InsertResult(task, m, "B", 1, "")

	mr := task.Result(m)
	require.InDelta(t, 3.0, mr.Score, 1e-9, "first hit sets grow_factor; second hit's diff is multiplied by it")
}
