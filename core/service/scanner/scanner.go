// Package scanner wires the scheduler, rule runner, scoring engine and
// statistical classifiers together into the ingress-facing ScanService
// (§4.2/§4.3/§6.1): one Check/Symbols/Report/Learn call drives a task
// through its entire rule plan and returns the scored verdict.
package scanner

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/contentguard/scanner/core/domain"
	"github.com/contentguard/scanner/core/port/in"
	"github.com/contentguard/scanner/core/service/classifier"
	"github.com/contentguard/scanner/core/service/history"
	"github.com/contentguard/scanner/core/service/rulerunner"
	"github.com/contentguard/scanner/core/service/scheduler"
	"github.com/contentguard/scanner/core/service/scoring"
	"github.com/contentguard/scanner/core/service/session"
	"github.com/contentguard/scanner/pkg/apperr"
	"github.com/contentguard/scanner/pkg/logger"
)

// ClassifierBinding pairs a configured pipeline with the classifier
// config Learn needs to replay the statfile set a scan classified
// against.
type ClassifierBinding struct {
	Pipeline *classifier.Pipeline
	Config   classifier.ClassifierConfig
}

// Scanner implements in.ScanService against a Scheduler's registered
// rule table, a Runner to execute them, and zero or more named
// classifiers reachable from the LEARN command.
type Scanner struct {
	sched       *scheduler.Scheduler
	runner      *rulerunner.Runner
	classifiers map[string]ClassifierBinding
	history     *history.Ring
}

var _ in.ScanService = (*Scanner)(nil)

// New builds a Scanner. classifiers may be nil; Learn against an
// unconfigured name returns apperr.NotFound. Every Check records its
// verdicts into a bounded roll-history ring (§6.5), capacity 1000.
func New(sched *scheduler.Scheduler, runner *rulerunner.Runner, classifiers map[string]ClassifierBinding) *Scanner {
	if classifiers == nil {
		classifiers = make(map[string]ClassifierBinding)
	}
	return &Scanner{sched: sched, runner: runner, classifiers: classifiers, history: history.NewRing(1000)}
}

// History returns the last n recorded verdicts, most recent last.
func (s *Scanner) History(n int) []history.Entry {
	return s.history.Recent(n)
}

// Check runs every applicable rule and returns the scored verdict for
// every registered metric.
func (s *Scanner) Check(ctx context.Context, task *domain.Task) ([]in.ScanReply, error) {
	if _, err := s.runPlan(ctx, task); err != nil {
		return nil, err
	}
	replies := s.replies(task)
	s.recordHistory(task, replies)
	return replies, nil
}

// recordHistory pushes one history.Entry per scored metric into the
// roll-history ring for later introspection.
func (s *Scanner) recordHistory(task *domain.Task, replies []in.ScanReply) {
	for _, r := range replies {
		s.history.Push(history.Entry{TaskID: task.ID, Metric: r.Metric, Score: r.Score, Action: r.Action})
	}
}

// Symbols reports only the symbols fired across every metric, without
// per-metric scoring detail.
func (s *Scanner) Symbols(ctx context.Context, task *domain.Task) ([]in.SymbolReply, error) {
	if _, err := s.runPlan(ctx, task); err != nil {
		return nil, err
	}
	var out []in.SymbolReply
	for _, mr := range task.Results() {
		out = append(out, symbolReplies(mr)...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Report is Check plus a one-line human-readable summary.
func (s *Scanner) Report(ctx context.Context, task *domain.Task) ([]in.ScanReply, string, error) {
	replies, err := s.Check(ctx, task)
	if err != nil {
		return nil, "", err
	}
	return replies, summarize(replies), nil
}

// ReportIfSpam is Report, but returns an empty reply unless at least one
// metric's action is more severe than greylist/no-action.
func (s *Scanner) ReportIfSpam(ctx context.Context, task *domain.Task) ([]in.ScanReply, string, error) {
	replies, summary, err := s.Report(ctx, task)
	if err != nil {
		return nil, "", err
	}
	if !anySpamVerdict(replies) {
		return nil, "", nil
	}
	return replies, summary, nil
}

// Ping answers a liveness probe; a Scanner with a validated scheduler is
// always ready to accept work.
func (s *Scanner) Ping(ctx context.Context) error { return nil }

// Process runs the rule plan without any learning side effects. Scans
// never mutate classifier state on their own, so this is Check in all
// but name, kept distinct to match the ingress command set of §6.1.
func (s *Scanner) Process(ctx context.Context, task *domain.Task) ([]in.ScanReply, error) {
	return s.Check(ctx, task)
}

// Learn feeds task to classifierName's pipeline as a training example.
func (s *Scanner) Learn(ctx context.Context, task *domain.Task, classifierName string, isSpam bool) error {
	binding, ok := s.classifiers[classifierName]
	if !ok {
		return apperr.NotFound(fmt.Sprintf("classifier %q", classifierName))
	}
	return binding.Pipeline.Learn(ctx, task, digestFor(task), isSpam, binding.Config)
}

func digestFor(task *domain.Task) string {
	return strconv.FormatUint(xxhash.Sum64(task.Message), 16)
}

// runPlan drives task through the full four-queue execution algorithm:
// pre-filters drained in full, the main dependency DAG run to
// completion, Virtual symbols resolved once their parents have settled,
// then post-filters drained in full.
func (s *Scanner) runPlan(ctx context.Context, task *domain.Task) (*scheduler.Plan, error) {
	if task.Session == nil {
		task.Session = session.New(task, func(t *domain.Task, err error) {
			if err != nil {
				logger.WithTask(t.ID).WithError(err).Warn("session finalized with error")
			}
		})
	}

	plan := scheduler.NewPlan(s.sched, task)

	for _, r := range plan.PreFilterQueue() {
		s.run(ctx, plan, task, r)
	}

	for !plan.AllTerminal() {
		ready := plan.NextReady()
		if len(ready) == 0 {
			if !s.resolveVirtuals(plan) {
				return nil, apperr.Protocol("scan: scheduler stalled with rules neither ready nor terminal")
			}
			continue
		}
		for _, r := range ready {
			s.run(ctx, plan, task, r)
		}
	}
	s.resolveVirtuals(plan)

	for _, r := range plan.PostFilterQueue() {
		s.run(ctx, plan, task, r)
	}

	return plan, nil
}

// run executes one rule, logging but not aborting the plan on error: a
// single failing rule should not deny every other symbol a chance to
// fire, and RunRule already leaves the rule in a terminal state either
// way.
func (s *Scanner) run(ctx context.Context, plan *scheduler.Plan, task *domain.Task, r *domain.Rule) {
	if err := s.runner.RunRule(ctx, plan, task, r); err != nil {
		logger.WithTask(task.ID).WithRule(r.Name).WithError(err).Warn("rule returned error")
	}
}

// resolveVirtuals settles every still-pending Virtual rule once its
// parent Callback has run: NextReady never schedules Virtual rules
// itself, so nothing else ever moves them out of Pending. It reports
// whether it changed any state, the signal runPlan uses to detect a
// genuine scheduling deadlock versus "nothing left but virtuals".
func (s *Scanner) resolveVirtuals(plan *scheduler.Plan) bool {
	changed := false
	for _, v := range s.sched.RulesByKind(domain.KindVirtual) {
		if plan.State(v.ID) != domain.StatePending {
			continue
		}
		if plan.ResolveVirtualParent(v) {
			plan.MarkFinished(v.ID)
		}
		changed = true
	}
	return changed
}

func (s *Scanner) replies(task *domain.Task) []in.ScanReply {
	results := task.Results()
	replies := make([]in.ScanReply, 0, len(s.sched.Metrics()))
	for _, m := range s.sched.Metrics() {
		mr, ok := results[m.Name]
		if !ok {
			mr = domain.NewMetricResult(m)
		}
		action := scoring.CheckAction(task, mr)
		replies = append(replies, in.ScanReply{
			Metric:        m.Name,
			Score:         mr.Score,
			RequiredScore: requiredScore(mr),
			Action:        action.String(),
			Symbols:       symbolReplies(mr),
		})
	}
	sort.Slice(replies, func(i, j int) bool { return replies[i].Metric < replies[j].Metric })
	return replies
}

// requiredScore reports the threshold of the least severe configured
// action, the figure clients display as "score / required_score".
func requiredScore(mr *domain.MetricResult) float64 {
	best := math.NaN()
	bestSeverity := -1
	for a, th := range mr.Metric.Thresholds {
		if math.IsNaN(th) {
			continue
		}
		if int(a) > bestSeverity {
			bestSeverity = int(a)
			best = th
		}
	}
	if math.IsNaN(best) {
		return 0
	}
	return best
}

func symbolReplies(mr *domain.MetricResult) []in.SymbolReply {
	out := make([]in.SymbolReply, 0, len(mr.Hits))
	for _, h := range mr.Hits {
		out = append(out, in.SymbolReply{Name: h.RuleName, Score: h.Score, Options: h.Options})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func summarize(replies []in.ScanReply) string {
	var b strings.Builder
	for i, r := range replies {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s: %s [%.2f/%.2f]", r.Metric, r.Action, r.Score, r.RequiredScore)
		if len(r.Symbols) > 0 {
			names := make([]string, len(r.Symbols))
			for j, sym := range r.Symbols {
				names[j] = sym.Name
			}
			fmt.Fprintf(&b, " (%s)", strings.Join(names, ", "))
		}
	}
	return b.String()
}

func anySpamVerdict(replies []in.ScanReply) bool {
	for _, r := range replies {
		if r.Action != domain.ActionNoAction.String() && r.Action != domain.ActionGreylist.String() {
			return true
		}
	}
	return false
}
