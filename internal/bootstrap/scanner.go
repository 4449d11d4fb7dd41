// Package bootstrap wires config.Config into the scanner's running
// components, the teacher's internal/bootstrap.NewAPI/NewWorker split
// generalized to this repository's NewScanner/NewAPI/NewFuzzyWorker.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/contentguard/scanner/adapter/out/persistence/redis"
	"github.com/contentguard/scanner/config"
	"github.com/contentguard/scanner/core/domain"
	"github.com/contentguard/scanner/core/service/classifier"
	"github.com/contentguard/scanner/core/service/rulerunner"
	"github.com/contentguard/scanner/core/service/scanner"
	"github.com/contentguard/scanner/core/service/scheduler"
	"github.com/contentguard/scanner/pkg/connpool"
	"github.com/contentguard/scanner/pkg/logger"
	"github.com/contentguard/scanner/pkg/upstream"
)

const defaultMetricName = "DEFAULT"

// Scanner bundles the running ScanService with the infrastructure it
// borrowed for the caller to close on shutdown.
type Scanner struct {
	Service *scanner.Scanner

	sched    *scheduler.Scheduler
	connPool *connpool.Pool
}

// Close drains the shared connection pool. The upstream pool (G) itself
// caches its dialed out.KV connections for the process lifetime and has
// no separate shutdown hook.
func (s *Scanner) Close() {
	s.connPool.Close()
}

// symbolsCount reports how many rules are registered, for the /metrics
// introspection surface.
func (s *Scanner) symbolsCount() int {
	return s.sched.SymbolsCount()
}

// NewScanner builds the scheduler, rule runner, statistical classifier
// pipeline and default metric, and registers the classifier rules
// against the scheduler, returning a ready-to-serve Scanner.
func NewScanner(cfg *config.Config) (*Scanner, error) {
	cp := connpool.New(redis.ConnPoolDial, cfg.ConnPoolIdleTimeout, cfg.ConnPoolMaxPerBucket)

	upstreamConfigs, err := upstreamConfigsFrom(cfg)
	if err != nil {
		return nil, err
	}
	kvPool := upstream.NewPool(upstreamStrategy(cfg.UpstreamStrategy), upstreamConfigs, redis.UpstreamDialer(cp, 0, ""))

	kv, _, err := kvPool.Acquire(context.Background(), "")
	if err != nil {
		return nil, fmt.Errorf("bootstrap: acquiring classifier stat backend connection: %w", err)
	}
	statBackend := redis.NewStatBackend(kv)

	learnCache := classifier.NewLRUCache(cfg.ClassifierLearnCache)
	pipeline := classifier.New(statBackend, classifier.NewOSBTokenizer(), learnCache)

	cfgClassifier := classifier.ClassifierConfig{
		Name:      "default",
		MinTokens: cfg.ClassifierMinTokens,
		MaxTokens: cfg.ClassifierMaxTokens,
		Weight:    cfg.ClassifierWeight,
		Statfiles: []*domain.Statfile{
			{Name: "BAYES_SPAM", IsSpam: true, Classifier: "default"},
			{Name: "BAYES_HAM", IsSpam: false, Classifier: "default"},
		},
	}

	sched := scheduler.New()
	metric := domain.NewMetric(defaultMetricName)
	metric.GrowFactor = 1.0
	metric.Thresholds[domain.ActionAddHeader] = 6
	metric.Thresholds[domain.ActionRewriteSubject] = 8
	metric.Thresholds[domain.ActionGreylist] = 4
	metric.Thresholds[domain.ActionReject] = 15
	metric.Rules["BAYES_SPAM"] = &domain.RuleScoreDef{Score: 1, Description: "message classified as spam by the statistical pipeline", Group: "statistics"}
	metric.Rules["BAYES_HAM"] = &domain.RuleScoreDef{Score: 1, Description: "message classified as ham by the statistical pipeline", Group: "statistics"}
	sched.RegisterMetric(metric)

	if _, err := sched.AddSymbol("BAYES_CLASSIFIER", 0, classifier.NewRuleCallback(pipeline, cfgClassifier, metric), domain.KindNormal, 0); err != nil {
		return nil, fmt.Errorf("bootstrap: registering classifier rule: %w", err)
	}

	runner := rulerunner.New(sched)
	svc := scanner.New(sched, runner, map[string]scanner.ClassifierBinding{
		"default": {Pipeline: pipeline, Config: cfgClassifier},
	})

	logger.WithField("worker_id", cfg.WorkerID).Info("scanner initialized with %d registered symbols", sched.SymbolsCount())

	return &Scanner{Service: svc, sched: sched, connPool: cp}, nil
}

func upstreamStrategy(s string) upstream.Strategy {
	switch s {
	case "master_slave":
		return upstream.StrategyMasterSlave
	case "consistent_hash":
		return upstream.StrategyConsistentHash
	default:
		return upstream.StrategyRoundRobin
	}
}

func upstreamConfigsFrom(cfg *config.Config) ([]upstream.Config, error) {
	if len(cfg.UpstreamAddrs) == 0 {
		return nil, fmt.Errorf("bootstrap: no upstream addresses configured")
	}
	configs := make([]upstream.Config, 0, len(cfg.UpstreamAddrs)+len(cfg.UpstreamSlaveAddrs))
	for _, addr := range cfg.UpstreamAddrs {
		configs = append(configs, upstream.Config{
			Addr:      addr,
			MaxErrors: cfg.UpstreamMaxErrors,
			DeadTime:  secondsToDuration(cfg.UpstreamDeadTimeSec),
		})
	}
	for _, addr := range cfg.UpstreamSlaveAddrs {
		configs = append(configs, upstream.Config{
			Addr:      addr,
			IsSlave:   true,
			MaxErrors: cfg.UpstreamMaxErrors,
			DeadTime:  secondsToDuration(cfg.UpstreamDeadTimeSec),
		})
	}
	return configs, nil
}

func secondsToDuration(n int) time.Duration {
	return time.Duration(n) * time.Second
}
