// Package tracing provides the minimal start/end span helper the rule
// runner uses to time each rule invocation (§4.4 "opens a tracing span:
// captures start time, rule name").
package tracing

import (
	"time"

	"github.com/contentguard/scanner/pkg/logger"
)

// StartSpan begins timing name and returns a function that logs its
// duration when called. Spans are not exported anywhere beyond the
// structured log today; a future collector backend can subscribe to the
// same call sites without changing the rule runner.
func StartSpan(name string) func() {
	start := time.Now()
	return func() {
		logger.WithRule(name).WithDuration(time.Since(start)).Debug("rule span")
	}
}
