package domain

import (
	"regexp"
	"sync"
	"time"
)

// Envelope carries the SMTP-transaction metadata an MTA sends alongside
// the raw message body (§6.1 well-known headers).
type Envelope struct {
	IP             string
	From           string
	Rcpt           []string
	Helo           string
	Hostname       string
	User           string
	DeliverTo      string
	QueueID        string
	PassAll        bool // Pass: all — evaluate every rule regardless of skip flags
	SubjectOverride string
}

// Task is the unit of work: one message scan. It owns every allocation
// made on its behalf; Destroy releases them. The async session must be
// drained before a Task is considered finalized.
type Task struct {
	ID       string
	Message  []byte
	Envelope Envelope
	Deadline time.Time

	Arena   *Arena
	Session *Session

	mu          sync.Mutex
	regexCache  map[string]*regexp.Regexp
	results     map[string]*MetricResult // keyed by metric name
	PreResult   PreResult
	Settings    Settings

	// TokenTree is populated by the statistical pipeline (component F);
	// it lives on Task because classification shares the task's lifetime.
	TokenTree map[uint64]*StatToken
}

func NewTask(id string) *Task {
	return &Task{
		ID:         id,
		Arena:      &Arena{},
		regexCache: make(map[string]*regexp.Regexp),
		results:    make(map[string]*MetricResult),
	}
}

// CompileRegex returns a cached compiled regexp for pattern, compiling
// and caching it on first use. The cache is per-task: it is discarded
// with the task and never shared across tasks.
func (t *Task) CompileRegex(pattern string) (*regexp.Regexp, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if re, ok := t.regexCache[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	t.regexCache[pattern] = re
	return re, nil
}

// Result returns (creating if absent) the MetricResult for metric m.
func (t *Task) Result(m *Metric) *MetricResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.results[m.Name]; ok {
		return r
	}
	r := NewMetricResult(m)
	t.results[m.Name] = r
	return r
}

// Results returns every metric result accumulated so far, keyed by
// metric name.
func (t *Task) Results() map[string]*MetricResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]*MetricResult, len(t.results))
	for k, v := range t.results {
		out[k] = v
	}
	return out
}

// SetPreResult forces a pre-filter verdict: action becomes the more
// severe of the current pre-result (if any) and the supplied action.
func (t *Task) SetPreResult(action Action, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.PreResult.Set {
		t.PreResult.Action = MinAction(t.PreResult.Action, action)
	} else {
		t.PreResult.Action = action
	}
	t.PreResult.Set = true
	t.PreResult.Message = message
}

// Destroy releases every allocation the task owns. The session must
// already be drained (Finalized) before calling Destroy.
func (t *Task) Destroy() {
	t.Arena.Release()
}
