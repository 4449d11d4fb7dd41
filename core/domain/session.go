package domain

import "sync"

// EventKey identifies a pending event by its cleanup function's code
// pointer and user-data value, matching the "idempotent by (cleanup_cb,
// ud)" rule from §4.1.
type EventKey struct {
	CB uintptr
	UD any
}

// PendingEvent is one outstanding piece of work a Session is waiting on.
type PendingEvent struct {
	Cleanup  func(ud any)
	UserData any
	Tag      string
}

// Watcher is a counted sub-scope: while open, the rule that owns it has
// not reached a terminal state even if its Callback already returned.
type Watcher struct {
	ID        int
	Callbacks []WatcherCallback
}

// WatcherCallback is a deferred callback registered against a still-open
// watcher via WatcherPushCallback.
type WatcherCallback struct {
	Fn func(task *Task, ud any)
	UD any
}

// Session is the per-task refcounted bag of pending events and watchers
// described in §3/§4.1. Fields are exported because Session is pure
// data: core/service/session owns the AddEvent/RemoveEvent/watcher
// operations and the decision of when to invoke Finalizer.
type Session struct {
	Mu sync.Mutex

	Events   map[EventKey]*PendingEvent
	Watchers map[int]*Watcher
	NextWID  int

	Task      *Task
	Finalizer func(task *Task, err error)
	Finalized bool
	TimedOut  bool
}

// NewSession allocates an empty session for task, installing finalizer
// as the callback invoked when events and watchers both reach zero.
func NewSession(task *Task, finalizer func(task *Task, err error)) *Session {
	return &Session{
		Events:    make(map[EventKey]*PendingEvent),
		Watchers:  make(map[int]*Watcher),
		Task:      task,
		Finalizer: finalizer,
	}
}
