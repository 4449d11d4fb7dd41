// Package session implements the async session & resource model (§4.1):
// a per-task refcounted bag of pending events and watchers that fires a
// finalizer exactly once, when every event has drained and no watcher is
// open.
package session

import (
	"reflect"

	"github.com/contentguard/scanner/core/domain"
)

// New allocates a fresh session for task, wiring finalizer as the
// callback invoked when events and watchers both reach zero.
func New(task *domain.Task, finalizer func(task *domain.Task, err error)) *domain.Session {
	return domain.NewSession(task, finalizer)
}

func codePtr(f func(ud any)) uintptr {
	return reflect.ValueOf(f).Pointer()
}

// AddEvent attaches a pending event to s; idempotent by (cleanup, ud).
func AddEvent(s *domain.Session, cleanup func(ud any), ud any, tag string) {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	k := domain.EventKey{CB: codePtr(cleanup), UD: ud}
	if _, exists := s.Events[k]; exists {
		return
	}
	s.Events[k] = &domain.PendingEvent{Cleanup: cleanup, UserData: ud, Tag: tag}
}

// RemoveEvent runs cleanup_cb(ud) and decrements the pending count; if it
// reaches zero and no watcher is open, the finalizer runs.
func RemoveEvent(s *domain.Session, cleanup func(ud any), ud any) {
	k := domain.EventKey{CB: codePtr(cleanup), UD: ud}

	s.Mu.Lock()
	ev, exists := s.Events[k]
	if exists {
		delete(s.Events, k)
	}
	drained := len(s.Events) == 0 && len(s.Watchers) == 0 && !s.Finalized
	s.Mu.Unlock()

	if exists && ev.Cleanup != nil {
		ev.Cleanup(ud)
	}
	if drained {
		fire(s, nil)
	}
}

// GetWatcher opens a new counted sub-scope and returns its id.
func GetWatcher(s *domain.Session) int {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	s.NextWID++
	id := s.NextWID
	s.Watchers[id] = &domain.Watcher{ID: id}
	return id
}

// PushWatcher is an alias for GetWatcher kept for symmetry with the
// spec's push/pop naming; both open a new counted scope.
func PushWatcher(s *domain.Session) int { return GetWatcher(s) }

// PopWatcher closes watcherID, running every callback registered against
// it via WatcherPushCallback; a callback may itself open further
// watchers, so PopWatcher re-checks drain state only after all callbacks
// have run.
func PopWatcher(s *domain.Session, watcherID int, task *domain.Task) {
	s.Mu.Lock()
	w, ok := s.Watchers[watcherID]
	if ok {
		delete(s.Watchers, watcherID)
	}
	s.Mu.Unlock()
	if !ok {
		return
	}

	for _, cb := range w.Callbacks {
		cb.Fn(task, cb.UD)
	}

	s.Mu.Lock()
	drained := len(s.Events) == 0 && len(s.Watchers) == 0 && !s.Finalized
	s.Mu.Unlock()
	if drained {
		fire(s, nil)
	}
}

// WatcherPushCallback registers cb against a still-open watcher. It
// panics if watcherID is unknown or already closed, matching the
// programmer-error taxonomy in §7 (a closed watcher is a logic bug, not
// a recoverable condition).
func WatcherPushCallback(s *domain.Session, watcherID int, cb func(task *domain.Task, ud any), ud any) {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	w, ok := s.Watchers[watcherID]
	if !ok {
		panic("session: watcher_push_callback on closed or unknown watcher")
	}
	w.Callbacks = append(w.Callbacks, domain.WatcherCallback{Fn: cb, UD: ud})
}

// Timeout forces the finalizer to run immediately with err set; pending
// cleanups execute and any remaining watchers are popped without
// invoking their user callbacks (§5 "Cancellation & timeouts").
func Timeout(s *domain.Session, err error) {
	s.Mu.Lock()
	if s.Finalized {
		s.Mu.Unlock()
		return
	}
	events := make([]*domain.PendingEvent, 0, len(s.Events))
	for _, ev := range s.Events {
		events = append(events, ev)
	}
	s.Events = map[domain.EventKey]*domain.PendingEvent{}
	s.Watchers = map[int]*domain.Watcher{}
	s.TimedOut = true
	s.Mu.Unlock()

	for _, ev := range events {
		if ev.Cleanup != nil {
			ev.Cleanup(ev.UserData)
		}
	}
	fire(s, err)
}

func fire(s *domain.Session, err error) {
	s.Mu.Lock()
	if s.Finalized {
		s.Mu.Unlock()
		return
	}
	s.Finalized = true
	finalizer := s.Finalizer
	task := s.Task
	s.Mu.Unlock()
	if finalizer != nil {
		finalizer(task, err)
	}
}
