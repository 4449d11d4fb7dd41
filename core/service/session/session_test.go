package session_test

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/contentguard/scanner/core/domain"
	"github.com/contentguard/scanner/core/service/session"
)

func TestFinalizerRunsExactlyOnce(t *testing.T) {
	task := domain.NewTask("t1")
	var finalized int32
	s := session.New(task, func(task *domain.Task, err error) {
		atomic.AddInt32(&finalized, 1)
	})
	task.Session = s

	var ran1, ran2 int32
	cb1 := func(ud any) { atomic.AddInt32(&ran1, 1) }
	cb2 := func(ud any) { atomic.AddInt32(&ran2, 1) }

	session.AddEvent(s, cb1, "a", "dns")
	session.AddEvent(s, cb2, "b", "redis")

	session.RemoveEvent(s, cb1, "a")
	require.EqualValues(t, 0, finalized, "finalizer must not fire while an event is still pending")

	session.RemoveEvent(s, cb2, "b")
	require.EqualValues(t, 1, finalized)
	require.EqualValues(t, 1, ran1)
	require.EqualValues(t, 1, ran2)

	// A second drain (e.g. a duplicate RemoveEvent) must not refire it.
	session.RemoveEvent(s, cb2, "b")
	require.EqualValues(t, 1, finalized)
}

func TestAddEventIdempotentByCleanupAndUserData(t *testing.T) {
	task := domain.NewTask("t2")
	s := session.New(task, func(task *domain.Task, err error) {})
	task.Session = s

	var calls int32
	cb := func(ud any) { atomic.AddInt32(&calls, 1) }

	session.AddEvent(s, cb, "x", "")
	session.AddEvent(s, cb, "x", "") // duplicate (cb, ud) pair, must not double-register

	require.Len(t, s.Events, 1)
}

func TestWatcherKeepsTaskOpenUntilPopped(t *testing.T) {
	task := domain.NewTask("t3")
	var finalized int32
	s := session.New(task, func(task *domain.Task, err error) {
		atomic.AddInt32(&finalized, 1)
	})
	task.Session = s

	w := session.GetWatcher(s)
	var deferredRan bool
	session.WatcherPushCallback(s, w, func(task *domain.Task, ud any) {
		deferredRan = true
	}, nil)

	require.EqualValues(t, 0, finalized, "open watcher must block finalization even with zero pending events")

	session.PopWatcher(s, w, task)
	require.True(t, deferredRan)
	require.EqualValues(t, 1, finalized)
}

func TestTimeoutPopsWatchersWithoutInvokingCallbacks(t *testing.T) {
	task := domain.NewTask("t4")
	var finalized int32
	var finalErr error
	s := session.New(task, func(task *domain.Task, err error) {
		atomic.AddInt32(&finalized, 1)
		finalErr = err
	})
	task.Session = s

	w := session.GetWatcher(s)
	var userCallbackRan bool
	session.WatcherPushCallback(s, w, func(task *domain.Task, ud any) {
		userCallbackRan = true
	}, nil)

	var cleaned bool
	session.AddEvent(s, func(ud any) { cleaned = true }, nil, "timer")

	session.Timeout(s, errTimeout{})

	require.EqualValues(t, 1, finalized)
	require.Error(t, finalErr)
	require.True(t, cleaned, "pending event cleanups still run on timeout")
	require.False(t, userCallbackRan, "watcher callbacks must not run on forced timeout")
}

type errTimeout struct{}

func (errTimeout) Error() string { return "deadline exceeded" }
