// Copyright 2026 The msgbus Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package msgbus

import (
	"container/heap"
	"time"
)

// eventKind discriminates the events a Loop hands back from WaitAndProcess.
// Timer firings and wakeups are handled internally by the Loop and never
// reach the caller as an event (see WaitAndProcess).
type eventKind uint8

const (
	evReadable eventKind = iota
	evWriteDone
	evIOError
	evAccepted
	evDialResult
)

// event is the Go stand-in for an epoll callback invocation: the Loop
// goroutine is the only place these are consumed, and it is the only place
// Connection/Context state is mutated.
type event struct {
	kind eventKind
	conn *Connection
	data []byte
	fds  []*OwnedFD
	buf  *Buffer
	err  error
}

// Timer fires callback on the Loop's owning goroutine. One-shot timers have
// Period == 0; periodic timers re-arm Period after the callback returns,
// regardless of how long the callback took.
type Timer struct {
	expiry   time.Time
	period   time.Duration
	callback func()
	canceled bool
	index    int
}

// Cancel prevents a pending firing from invoking its callback. It is safe
// to call at any time, but only takes effect once observed by the loop
// goroutine (lazy deletion: the heap entry is skipped, not removed).
func (t *Timer) Cancel() { t.canceled = true }

type timerHeap []*Timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].expiry.Before(h[j].expiry) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) { t := x.(*Timer); t.index = len(*h); *h = append(*h, t) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Loop is the cross-platform I/O readiness multiplexer and timer wheel. The
// Go translation uses the runtime netpoller via goroutine-driven Read/Write
// (see conn.go) and funnels every resulting readiness/error/completion
// through a single channel that WaitAndProcess drains — giving exactly one
// goroutine ownership of all mutable Context/Connection state.
type Loop struct {
	events chan event
	wake   chan struct{}
	stopCh chan struct{}
	timers timerHeap
}

// NewLoop returns a ready-to-use, unstarted Loop.
func NewLoop() *Loop {
	return &Loop{
		events: make(chan event, 256),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

// Wakeup is the only operation safe to call from any goroutine. It is the
// Go analogue of a self-pipe/eventfd: a capacity-1 channel send that
// silently coalesces redundant wakeups, so K calls from other goroutines
// cause WaitAndProcess to return at least once without consuming more than
// one "token" per wait cycle.
func (l *Loop) Wakeup() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// postEvent hands work from a Connection's reader/writer goroutine to the
// loop. Safe from any goroutine; becomes a no-op once the loop has stopped.
func (l *Loop) postEvent(ev event) {
	select {
	case l.events <- ev:
	case <-l.stopCh:
	}
}

// closed reports whether Close has been called.
func (l *Loop) closed() bool {
	select {
	case <-l.stopCh:
		return true
	default:
		return false
	}
}

// Close unblocks any goroutine currently posting to or waiting on the loop.
// Idempotent.
func (l *Loop) Close() {
	select {
	case <-l.stopCh:
	default:
		close(l.stopCh)
	}
}

// AddTimer arms a one-shot timer, firing after delay on the loop goroutine.
// Must only be called from the loop goroutine (i.e. from within a
// WaitAndProcess-driven callback).
func (l *Loop) AddTimer(delay time.Duration, cb func()) *Timer {
	t := &Timer{expiry: time.Now().Add(delay), callback: cb}
	heap.Push(&l.timers, t)
	return t
}

// AddPeriodicTimer arms a timer that first fires after delay, then re-arms
// with period after every firing regardless of callback duration.
func (l *Loop) AddPeriodicTimer(delay, period time.Duration, cb func()) *Timer {
	t := &Timer{expiry: time.Now().Add(delay), period: period, callback: cb}
	heap.Push(&l.timers, t)
	return t
}

// WaitAndProcess waits for the next piece of work and processes it. Timer
// firings and wakeups are handled internally and never returned: a timer
// invokes its own callback on this goroutine before WaitAndProcess returns
// again, and a wakeup simply causes a prompt, event-less return (nil, nil).
// Connection readiness/completion events are returned to the caller
// (Context.Run) for protocol-level handling.
func (l *Loop) WaitAndProcess(timeout time.Duration) (*event, error) {
	var deadlineC <-chan time.Time
	if timeout > 0 {
		dt := time.NewTimer(timeout)
		defer dt.Stop()
		deadlineC = dt.C
	}

	for {
		var timerC <-chan time.Time
		var tm *time.Timer
		if len(l.timers) > 0 {
			d := time.Until(l.timers[0].expiry)
			if d < 0 {
				d = 0
			}
			tm = time.NewTimer(d)
			timerC = tm.C
		}

		select {
		case <-l.stopCh:
			stopTimer(tm)
			return nil, wireErr("wait", ErrBusy, nil)
		case <-l.wake:
			stopTimer(tm)
			return nil, nil
		case ev := <-l.events:
			stopTimer(tm)
			return &ev, nil
		case <-timerC:
			t := heap.Pop(&l.timers).(*Timer)
			if t.canceled {
				// Lazy deletion: skip and keep waiting on whatever is next.
				continue
			}
			t.callback()
			if t.period > 0 && !t.canceled {
				t.expiry = time.Now().Add(t.period)
				heap.Push(&l.timers, t)
			}
			return nil, nil
		case <-deadlineC:
			stopTimer(tm)
			return nil, wireErr("wait", ErrTimeout, nil)
		}
	}
}

func stopTimer(tm *time.Timer) {
	if tm != nil {
		tm.Stop()
	}
}
