// Package scheduler implements the single-threaded event loop that
// drives the whole engine: fd readability, one-shot priority timers,
// and cross-thread wakeup via a self-pipe.
//
// Modeled on the OpenBFDD Scheduler/SchedulerBase/KeventScheduler split
// (kqueue-or-select, chosen once at construction): the event backend is
// an interface (eventBackend) so a kqueue or select implementation
// could be added for non-Linux platforms without touching Scheduler
// itself. The only backend implemented here is epoll (epoll_linux.go),
// Linux's analog of kqueue.
package scheduler

import (
	"bytes"
	"container/heap"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"time"
)

// Priority orders which timers run first when both are due, and which
// class the starvation-avoidance rule (loop step 5) favors.
type Priority int

const (
	Low Priority = iota
	High
)

// maxPollInterval bounds how long waitForEvents blocks when no timer is
// pending, so the loop still periodically checks its shutdown flag.
const maxPollInterval = 3 * time.Second

// ErrNotEngineThread is returned by assertions guarding APIs that may
// only be called from the thread running Scheduler.Run.
var ErrNotEngineThread = errors.New("called off the engine thread")

// eventBackend is the polymorphic event-source half of the loop (design
// note: "Scheduler is polymorphic over its event backend"). A concrete
// implementation is selected once, at construction.
type eventBackend interface {
	// WatchFD registers fd for readability notification.
	WatchFD(fd int) error
	// UnwatchFD deregisters fd.
	UnwatchFD(fd int) error
	// WaitForEvents blocks up to timeout for at least one ready fd, or
	// returns immediately with none if timeout elapses. Returns false
	// if nothing became ready.
	WaitForEvents(timeout time.Duration) (ready []int, ok bool)
	// Close releases backend resources (e.g. the epoll fd).
	Close() error
}

// TimerID identifies a timer created by Scheduler.CreateTimer.
type TimerID uint64

// SignalID identifies a cross-thread signal channel created by
// Scheduler.CreateSignalChannel.
type SignalID uint64

type timer struct {
	id       TimerID
	priority Priority
	callback func()
	expiry   time.Time
	pending  bool
	index    int // position in its priority heap, maintained by container/heap
}

// timerHeap is a container/heap.Interface ordering timers by expiry.
type timerHeap []*timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].expiry.Before(h[j].expiry) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x any)         { t := x.(*timer); t.index = len(*h); *h = append(*h, t) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Timer is a handle to a scheduled one-shot callback. Safe to use only
// from the engine thread.
type Timer struct {
	s *Scheduler
	t *timer
}

// Reset arms (or re-arms) the timer to fire after d, replacing any
// pending expiry. Resetting is how BFD tx/detect timers implement
// "(re)arm on every accepted packet / every transmit".
func (tm *Timer) Reset(d time.Duration) {
	tm.s.resetTimer(tm.t, tm.s.now().Add(d))
}

// Stop disarms the timer. A no-op if already stopped.
func (tm *Timer) Stop() {
	tm.s.stopTimer(tm.t)
}

// Pending reports whether the timer is currently armed.
func (tm *Timer) Pending() bool {
	return tm.t.pending
}

type signalChannel struct {
	id       SignalID
	callback func()
	readFD   int
	writeFD  int
}

// Scheduler is the single-threaded event loop described in spec §4.4.
// Every exported method except Signal, IsEngineThread and the constructor must
// only be called from the goroutine running Run.
type Scheduler struct {
	backend eventBackend
	log     *slog.Logger

	now func() time.Time

	highHeap timerHeap
	lowHeap  timerHeap
	nextID   uint64

	fdCallbacks map[int]func()
	signals     map[int]*signalChannel // keyed by readFD
	nextSigID   uint64

	threadID  uint64 // goroutine id captured on Run entry; compared by IsEngineThread
	running   bool
	lastEvent bool // true if the previous iteration delivered >=1 fd/timer event
}

// New constructs a Scheduler with the default (epoll) backend.
func New(log *slog.Logger) (*Scheduler, error) {
	backend, err := newDefaultBackend()
	if err != nil {
		return nil, fmt.Errorf("construct scheduler backend: %w", err)
	}
	return &Scheduler{
		backend:     backend,
		log:         log,
		now:         time.Now,
		fdCallbacks: make(map[int]func()),
		signals:     make(map[int]*signalChannel),
	}, nil
}

// CreateTimer registers a new, initially disarmed, one-shot timer.
func (s *Scheduler) CreateTimer(priority Priority, callback func()) *Timer {
	s.nextID++
	t := &timer{id: TimerID(s.nextID), priority: priority, callback: callback, index: -1}
	return &Timer{s: s, t: t}
}

func (s *Scheduler) heapFor(p Priority) *timerHeap {
	if p == High {
		return &s.highHeap
	}
	return &s.lowHeap
}

func (s *Scheduler) resetTimer(t *timer, expiry time.Time) {
	h := s.heapFor(t.priority)
	t.expiry = expiry
	if t.pending {
		heap.Fix(h, t.index)
		return
	}
	t.pending = true
	heap.Push(h, t)
}

func (s *Scheduler) stopTimer(t *timer) {
	if !t.pending {
		return
	}
	h := s.heapFor(t.priority)
	heap.Remove(h, t.index)
	t.pending = false
}

// WatchFD registers fd for readability; cb runs on the engine thread
// when fd becomes readable.
func (s *Scheduler) WatchFD(fd int, cb func()) error {
	if err := s.backend.WatchFD(fd); err != nil {
		return fmt.Errorf("watch fd %d: %w", fd, err)
	}
	s.fdCallbacks[fd] = cb
	return nil
}

// UnwatchFD deregisters fd.
func (s *Scheduler) UnwatchFD(fd int) error {
	delete(s.fdCallbacks, fd)
	if err := s.backend.UnwatchFD(fd); err != nil {
		return fmt.Errorf("unwatch fd %d: %w", fd, err)
	}
	return nil
}

// CreateSignalChannel returns a SignalID whose Signal may be called
// from any thread to wake the loop and invoke cb on the engine thread.
func (s *Scheduler) CreateSignalChannel(cb func()) (SignalID, error) {
	rfd, wfd, err := newPipe()
	if err != nil {
		return 0, fmt.Errorf("create signal channel: %w", err)
	}
	s.nextSigID++
	sc := &signalChannel{id: SignalID(s.nextSigID), callback: cb, readFD: rfd, writeFD: wfd}
	s.signals[rfd] = sc
	if err := s.backend.WatchFD(rfd); err != nil {
		return 0, fmt.Errorf("watch signal pipe: %w", err)
	}
	return sc.id, nil
}

// Signal wakes the loop and schedules the callback registered for id.
// Safe to call from any thread, including the engine thread itself.
func (s *Scheduler) Signal(id SignalID) error {
	for _, sc := range s.signals {
		if sc.id == id {
			return writeOneByte(sc.writeFD)
		}
	}
	return fmt.Errorf("signal %d: unknown signal channel", id)
}

// nextTimeout implements loop step 1: the wait budget for this
// iteration, capped so shutdown is still observed periodically, and
// zero if the previous iteration delivered any event (poll-first).
func (s *Scheduler) nextTimeout() time.Duration {
	if s.lastEvent {
		return 0
	}

	var earliest time.Time
	have := false
	if len(s.highHeap) > 0 {
		earliest, have = s.highHeap[0].expiry, true
	}
	if len(s.lowHeap) > 0 && (!have || s.lowHeap[0].expiry.Before(earliest)) {
		earliest, have = s.lowHeap[0].expiry, true
	}
	if !have {
		return maxPollInterval
	}

	d := earliest.Sub(s.now())
	if d < 0 {
		return 0
	}
	if d > maxPollInterval {
		return maxPollInterval
	}
	return d
}

// fireExpiredHigh implements loop step 3: fire every expired
// High-priority timer, restarting the scan after each fire since a
// callback may arm new timers.
func (s *Scheduler) fireExpiredHigh() int {
	fired := 0
	for len(s.highHeap) > 0 && !s.highHeap[0].expiry.After(s.now()) {
		t := heap.Pop(&s.highHeap).(*timer)
		t.pending = false
		t.callback()
		fired++
	}
	return fired
}

// fireOneLow implements loop step 5: starvation avoidance.
func (s *Scheduler) fireOneLow() bool {
	if len(s.lowHeap) == 0 || s.lowHeap[0].expiry.After(s.now()) {
		return false
	}
	t := heap.Pop(&s.lowHeap).(*timer)
	t.pending = false
	t.callback()
	return true
}

// IsEngineThread reports whether the calling goroutine may safely touch
// state owned by the engine thread. Before Run has ever been entered
// there is no engine loop to violate, so callers are trivially allowed
// (covers one-time construction/wiring before the loop starts); once
// Run is looping, only the goroutine that entered it passes.
func (s *Scheduler) IsEngineThread() bool {
	if !s.running {
		return true
	}
	return goroutineID() == s.threadID
}

// goroutineID extracts the calling goroutine's numeric id from the
// "goroutine 123 [running]:" header runtime.Stack writes, solely to
// back IsEngineThread's assertion. There is no supported stdlib API for
// goroutine identity; this is the same stack-parsing trick used by
// goroutine-aware loggers elsewhere in the ecosystem.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// Run executes the event loop until shutdown reports true. It must be
// called from exactly the goroutine that is to be considered "the
// engine thread" for the remainder of the process.
func (s *Scheduler) Run(shutdown func() bool) {
	s.threadID = goroutineID()
	s.running = true
	defer func() { s.running = false }()

	for !shutdown() {
		timeout := s.nextTimeout()
		ready, waited := s.backend.WaitForEvents(timeout)

		highFired := s.fireExpiredHigh()

		delivered := 0
		for _, fd := range ready {
			if sc, ok := s.signals[fd]; ok {
				drainPipe(sc.readFD)
				sc.callback()
				delivered++
				continue
			}
			if cb, ok := s.fdCallbacks[fd]; ok {
				cb()
				delivered++
			}
		}

		lowFired := false
		if highFired == 0 && delivered == 0 {
			lowFired = s.fireOneLow()
		}

		s.lastEvent = waited || highFired > 0 || delivered > 0 || lowFired
	}

	if err := s.backend.Close(); err != nil {
		s.log.Warn("close scheduler backend", slog.String("error", err.Error()))
	}
}
