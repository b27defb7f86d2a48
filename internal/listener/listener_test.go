package listener

import (
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/dantte-lp/gobfd/internal/addr"
	"github.com/dantte-lp/gobfd/internal/bfd"
	"github.com/dantte-lp/gobfd/internal/scheduler"
)

func newTestScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	s, err := scheduler.New(slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}
	return s
}

func newTestListener(t *testing.T) *Listener {
	t.Helper()
	l, err := New(Config{
		Sched:                newTestScheduler(t),
		Logger:               slog.New(slog.DiscardHandler),
		DefaultDesiredMinTx:  200_000,
		DefaultRequiredMinRx: 200_000,
		DefaultDetectMult:    3,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func mustParseIP(t *testing.T, s string) addr.IP {
	t.Helper()
	ip, err := addr.ParseIP(s)
	if err != nil {
		t.Fatalf("ParseIP(%q): %v", s, err)
	}
	return ip
}

// runUntil drives the scheduler loop until cond is true or timeout
// elapses, matching internal/bfd/session_test.go's pattern for driving
// real timers within a bounded test window.
func runUntil(sched *scheduler.Scheduler, timeout time.Duration, cond func() bool) {
	deadline := time.Now().Add(timeout)
	sched.Run(func() bool {
		return cond() || time.Now().After(deadline)
	})
}

func TestCreateActiveSessionIndexesAndStarts(t *testing.T) {
	l := newTestListener(t)
	remote := mustParseIP(t, "127.0.0.2")
	local := mustParseIP(t, "127.0.0.1")

	s, err := l.CreateActiveSession(remote, local)
	if err != nil {
		t.Fatalf("CreateActiveSession: %v", err)
	}
	defer s.Destroy()

	if got, ok := l.SessionByID(s.ID()); !ok || got != s {
		t.Fatalf("SessionByID(%d) = (%v, %v), want (%v, true)", s.ID(), got, ok, s)
	}
	if got, ok := l.byDiscr[s.Discriminator()]; !ok || got != s {
		t.Fatalf("byDiscr[%#x] not indexed to the new session", s.Discriminator())
	}
	pair := addr.Pair{Remote: remote, Local: local}
	if got, ok := l.byPair[pair]; !ok || got != s {
		t.Fatalf("byPair[%s] not indexed to the new session", pair)
	}

	snaps := l.Sessions()
	if len(snaps) != 1 || snaps[0].ID != s.ID() {
		t.Fatalf("Sessions() = %v, want one entry for id %d", snaps, s.ID())
	}
}

func TestCreateActiveSessionRejectsDuplicatePair(t *testing.T) {
	l := newTestListener(t)
	remote := mustParseIP(t, "127.0.0.2")
	local := mustParseIP(t, "127.0.0.1")

	s, err := l.CreateActiveSession(remote, local)
	if err != nil {
		t.Fatalf("CreateActiveSession: %v", err)
	}
	defer s.Destroy()

	if _, err := l.CreateActiveSession(remote, local); err == nil {
		t.Fatal("CreateActiveSession did not reject a duplicate (remote,local) pair")
	}
}

func TestDestroySessionRemovesFromAllIndexes(t *testing.T) {
	l := newTestListener(t)
	remote := mustParseIP(t, "127.0.0.2")
	local := mustParseIP(t, "127.0.0.1")

	s, err := l.CreateActiveSession(remote, local)
	if err != nil {
		t.Fatalf("CreateActiveSession: %v", err)
	}

	id := s.ID()
	discr := s.Discriminator()
	if err := l.DestroySession(id); err != nil {
		t.Fatalf("DestroySession: %v", err)
	}

	if _, ok := l.SessionByID(id); ok {
		t.Error("SessionByID still finds a destroyed session")
	}
	if _, ok := l.byDiscr[discr]; ok {
		t.Error("byDiscr still indexes a destroyed session's discriminator")
	}
	if len(l.Sessions()) != 0 {
		t.Errorf("Sessions() = %v, want empty after destroy", l.Sessions())
	}
}

func TestDestroySessionUnknownIDErrors(t *testing.T) {
	l := newTestListener(t)
	if err := l.DestroySession(999); err == nil {
		t.Fatal("DestroySession(999) on an empty listener did not error")
	}
}

func TestRequestDestroyIsNoopForUnknownID(t *testing.T) {
	l := newTestListener(t)
	l.RequestDestroy(999) // must not panic
}

func TestAllowBlockPassiveIPGatesDispatch(t *testing.T) {
	l := newTestListener(t)
	remote := netip.MustParseAddr("127.0.0.3")
	local := netip.MustParseAddr("127.0.0.1")

	pkt := bfd.ControlPacket{
		Version:               bfd.Version,
		State:                 bfd.StateDown,
		DetectMult:            3,
		MyDiscriminator:       0x2001,
		YourDiscriminator:     0,
		DesiredMinTxInterval:  200_000,
		RequiredMinRxInterval: 200_000,
	}

	l.dispatch(pkt, remote, local)
	if len(l.byPair) != 0 {
		t.Fatal("dispatch created a passive session from a non-allow-listed source")
	}

	l.AllowPassiveIP(addr.FromNetipAddr(remote))
	l.dispatch(pkt, remote, local)
	if len(l.byPair) != 1 {
		t.Fatalf("dispatch did not create a passive session once the source was allow-listed, byPair = %v", l.byPair)
	}

	for _, s := range l.bySmall {
		l.removeSession(s)
	}

	l.BlockPassiveIP(addr.FromNetipAddr(remote))
	remote2 := netip.MustParseAddr("127.0.0.3")
	pkt2 := pkt
	pkt2.MyDiscriminator = 0x2002
	l.dispatch(pkt2, remote2, local)
	if len(l.byPair) != 0 {
		t.Fatal("dispatch created a passive session from a source that was blocked")
	}
}

func TestDispatchRoutesByDiscriminatorFirst(t *testing.T) {
	l := newTestListener(t)
	remote := mustParseIP(t, "127.0.0.2")
	local := mustParseIP(t, "127.0.0.1")

	s, err := l.CreateActiveSession(remote, local)
	if err != nil {
		t.Fatalf("CreateActiveSession: %v", err)
	}
	defer s.Destroy()

	pkt := bfd.ControlPacket{
		Version:               bfd.Version,
		State:                 bfd.StateInit,
		DetectMult:            3,
		MyDiscriminator:       0x9999,
		YourDiscriminator:     s.Discriminator(),
		DesiredMinTxInterval:  200_000,
		RequiredMinRxInterval: 200_000,
	}

	l.dispatch(pkt, remote.NetipAddr(), local.NetipAddr())

	if s.RemoteState() != bfd.StateInit {
		t.Fatalf("RemoteState() = %v after dispatch, want Init", s.RemoteState())
	}
}

func TestQueueOperationRunsOnEngineThread(t *testing.T) {
	l := newTestListener(t)
	done := make(chan struct{})

	if err := l.QueueOperation(func() { close(done) }, false); err != nil {
		t.Fatalf("QueueOperation: %v", err)
	}

	ran := func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
	runUntil(l.sched, time.Second, ran)

	if !ran() {
		t.Fatal("queued operation never ran within the scheduler loop")
	}
}

func TestQueueOperationRejectsAfterShutdown(t *testing.T) {
	l := newTestListener(t)
	l.Shutdown()

	ran := false
	err := l.QueueOperation(func() { ran = true }, false)
	if err != ErrQueueClosed {
		t.Fatalf("QueueOperation after Shutdown = %v, want ErrQueueClosed", err)
	}
	if ran {
		t.Fatal("QueueOperation ran fn after Shutdown")
	}
}

func TestAssertEngineThreadPanicsOffThread(t *testing.T) {
	l := newTestListener(t)
	done := make(chan struct{})

	// Start the engine loop on another goroutine so this test's own
	// goroutine is genuinely "off thread" relative to it.
	go func() {
		deadline := time.Now().Add(300 * time.Millisecond)
		l.sched.Run(func() bool { return time.Now().After(deadline) })
		close(done)
	}()

	// Give the Run goroutine a chance to actually start looping before
	// calling in from here.
	time.Sleep(20 * time.Millisecond)

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("SessionByID from a non-engine goroutine did not panic")
			}
		}()
		l.SessionByID(1)
	}()

	<-done
}
