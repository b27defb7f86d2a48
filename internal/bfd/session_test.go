package bfd_test

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/dantte-lp/gobfd/internal/addr"
	"github.com/dantte-lp/gobfd/internal/bfd"
	"github.com/dantte-lp/gobfd/internal/scheduler"
)

// fakeSender captures packets a Session would otherwise send over the
// wire, decoding them for assertions.
type fakeSender struct {
	mu      sync.Mutex
	packets []bfd.ControlPacket
	closed  bool
	srcPort uint16
}

func (f *fakeSender) SendPacket(_ context.Context, buf []byte, _ netip.Addr) error {
	pkt, reason := bfd.Decode(buf)
	if reason != bfd.DiscardNone {
		return nil
	}
	f.mu.Lock()
	f.packets = append(f.packets, pkt)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) SrcPort() uint16 { return f.srcPort }

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.packets)
}

func (f *fakeSender) last(t *testing.T) bfd.ControlPacket {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.packets) == 0 {
		t.Fatal("no packets sent")
	}
	return f.packets[len(f.packets)-1]
}

func (f *fakeSender) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeDestroyer records RequestDestroy calls from session self-teardown.
type fakeDestroyer struct {
	mu        sync.Mutex
	destroyed []uint32
}

func (d *fakeDestroyer) RequestDestroy(id uint32) {
	d.mu.Lock()
	d.destroyed = append(d.destroyed, id)
	d.mu.Unlock()
}

func (d *fakeDestroyer) requestedFor(id uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, x := range d.destroyed {
		if x == id {
			return true
		}
	}
	return false
}

func newTestScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	s, err := scheduler.New(slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}
	return s
}

type sessionFixture struct {
	sched  *scheduler.Scheduler
	sender *fakeSender
	dest   *fakeDestroyer
	sess   *bfd.Session
}

func newSessionFixture(t *testing.T, mutate func(*bfd.Config)) *sessionFixture {
	t.Helper()
	f := &sessionFixture{
		sched:  newTestScheduler(t),
		sender: &fakeSender{},
		dest:   &fakeDestroyer{},
	}

	cfg := bfd.Config{
		ID:            1,
		Discriminator: 0x1001,
		DesiredMinTx:  2000,
		RequiredMinRx: 2000,
		DetectMult:    3,
		Owner:         f.dest,
		Sched:         f.sched,
		SenderFactory: func(netip.Addr) (bfd.PacketSender, error) { return f.sender, nil },
		Logger:        slog.New(slog.DiscardHandler),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.sess = bfd.NewSession(cfg)
	return f
}

// runUntil drives the scheduler loop until cond is true or deadline
// elapses, then stops the loop. Used for the handful of behaviors that
// only happen once real timers fire.
func runUntil(sched *scheduler.Scheduler, timeout time.Duration, cond func() bool) {
	deadline := time.Now().Add(timeout)
	sched.Run(func() bool {
		return cond() || time.Now().After(deadline)
	})
}

func mustParseIP(t *testing.T, s string) addr.IP {
	t.Helper()
	ip, err := addr.ParseIP(s)
	if err != nil {
		t.Fatalf("ParseIP(%q): %v", s, err)
	}
	return ip
}

func TestNewSessionStartsInDown(t *testing.T) {
	f := newSessionFixture(t, nil)
	if f.sess.LocalState() != bfd.StateDown {
		t.Errorf("LocalState() = %v, want Down", f.sess.LocalState())
	}
	if f.sess.ID() != 1 {
		t.Errorf("ID() = %d, want 1", f.sess.ID())
	}
	if f.sess.Discriminator() != 0x1001 {
		t.Errorf("Discriminator() = %#x, want 0x1001", f.sess.Discriminator())
	}
}

func TestStartActiveTransmitsImmediately(t *testing.T) {
	f := newSessionFixture(t, nil)
	local := mustParseIP(t, "10.0.0.1")
	remote := mustParseIP(t, "10.0.0.2")

	if err := f.sess.StartActive(remote, local); err != nil {
		t.Fatalf("StartActive: %v", err)
	}
	if f.sess.Role() != bfd.RoleActive {
		t.Errorf("Role() = %v, want Active", f.sess.Role())
	}

	runUntil(f.sched, time.Second, func() bool { return f.sender.count() > 0 })
	if f.sender.count() == 0 {
		t.Fatal("StartActive never transmitted a control packet")
	}
	pkt := f.sender.last(t)
	if pkt.State != bfd.StateDown {
		t.Errorf("transmitted State = %v, want Down", pkt.State)
	}
	if pkt.MyDiscriminator != f.sess.Discriminator() {
		t.Errorf("transmitted MyDiscriminator = %#x, want %#x", pkt.MyDiscriminator, f.sess.Discriminator())
	}
}

func TestStartActiveAlreadyStarted(t *testing.T) {
	f := newSessionFixture(t, nil)
	local := mustParseIP(t, "10.0.0.1")
	remote := mustParseIP(t, "10.0.0.2")
	if err := f.sess.StartActive(remote, local); err != nil {
		t.Fatalf("StartActive: %v", err)
	}
	if err := f.sess.StartActive(remote, local); err == nil {
		t.Fatal("second StartActive: want ErrAlreadyStarted, got nil")
	}
}

func TestStartPassiveWaitsForFirstPacket(t *testing.T) {
	f := newSessionFixture(t, nil)
	local := mustParseIP(t, "10.0.0.1")
	remote := mustParseIP(t, "10.0.0.2").WithPort(bfd.PortSingleHop)

	if err := f.sess.StartPassive(remote, local); err != nil {
		t.Fatalf("StartPassive: %v", err)
	}
	if f.sess.Role() != bfd.RolePassive {
		t.Errorf("Role() = %v, want Passive", f.sess.Role())
	}

	// A Passive session never transmits unsolicited.
	time.Sleep(10 * time.Millisecond)
	if f.sender.count() != 0 {
		t.Errorf("passive session transmitted %d packets before first receive, want 0", f.sender.count())
	}
}

func TestUpgradeToActiveStartsTransmitting(t *testing.T) {
	f := newSessionFixture(t, nil)
	local := mustParseIP(t, "10.0.0.1")
	remote := mustParseIP(t, "10.0.0.2").WithPort(bfd.PortSingleHop)
	if err := f.sess.StartPassive(remote, local); err != nil {
		t.Fatalf("StartPassive: %v", err)
	}

	f.sess.UpgradeToActive()
	if f.sess.Role() != bfd.RoleActive {
		t.Errorf("Role() after UpgradeToActive = %v, want Active", f.sess.Role())
	}

	runUntil(f.sched, time.Second, func() bool { return f.sender.count() > 0 })
	if f.sender.count() == 0 {
		t.Fatal("UpgradeToActive never transmitted a control packet")
	}
}

func TestProcessControlPacketThreeWayHandshake(t *testing.T) {
	f := newSessionFixture(t, nil)
	local := mustParseIP(t, "10.0.0.1")
	remote := mustParseIP(t, "10.0.0.2")
	if err := f.sess.StartActive(remote, local); err != nil {
		t.Fatalf("StartActive: %v", err)
	}

	recv := &bfd.ControlPacket{
		State:                 bfd.StateDown,
		DetectMult:            3,
		MyDiscriminator:       500,
		YourDiscriminator:     f.sess.Discriminator(),
		DesiredMinTxInterval:  50000,
		RequiredMinRxInterval: 50000,
	}
	f.sess.ProcessControlPacket(recv)
	if f.sess.LocalState() != bfd.StateInit {
		t.Fatalf("after remote Down: LocalState() = %v, want Init", f.sess.LocalState())
	}

	recv.State = bfd.StateUp
	f.sess.ProcessControlPacket(recv)
	if f.sess.LocalState() != bfd.StateUp {
		t.Fatalf("after remote Up: LocalState() = %v, want Up", f.sess.LocalState())
	}
	if f.sess.RemoteState() != bfd.StateUp {
		t.Errorf("RemoteState() = %v, want Up", f.sess.RemoteState())
	}
}

func TestProcessControlPacketNeighborDownSetsDiag(t *testing.T) {
	f := newSessionFixture(t, nil)
	local := mustParseIP(t, "10.0.0.1")
	remote := mustParseIP(t, "10.0.0.2")
	if err := f.sess.StartActive(remote, local); err != nil {
		t.Fatalf("StartActive: %v", err)
	}

	// Drive to Up first.
	up := &bfd.ControlPacket{
		State:                 bfd.StateDown,
		DetectMult:            3,
		MyDiscriminator:       500,
		YourDiscriminator:     f.sess.Discriminator(),
		DesiredMinTxInterval:  50000,
		RequiredMinRxInterval: 50000,
	}
	f.sess.ProcessControlPacket(up)
	up.State = bfd.StateUp
	f.sess.ProcessControlPacket(up)
	if f.sess.LocalState() != bfd.StateUp {
		t.Fatalf("setup: LocalState() = %v, want Up", f.sess.LocalState())
	}

	down := *up
	down.State = bfd.StateDown
	f.sess.ProcessControlPacket(&down)

	snap := f.sess.ExtendedState()
	if snap.LocalState != bfd.StateDown {
		t.Fatalf("after peer Down: LocalState() = %v, want Down", snap.LocalState)
	}
	if snap.LocalDiag != bfd.DiagNeighborDown {
		t.Errorf("LocalDiag = %v, want DiagNeighborDown", snap.LocalDiag)
	}
}

func TestForceDownSuppressesIncomingTransitions(t *testing.T) {
	f := newSessionFixture(t, nil)
	local := mustParseIP(t, "10.0.0.1")
	remote := mustParseIP(t, "10.0.0.2")
	if err := f.sess.StartActive(remote, local); err != nil {
		t.Fatalf("StartActive: %v", err)
	}

	f.sess.ForceDown(bfd.DiagAdminDown)
	if f.sess.LocalState() != bfd.StateDown {
		t.Fatalf("ForceDown: LocalState() = %v, want Down", f.sess.LocalState())
	}

	recv := &bfd.ControlPacket{
		State:                 bfd.StateUp,
		DetectMult:            3,
		MyDiscriminator:       500,
		YourDiscriminator:     f.sess.Discriminator(),
		DesiredMinTxInterval:  50000,
		RequiredMinRxInterval: 50000,
	}
	f.sess.ProcessControlPacket(recv)
	if f.sess.LocalState() != bfd.StateDown {
		t.Errorf("forced session changed state on incoming Up: LocalState() = %v, want Down", f.sess.LocalState())
	}
}

func TestForceAdminDownThenAllowStateChangesLandsOnDown(t *testing.T) {
	f := newSessionFixture(t, nil)
	local := mustParseIP(t, "10.0.0.1")
	remote := mustParseIP(t, "10.0.0.2")
	if err := f.sess.StartActive(remote, local); err != nil {
		t.Fatalf("StartActive: %v", err)
	}

	f.sess.ForceAdminDown(bfd.DiagAdminDown)
	if f.sess.LocalState() != bfd.StateAdminDown {
		t.Fatalf("ForceAdminDown: LocalState() = %v, want AdminDown", f.sess.LocalState())
	}

	f.sess.AllowStateChanges()
	if f.sess.LocalState() != bfd.StateDown {
		t.Errorf("AllowStateChanges from AdminDown: LocalState() = %v, want Down", f.sess.LocalState())
	}
}

func TestAllowStateChangesWithAdminUpPollStartsPoll(t *testing.T) {
	f := newSessionFixture(t, nil)
	local := mustParseIP(t, "10.0.0.1")
	remote := mustParseIP(t, "10.0.0.2")
	if err := f.sess.StartActive(remote, local); err != nil {
		t.Fatalf("StartActive: %v", err)
	}

	f.sess.SetAdminUpPollWorkaround(true)
	f.sess.ForceAdminDown(bfd.DiagAdminDown)
	f.sess.AllowStateChanges()

	if got := f.sess.ExtendedState().PollState; got != bfd.PollRequested {
		t.Errorf("PollState after AllowStateChanges = %v, want PollRequested", got)
	}
}

func TestSetMultiChangesDetectMult(t *testing.T) {
	f := newSessionFixture(t, nil)
	local := mustParseIP(t, "10.0.0.1")
	remote := mustParseIP(t, "10.0.0.2")
	if err := f.sess.StartActive(remote, local); err != nil {
		t.Fatalf("StartActive: %v", err)
	}

	f.sess.SetMulti(5)
	runUntil(f.sched, time.Second, func() bool {
		return f.sender.count() > 0 && f.sender.last(t).DetectMult == 5
	})
	if got := f.sender.last(t).DetectMult; got != 5 {
		t.Errorf("transmitted DetectMult = %d, want 5", got)
	}
}

func TestSetMultiIgnoresZero(t *testing.T) {
	f := newSessionFixture(t, nil)
	before := f.sess.ExtendedState().DetectMult
	f.sess.SetMulti(0)
	if got := f.sess.ExtendedState().DetectMult; got != before {
		t.Errorf("SetMulti(0) changed DetectMult from %d to %d", before, got)
	}
}

func TestSetControlPlaneIndependentTogglesFlag(t *testing.T) {
	f := newSessionFixture(t, nil)
	local := mustParseIP(t, "10.0.0.1")
	remote := mustParseIP(t, "10.0.0.2")
	if err := f.sess.StartActive(remote, local); err != nil {
		t.Fatalf("StartActive: %v", err)
	}

	f.sess.SetControlPlaneIndependent(true)
	runUntil(f.sched, time.Second, func() bool {
		return f.sender.count() > 0 && f.sender.last(t).ControlPlaneIndependent
	})
	if !f.sender.last(t).ControlPlaneIndependent {
		t.Error("transmitted packet missing ControlPlaneIndependent after SetControlPlaneIndependent(true)")
	}
}

func TestSetMinTxIntervalLoweringAppliesImmediately(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.sess.SetMinTxInterval(500)
	if got := f.sess.ExtendedState().PollState; got != bfd.PollNone {
		t.Errorf("lowering DesiredMinTx started a poll: PollState = %v, want PollNone", got)
	}
}

func TestSetMinTxIntervalRaisingStartsPoll(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.sess.SetMinTxInterval(50000)
	if got := f.sess.ExtendedState().PollState; got != bfd.PollRequested {
		t.Errorf("raising DesiredMinTx: PollState = %v, want PollRequested", got)
	}
}

func TestSetMinRxIntervalRaisingAppliesImmediately(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.sess.SetMinRxInterval(50000)
	if got := f.sess.ExtendedState().PollState; got != bfd.PollNone {
		t.Errorf("raising RequiredMinRx started a poll: PollState = %v, want PollNone", got)
	}
	if got := f.sess.ExtendedState().EffectiveRx; got != 50000 {
		t.Errorf("EffectiveRx = %d, want 50000", got)
	}
}

func TestSetMinRxIntervalLoweringStartsPoll(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.sess.SetMinRxInterval(500)
	if got := f.sess.ExtendedState().PollState; got != bfd.PollRequested {
		t.Errorf("lowering RequiredMinRx: PollState = %v, want PollRequested", got)
	}
}

func TestPollSequenceCompletesOnFinal(t *testing.T) {
	f := newSessionFixture(t, nil)
	local := mustParseIP(t, "10.0.0.1")
	remote := mustParseIP(t, "10.0.0.2")
	if err := f.sess.StartActive(remote, local); err != nil {
		t.Fatalf("StartActive: %v", err)
	}
	f.sess.SetMinTxInterval(50000)
	if got := f.sess.ExtendedState().PollState; got != bfd.PollRequested {
		t.Fatalf("setup: PollState = %v, want PollRequested", got)
	}

	runUntil(f.sched, time.Second, func() bool { return f.sender.count() > 0 })
	if got := f.sess.ExtendedState().PollState; got != bfd.PollPolling {
		t.Fatalf("after transmit with Poll set: PollState = %v, want PollPolling", got)
	}

	final := &bfd.ControlPacket{
		State:                 bfd.StateDown,
		Final:                 true,
		DetectMult:            3,
		MyDiscriminator:       500,
		YourDiscriminator:     f.sess.Discriminator(),
		DesiredMinTxInterval:  50000,
		RequiredMinRxInterval: 50000,
	}
	f.sess.ProcessControlPacket(final)
	if got := f.sess.ExtendedState().PollState; got != bfd.PollCompleted {
		t.Errorf("after Final: PollState = %v, want PollCompleted", got)
	}
}

func TestExtendedStateSnapshot(t *testing.T) {
	f := newSessionFixture(t, nil)
	local := mustParseIP(t, "10.0.0.1")
	remote := mustParseIP(t, "10.0.0.2")
	if err := f.sess.StartActive(remote, local); err != nil {
		t.Fatalf("StartActive: %v", err)
	}

	snap := f.sess.ExtendedState()
	if snap.ID != 1 {
		t.Errorf("ID = %d, want 1", snap.ID)
	}
	if snap.LocalAddr != local {
		t.Errorf("LocalAddr = %v, want %v", snap.LocalAddr, local)
	}
	if snap.RemoteAddr.IP() != remote {
		t.Errorf("RemoteAddr = %v, want %v", snap.RemoteAddr.IP(), remote)
	}
	if snap.Since.IsZero() {
		t.Error("Since is zero, want a timestamp")
	}
}

func TestDestroyIsIdempotentAndClosesSender(t *testing.T) {
	f := newSessionFixture(t, nil)
	local := mustParseIP(t, "10.0.0.1")
	remote := mustParseIP(t, "10.0.0.2")
	if err := f.sess.StartActive(remote, local); err != nil {
		t.Fatalf("StartActive: %v", err)
	}

	f.sess.Destroy()
	if !f.sender.isClosed() {
		t.Error("Destroy did not close the send socket")
	}
	f.sess.Destroy() // must not panic
}

func TestPassiveSessionSelfDestroysOnSilence(t *testing.T) {
	f := newSessionFixture(t, func(cfg *bfd.Config) {
		cfg.RequiredMinRx = 2000 // 2ms
	})
	local := mustParseIP(t, "10.0.0.1")
	remote := mustParseIP(t, "10.0.0.2").WithPort(bfd.PortSingleHop)
	if err := f.sess.StartPassive(remote, local); err != nil {
		t.Fatalf("StartPassive: %v", err)
	}

	// One inbound packet arms the detection timer (remoteDetectMult=1
	// keeps the subsequent escalation phases short for the test).
	first := &bfd.ControlPacket{
		State:                 bfd.StateUp,
		DetectMult:            1,
		MyDiscriminator:       500,
		YourDiscriminator:     f.sess.Discriminator(),
		DesiredMinTxInterval:  2000,
		RequiredMinRxInterval: 2000,
	}
	f.sess.ProcessControlPacket(first)

	runUntil(f.sched, 2*time.Second, func() bool { return f.dest.requestedFor(1) })
	if !f.dest.requestedFor(1) {
		t.Fatal("silent passive session never requested destruction")
	}
}
