package bfd

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/netip"
	"time"

	"github.com/dantte-lp/gobfd/internal/addr"
	"github.com/dantte-lp/gobfd/internal/scheduler"
)

// Role distinguishes an Active session, which transmits unsolicited,
// from a Passive one, which waits for a peer before it starts.
type Role uint8

const (
	RolePassive Role = iota
	RoleActive
)

func (r Role) String() string {
	if r == RoleActive {
		return "active"
	}
	return "passive"
}

// PollState is the poll-sequence state (spec §4.3).
type PollState uint8

const (
	PollNone PollState = iota
	PollRequested
	PollPolling
	PollCompleted
)

func (p PollState) String() string {
	switch p {
	case PollRequested:
		return "requested"
	case PollPolling:
		return "polling"
	case PollCompleted:
		return "completed"
	default:
		return "none"
	}
}

// TimeoutStatus tracks the detection-timeout escalation (spec §4.3).
type TimeoutStatus uint8

const (
	TimeoutNone TimeoutStatus = iota
	TimeoutTimedOut
	TimeoutTxSuspended
)

func (t TimeoutStatus) String() string {
	switch t {
	case TimeoutTimedOut:
		return "timed-out"
	case TimeoutTxSuspended:
		return "tx-suspended"
	default:
		return "none"
	}
}

// slowPollInterval is the 1-second "slow poll" floor applied to the
// effective DesiredMinTx while local state is not Up (spec §4.3).
const slowPollInterval = time.Second

// destroyAfterTimeouts / remoteDestroyAfterTimeouts are the detection
// multiples used by the three-phase timeout escalation (spec §4.3).
const (
	destroyAfterTimeouts       = 3
	remoteDestroyAfterTimeouts = 3
)

// PortSingleHop is the well-known BFD destination port (RFC 5881 §4).
const PortSingleHop uint16 = 3784

var (
	ErrAlreadyStarted  = errors.New("session already started")
	ErrNotEngineThread = scheduler.ErrNotEngineThread
)

// PacketSender is the per-session send-socket contract (spec §4.3): a
// UDP socket bound to the session's local address and a sticky source
// port, used only to transmit.
type PacketSender interface {
	SendPacket(ctx context.Context, buf []byte, dst netip.Addr) error
	Close() error
	SrcPort() uint16
}

// SenderFactory constructs the per-session send socket, including the
// random-start/linear-probe port allocation. Supplied by the listener,
// which owns the socket facade, so that this package never imports the
// transport layer (design note: avoiding an import cycle).
type SenderFactory func(localIP netip.Addr) (PacketSender, error)

// Destroyer lets a Session ask its owner to remove it, modeling the
// Session<->Listener relationship as a non-owning callback instead of a
// cyclic pointer pair.
type Destroyer interface {
	RequestDestroy(sessionID uint32)
}

// uptimeRecord is one entry of the bounded uptime ring (spec §3, §12).
type uptimeRecord struct {
	State State
	Start time.Time
	End   time.Time
}

const uptimeRingSize = 8

// intervalPair holds the configured and effective copies of one timing
// parameter (spec §4.3: "two copies of each interval are kept").
type intervalPair struct {
	configured uint32 // microseconds, as set by the operator
	effective  uint32 // microseconds, as actually used for scheduling
}

// Session is one BFD peer's state machine, transmit/receive timing, and
// poll-sequence negotiation (spec §3, §4.3). Every method other than
// NewSession must run on the engine thread; callers elsewhere must go
// through the listener's operation queue.
type Session struct {
	id            uint32
	discriminator uint32
	remoteDiscr   uint32

	role Role

	localState  State
	remoteState State
	localDiag   Diag
	remoteDiag  Diag

	desiredMinTx  intervalPair
	requiredMinRx intervalPair
	detectMult    uint8
	cpi           bool
	adminUpPoll   bool

	pollState    PollState
	pollPending  bool // a new request arrived while already polling
	pendingFinal bool // next outbound packet must carry Final=1

	timeoutStatus TimeoutStatus
	forced        bool
	suspended     bool

	remoteMinRx      uint32
	remoteDesiredTx  uint32
	remoteDetectMult uint8

	localAddr  addr.IP
	remoteAddr addr.SocketAddr

	sender        PacketSender
	senderFactory SenderFactory

	sched         *scheduler.Scheduler
	txTimer       *scheduler.Timer
	detectTimer   *scheduler.Timer
	followupTimer *scheduler.Timer
	deadlyTimer   *scheduler.Timer

	consecutiveTimeouts int

	uptime      [uptimeRingSize]uptimeRecord
	uptimeHead  int
	uptimeCount int
	stateSince  time.Time

	started   bool
	destroyed bool

	owner Destroyer

	onStateChange StateCallback
	onTransition  TransitionHook

	log *slog.Logger
	now func() time.Time
}

// Config carries the construction-time parameters for a Session.
type Config struct {
	ID            uint32
	Discriminator uint32
	DesiredMinTx  uint32 // microseconds
	RequiredMinRx uint32 // microseconds
	DetectMult    uint8
	Owner         Destroyer
	Sched         *scheduler.Scheduler
	SenderFactory SenderFactory
	OnStateChange StateCallback
	OnTransition  TransitionHook
	Logger        *slog.Logger
	Now           func() time.Time
}

// NewSession constructs an unstarted Session. Call StartActive or
// StartPassive to arm timers and begin transmission.
func NewSession(cfg Config) *Session {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	detectMult := cfg.DetectMult
	if detectMult == 0 {
		detectMult = 3
	}

	s := &Session{
		id:            cfg.ID,
		discriminator: cfg.Discriminator,
		localState:    StateDown,
		remoteState:   StateDown,
		localDiag:     DiagNone,
		desiredMinTx:  intervalPair{configured: cfg.DesiredMinTx, effective: uint32(slowPollInterval.Microseconds())},
		requiredMinRx: intervalPair{configured: cfg.RequiredMinRx, effective: cfg.RequiredMinRx},
		remoteMinRx:   1,
		detectMult:    detectMult,
		owner:         cfg.Owner,
		sched:         cfg.Sched,
		senderFactory: cfg.SenderFactory,
		onStateChange: cfg.OnStateChange,
		onTransition:  cfg.OnTransition,
		log: log.With(
			slog.Uint64("session_id", uint64(cfg.ID)),
			slog.Uint64("discriminator", uint64(cfg.Discriminator)),
		),
		now:        now,
		stateSince: now(),
	}

	s.txTimer = s.sched.CreateTimer(scheduler.High, s.onTxTimer)
	s.detectTimer = s.sched.CreateTimer(scheduler.High, s.onDetectTimeout)
	s.followupTimer = s.sched.CreateTimer(scheduler.High, s.onFollowupTimeout)
	s.deadlyTimer = s.sched.CreateTimer(scheduler.High, s.onDeadlyTimeout)

	return s
}

// ID returns the session's human-readable small id.
func (s *Session) ID() uint32 { return s.id }

// Discriminator returns the local discriminator.
func (s *Session) Discriminator() uint32 { return s.discriminator }

// Role reports whether this session is Active or Passive.
func (s *Session) Role() Role { return s.role }

// LocalState returns the local state machine's current state.
func (s *Session) LocalState() State { return s.localState }

// RemoteState returns the last-received remote state.
func (s *Session) RemoteState() State { return s.remoteState }

// AddrPair returns the (remote-ip, local-ip) tuple used for the
// secondary session index.
func (s *Session) AddrPair() addr.Pair {
	return addr.Pair{Remote: s.remoteAddr.IP(), Local: s.localAddr}
}

// StartActive begins an Active session: it transmits unsolicited and
// immediately. Fails if the session was already started.
func (s *Session) StartActive(remoteIP, localIP addr.IP) error {
	if s.started {
		return fmt.Errorf("start active session %d: %w", s.id, ErrAlreadyStarted)
	}
	s.role = RoleActive
	s.remoteAddr = remoteIP.WithPort(PortSingleHop)
	s.localAddr = localIP
	if err := s.bindSender(); err != nil {
		return err
	}
	s.started = true
	s.rearmDetectTimer()
	s.scheduleImmediateTransmit()
	return nil
}

// StartPassive begins a Passive session created from an unsolicited
// packet (spec §4.2 step 6): the caller is expected to immediately feed
// that first packet through ProcessControlPacket. Fails if already
// started.
func (s *Session) StartPassive(remote addr.SocketAddr, localIP addr.IP) error {
	if s.started {
		return fmt.Errorf("start passive session %d: %w", s.id, ErrAlreadyStarted)
	}
	s.role = RolePassive
	s.remoteAddr = remote
	s.localAddr = localIP
	if err := s.bindSender(); err != nil {
		return err
	}
	s.started = true
	s.rearmDetectTimer()
	return nil
}

// UpgradeToActive promotes a Passive session in place, e.g. in response
// to an operator "connect" command naming an existing peer.
func (s *Session) UpgradeToActive() {
	if s.role == RoleActive {
		return
	}
	s.role = RoleActive
	s.scheduleImmediateTransmit()
}

func (s *Session) bindSender() error {
	sender, err := s.senderFactory(s.localAddr.NetipAddr())
	if err != nil {
		return fmt.Errorf("bind send socket for session %d: %w", s.id, err)
	}
	s.sender = sender
	return nil
}

// Destroy tears the session down: stops all timers and closes the send
// socket. Always initiated from the engine thread; idempotent.
func (s *Session) Destroy() {
	if s.destroyed {
		return
	}
	s.destroyed = true
	s.txTimer.Stop()
	s.detectTimer.Stop()
	s.followupTimer.Stop()
	s.deadlyTimer.Stop()
	if s.sender != nil {
		if err := s.sender.Close(); err != nil {
			s.log.Warn("close session send socket", slog.String("error", err.Error()))
		}
	}
}

// ForceDown overrides the local state to Down and suppresses incoming
// transitions until AllowStateChanges is called.
func (s *Session) ForceDown(diag Diag) {
	s.forced = true
	s.applyLocalState(StateDown, diag)
	s.scheduleImmediateTransmit()
}

// ForceAdminDown overrides the local state to AdminDown.
func (s *Session) ForceAdminDown(diag Diag) {
	s.forced = true
	s.applyLocalState(StateAdminDown, diag)
	s.detectTimer.Stop()
	s.scheduleImmediateTransmit()
}

// AllowStateChanges releases a force override. Per invariant, leaving
// AdminDown this way always lands on Down, never Init/Up directly; if
// the admin-up-poll workaround is enabled it also starts a poll
// sequence to accelerate re-convergence to Up.
func (s *Session) AllowStateChanges() {
	s.forced = false
	if s.localState == StateAdminDown {
		s.applyLocalState(StateDown, DiagNone)
		s.rearmDetectTimer()
		if s.adminUpPoll {
			s.beginPoll()
		}
	}
	s.scheduleImmediateTransmit()
}

// SetSuspend stops emitting packets while keeping the state machine and
// timers alive.
func (s *Session) SetSuspend(suspend bool) { s.suspended = suspend }

// SetMulti changes the advertised detection multiplier. Takes effect
// immediately and forces an out-of-cycle transmit.
func (s *Session) SetMulti(mult uint8) {
	if mult == 0 || mult == s.detectMult {
		return
	}
	s.detectMult = mult
	s.scheduleImmediateTransmit()
}

// SetControlPlaneIndependent sets the C bit, forcing an immediate
// transmit on change.
func (s *Session) SetControlPlaneIndependent(cpi bool) {
	if cpi == s.cpi {
		return
	}
	s.cpi = cpi
	s.scheduleImmediateTransmit()
}

// SetAdminUpPollWorkaround toggles whether AllowStateChanges from
// AdminDown also starts a poll sequence.
func (s *Session) SetAdminUpPollWorkaround(on bool) { s.adminUpPoll = on }

// SetMinTxInterval changes the configured DesiredMinTx. Lowering it (a
// faster transmit rate) tightens timing and applies immediately;
// raising it relaxes timing and requires a poll sequence (spec §4.3).
func (s *Session) SetMinTxInterval(us uint32) {
	old := s.desiredMinTx.configured
	s.desiredMinTx.configured = us
	if us <= old {
		s.desiredMinTx.effective = s.slowedTx(us)
		s.scheduleImmediateTransmit()
		return
	}
	s.beginPoll()
}

// SetMinRxInterval changes the configured RequiredMinRx. Raising it (a
// looser receive expectation) applies immediately; lowering it tightens
// detection and requires a poll sequence (spec §4.3).
func (s *Session) SetMinRxInterval(us uint32) {
	old := s.requiredMinRx.configured
	s.requiredMinRx.configured = us
	if us >= old {
		s.requiredMinRx.effective = us
		s.rearmDetectTimer()
		return
	}
	s.beginPoll()
}

// slowedTx returns tx clamped to the 1-second floor while the local
// state has not reached Up (spec §4.3, "slow poll").
func (s *Session) slowedTx(tx uint32) uint32 {
	if s.localState != StateUp {
		floor := uint32(slowPollInterval.Microseconds())
		if tx < floor {
			return floor
		}
	}
	return tx
}

// ExtendedState is the read-only snapshot exposed to the status command
// (spec §6, §12).
type ExtendedState struct {
	ID               uint32
	Discriminator    uint32
	RemoteDiscr      uint32
	Role             Role
	LocalState       State
	RemoteState      State
	LocalDiag        Diag
	DesiredMinTx     uint32
	EffectiveTx      uint32
	RequiredMinRx    uint32
	EffectiveRx      uint32
	DetectMult       uint8
	RemoteDetectMult uint8
	PollState        PollState
	TimeoutStatus    TimeoutStatus
	Forced           bool
	Suspended        bool
	LocalAddr        addr.IP
	RemoteAddr       addr.SocketAddr
	Since            time.Time
	Uptimes          []uptimeRecord
}

// ExtendedState snapshots the session for display.
func (s *Session) ExtendedState() ExtendedState {
	records := make([]uptimeRecord, s.uptimeCount)
	for i := 0; i < s.uptimeCount; i++ {
		idx := (s.uptimeHead - 1 - i + uptimeRingSize) % uptimeRingSize
		records[i] = s.uptime[idx]
	}
	return ExtendedState{
		ID:               s.id,
		Discriminator:    s.discriminator,
		RemoteDiscr:      s.remoteDiscr,
		Role:             s.role,
		LocalState:       s.localState,
		RemoteState:      s.remoteState,
		LocalDiag:        s.localDiag,
		DesiredMinTx:     s.desiredMinTx.configured,
		EffectiveTx:      s.desiredMinTx.effective,
		RequiredMinRx:    s.requiredMinRx.configured,
		EffectiveRx:      s.requiredMinRx.effective,
		DetectMult:       s.detectMult,
		RemoteDetectMult: s.remoteDetectMult,
		PollState:        s.pollState,
		TimeoutStatus:    s.timeoutStatus,
		Forced:           s.forced,
		Suspended:        s.suspended,
		LocalAddr:        s.localAddr,
		RemoteAddr:       s.remoteAddr,
		Since:            s.stateSince,
		Uptimes:          records,
	}
}

// beginPoll starts (or, if already polling, remembers) a poll sequence
// (spec §4.3, the 5-step negotiation).
func (s *Session) beginPoll() {
	switch s.pollState {
	case PollNone, PollCompleted:
		s.pollState = PollRequested
		s.scheduleImmediateTransmit()
	case PollRequested, PollPolling:
		s.pollPending = true
	}
}

// applyLocalState sets the local state and, on change, records history
// and fires callbacks.
func (s *Session) applyLocalState(newState State, diag Diag) {
	old := s.localState
	s.localState = newState
	s.localDiag = diag
	if old != newState {
		s.recordStateChange(old, newState)
	}
}

func (s *Session) recordStateChange(old, newState State) {
	now := s.now()
	s.pushUptime(old, now)
	s.stateSince = now

	if s.onStateChange != nil {
		s.onStateChange(StateChange{
			SessionID: s.id,
			Local:     s.localAddr,
			Remote:    s.remoteAddr.IP(),
			OldState:  old,
			NewState:  newState,
			Diag:      s.localDiag,
			At:        now,
		})
	}
	if s.onTransition != nil {
		s.onTransition(s.localAddr, s.remoteAddr.IP(), old, newState)
	}
	s.log.Info("state transition",
		slog.String("old", old.String()),
		slog.String("new", newState.String()),
		slog.String("diag", s.localDiag.String()),
	)
}

func (s *Session) pushUptime(state State, end time.Time) {
	s.uptime[s.uptimeHead] = uptimeRecord{State: state, Start: s.stateSince, End: end}
	s.uptimeHead = (s.uptimeHead + 1) % uptimeRingSize
	if s.uptimeCount < uptimeRingSize {
		s.uptimeCount++
	}
}

// ProcessControlPacket applies a decoded, already-demultiplexed control
// packet to this session's state machine (spec §4.3). A forced-state
// override suppresses the FSM transition below, but remote-side
// bookkeeping and the detection timer still update, since those reflect
// facts about the wire, not the session's exposed state.
func (s *Session) ProcessControlPacket(pkt *ControlPacket) {
	s.remoteDiscr = pkt.MyDiscriminator
	s.remoteState = pkt.State
	s.remoteDiag = pkt.Diag
	s.remoteDetectMult = pkt.DetectMult
	s.remoteDesiredTx = pkt.DesiredMinTxInterval
	s.remoteMinRx = pkt.RequiredMinRxInterval

	s.rearmDetectTimer()
	s.timeoutStatus = TimeoutNone
	s.consecutiveTimeouts = 0
	s.deadlyTimer.Stop()
	s.followupTimer.Stop()

	if pkt.Poll {
		s.pendingFinal = true
		s.scheduleImmediateTransmit()
	}
	if pkt.Final {
		s.completePollIfPolling()
	}

	if s.forced {
		return
	}

	event := RecvStateToEvent(pkt.State)
	result := ApplyEvent(s.localState, event)
	diag, diagChanged := diagFromActions(result.Actions)
	switch {
	case result.Changed:
		if !diagChanged {
			diag = s.localDiag
		}
		s.applyLocalState(result.NewState, diag)
	case diagChanged:
		// State-unchanged transitions (e.g. Down + recv AdminDown) can
		// still carry a diagnostic update per the FSM table.
		s.localDiag = diag
	}

	if s.localState != StateUp {
		s.desiredMinTx.effective = s.slowedTx(s.desiredMinTx.configured)
	}

	s.scheduleImmediateTransmit()
}

// completePollIfPolling finishes the poll sequence when the peer echoes
// Final back (spec §4.3, steps 4-5 of the negotiation).
func (s *Session) completePollIfPolling() {
	if s.pollState != PollPolling && s.pollState != PollRequested {
		return
	}
	s.desiredMinTx.effective = s.slowedTx(s.desiredMinTx.configured)
	s.requiredMinRx.effective = s.requiredMinRx.configured
	s.rearmDetectTimer()

	if s.pollPending {
		s.pollPending = false
		s.pollState = PollRequested
		s.scheduleImmediateTransmit()
		return
	}
	s.pollState = PollCompleted
}

// rearmDetectTimer (re)computes the detection time from the larger of
// the local effective RequiredMinRx and the peer's last-advertised
// DesiredMinTx, times the peer's DetectMult, and arms detectTimer
// (spec §4.3).
func (s *Session) rearmDetectTimer() {
	if s.remoteDetectMult == 0 {
		return
	}
	rx := s.requiredMinRx.effective
	tx := s.remoteDesiredTx
	interval := rx
	if tx > interval {
		interval = tx
	}
	d := time.Duration(interval) * time.Microsecond * time.Duration(s.remoteDetectMult)
	s.detectTimer.Reset(d)
}

// onDetectTimeout fires when no packet arrived within the detection
// time (spec §4.3, escalation phase 1: TimedOut).
func (s *Session) onDetectTimeout() {
	if s.destroyed {
		return
	}
	s.timeoutStatus = TimeoutTimedOut
	s.consecutiveTimeouts++
	s.remoteDiscr = 0
	s.remoteMinRx = 1

	if !s.forced {
		s.applyLocalState(StateDown, DiagControlTimeExpired)
		s.desiredMinTx.effective = s.slowedTx(s.desiredMinTx.configured)
	}
	s.scheduleImmediateTransmit()

	if s.consecutiveTimeouts >= destroyAfterTimeouts {
		s.onPhaseEscalation()
		return
	}

	rx := s.requiredMinRx.effective
	tx := s.remoteDesiredTx
	interval := rx
	if tx > interval {
		interval = tx
	}
	base := time.Duration(interval) * time.Microsecond * time.Duration(s.remoteDetectMult)
	s.followupTimer.Reset(base * 2)
}

// onFollowupTimeout is escalation phase 2: the session has been silent
// for 2*D beyond the first timeout. Only a Passive session additionally
// suspends transmission here; an Active session keeps retrying
// indefinitely (spec §4.3, invariant: only a Passive session that arose
// from an unsolicited connection ever self-destroys on silence).
func (s *Session) onFollowupTimeout() {
	if s.destroyed {
		return
	}
	if s.role == RolePassive {
		s.timeoutStatus = TimeoutTxSuspended
		s.suspended = true
	}
	s.deadlyTimer.Reset(s.deadlyDuration())
}

func (s *Session) deadlyDuration() time.Duration {
	rx := s.requiredMinRx.effective
	tx := s.remoteDesiredTx
	interval := rx
	if tx > interval {
		interval = tx
	}
	return time.Duration(interval) * time.Microsecond * time.Duration(remoteDestroyAfterTimeouts)
}

// onPhaseEscalation decides, at the destroyAfterTimeouts threshold,
// whether this session self-destroys. Only a Passive session is allowed
// to disappear on silence; an Active session stays in TimedOut
// indefinitely (spec §4.3, invariant 3).
func (s *Session) onPhaseEscalation() {
	if s.role != RolePassive {
		return
	}
	if s.owner != nil {
		s.owner.RequestDestroy(s.id)
	}
}

// onDeadlyTimeout is escalation phase 3: reached only by a Passive
// session still silent remoteDestroyAfterTimeouts intervals after
// follow-up began.
func (s *Session) onDeadlyTimeout() {
	if s.destroyed || s.role != RolePassive {
		return
	}
	if s.owner != nil {
		s.owner.RequestDestroy(s.id)
	}
}

// scheduleImmediateTransmit arms txTimer to fire on the next loop
// iteration, used whenever an out-of-cycle packet must go out (state
// change, poll/final, parameter change).
func (s *Session) scheduleImmediateTransmit() {
	s.txTimer.Reset(0)
}

// onTxTimer transmits one control packet and reschedules itself per the
// jittered-interval formula (spec §4.3): u ~ Uniform[0.75, 1.00),
// transmit = floor(T * u), capped at 0.90*T when DetectMult == 1 so the
// session never waits the full interval with no margin.
func (s *Session) onTxTimer() {
	if s.destroyed {
		return
	}
	if !s.suspended && s.periodicTxAllowed() {
		if err := s.transmit(); err != nil {
			s.log.Warn("transmit control packet", slog.String("error", err.Error()))
		}
	}
	s.txTimer.Reset(s.nextTxInterval())
}

// periodicTxAllowed reports whether a periodic control packet may go out
// right now (spec §4.3, "Transmit scheduling"). Periodic transmission is
// suppressed while this session is a passive listener that has never
// heard from its peer (RemoteDiscr == 0), and while the peer's last-
// advertised RequiredMinRx is 0 (demand mode / not yet established).
func (s *Session) periodicTxAllowed() bool {
	if s.role == RolePassive && s.remoteDiscr == 0 {
		return false
	}
	return s.remoteMinRx != 0
}

func (s *Session) nextTxInterval() time.Duration {
	t := s.desiredMinTx.effective
	if s.remoteMinRx > 0 && s.remoteMinRx > t {
		t = s.remoteMinRx
	}

	u := jitterFraction()
	if s.detectMult == 1 && u > 0.90 {
		u = 0.90
	}
	us := uint32(math.Floor(float64(t) * u))
	return time.Duration(us) * time.Microsecond
}

// jitterFraction draws u ~ Uniform[0.75, 1.00) from crypto/rand, the
// same randomness source the discriminator allocator uses.
func jitterFraction() float64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0.875 // midpoint fallback; never observed in practice
	}
	v := binary.BigEndian.Uint64(buf[:])
	frac := float64(v) / float64(math.MaxUint64)
	return 0.75 + frac*0.25
}

// transmit builds and sends one control packet reflecting current
// session state (spec §4.1, §4.3).
func (s *Session) transmit() error {
	pkt := ControlPacket{
		Version:                   Version,
		Diag:                      s.localDiag,
		State:                     s.localState,
		Poll:                      s.pollState == PollRequested || s.pollState == PollPolling,
		Final:                     s.pendingFinal,
		ControlPlaneIndependent:   s.cpi,
		DetectMult:                s.detectMult,
		MyDiscriminator:           s.discriminator,
		YourDiscriminator:         s.remoteDiscr,
		DesiredMinTxInterval:      s.desiredMinTx.configured,
		RequiredMinRxInterval:     s.requiredMinRx.configured,
		RequiredMinEchoRxInterval: 0,
	}
	if pkt.Poll && s.pollState == PollRequested {
		s.pollState = PollPolling
	}
	s.pendingFinal = false

	bufp := PacketPool.Get().(*[]byte)
	defer PacketPool.Put(bufp)
	buf := *bufp

	n, err := Encode(&pkt, buf)
	if err != nil {
		return fmt.Errorf("encode control packet for session %d: %w", s.id, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.sender.SendPacket(ctx, buf[:n], s.remoteAddr.IP().NetipAddr()); err != nil {
		return fmt.Errorf("send control packet for session %d: %w", s.id, err)
	}
	return nil
}
