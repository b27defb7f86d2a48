// Package listener owns every BFD session on one engine thread: the
// discriminator and (remote,local) indexes, the allow-list for
// unsolicited session creation, and the cross-thread operation queue
// that is the only legal way for another goroutine (a control-channel
// handler, a signal handler) to mutate engine state.
//
// Modeled on the teacher's internal/bfd Manager (discriminator + peer-key
// demux, unsolicited-session policy) and on original_source/Session.cpp's
// comment that "all session objects are touched from a single thread";
// the mutex-protected maps there are replaced by exclusive ownership plus
// an operation queue, since nothing outside the engine thread ever reads
// or writes a Session directly.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/dantte-lp/gobfd/internal/addr"
	"github.com/dantte-lp/gobfd/internal/bfd"
	"github.com/dantte-lp/gobfd/internal/netio"
	"github.com/dantte-lp/gobfd/internal/scheduler"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrDuplicateSession = errors.New("duplicate session for this peer")
	ErrSourceNotAllowed = errors.New("source address not allow-listed for passive sessions")
	ErrSmallIDSpaceFull = errors.New("small session id space exhausted")

	// ErrQueueClosed is returned by QueueOperation once Shutdown has been
	// called: no further cross-thread operations are accepted.
	ErrQueueClosed = errors.New("operation queue is shutting down")
)

// op is one cross-thread request queued for the engine thread.
type op struct {
	fn   func()
	done chan struct{} // non-nil when the caller wants to block for completion
}

// Listener is the engine-thread-exclusive owner of every Session, every
// receive socket, and the allow-list governing unsolicited session
// creation (RFC 9468). Every method documented "engine thread only"
// asserts that at runtime via Scheduler.IsEngineThread and panics on
// violation: a caller reaching one of these off-thread is a programming
// bug, not a recoverable condition.
type Listener struct {
	sched *scheduler.Scheduler
	log   *slog.Logger

	byDiscr map[uint32]*bfd.Session
	byPair  map[addr.Pair]*bfd.Session
	bySmall map[uint32]*bfd.Session
	nextSmallID uint32

	discriminators *bfd.DiscriminatorAllocator

	allowAll    bool
	allowedIPs  map[addr.IP]struct{}

	conns []netio.PacketConn

	queue        []op
	queueMu      sync.Mutex
	queueSig     scheduler.SignalID
	shuttingDown bool

	defaultDesiredMinTx  uint32
	defaultRequiredMinRx uint32
	defaultDetectMult    uint8

	transitionHook bfd.TransitionHook
	onStateChange  bfd.StateCallback
}

// Config carries Listener construction parameters.
type Config struct {
	Sched                *scheduler.Scheduler
	Logger               *slog.Logger
	DefaultDesiredMinTx  uint32 // microseconds
	DefaultRequiredMinRx uint32 // microseconds
	DefaultDetectMult    uint8
	TransitionHook       bfd.TransitionHook
	OnStateChange        bfd.StateCallback
}

// New constructs a Listener with no sockets and an empty session set.
// Call Listen for each local address to receive on, then run the
// returned Scheduler's Run loop to start processing.
func New(cfg Config) (*Listener, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	l := &Listener{
		sched:                cfg.Sched,
		log:                  log,
		byDiscr:              make(map[uint32]*bfd.Session),
		byPair:               make(map[addr.Pair]*bfd.Session),
		bySmall:              make(map[uint32]*bfd.Session),
		nextSmallID:          1,
		discriminators:       bfd.NewDiscriminatorAllocator(),
		allowedIPs:           make(map[addr.IP]struct{}),
		defaultDesiredMinTx:  cfg.DefaultDesiredMinTx,
		defaultRequiredMinRx: cfg.DefaultRequiredMinRx,
		defaultDetectMult:    cfg.DefaultDetectMult,
		transitionHook:       cfg.TransitionHook,
		onStateChange:        cfg.OnStateChange,
	}

	sigID, err := cfg.Sched.CreateSignalChannel(l.drainQueue)
	if err != nil {
		return nil, fmt.Errorf("create listener operation queue signal: %w", err)
	}
	l.queueSig = sigID
	return l, nil
}

// Listen binds a single-hop receive socket on localIP and starts a
// background reader goroutine that decodes packets and hands them to
// the engine thread via QueueOperation. A dedicated goroutine is used,
// rather than registering the socket fd with the scheduler directly,
// because net.UDPConn does not expose a stable fd for epoll without
// additional plumbing the teacher's netio layer does not provide;
// ReadPacket's blocking call is the only thing that runs off-thread.
func (l *Listener) Listen(ctx context.Context, localIP netip.Addr, ifName string) error {
	conn, err := netio.NewSingleHopListener(ctx, localIP, ifName)
	if err != nil {
		return fmt.Errorf("listen on %s%%%s: %w", localIP, ifName, err)
	}
	l.conns = append(l.conns, conn)

	go l.readLoop(conn)
	return nil
}

func (l *Listener) readLoop(conn netio.PacketConn) {
	for {
		bufp := bfd.PacketPool.Get().(*[]byte)
		buf := *bufp
		n, meta, err := conn.ReadPacket(buf)
		if err != nil {
			bfd.PacketPool.Put(bufp)
			l.log.Info("receive socket closed", slog.String("error", err.Error()))
			return
		}

		if err := netio.ValidateTTL(meta, false); err != nil {
			bfd.PacketPool.Put(bufp)
			l.log.Warn("discard packet", slog.String("reason", "bad-ttl"), slog.String("src", meta.SrcAddr.String()))
			continue
		}

		pkt, reason := bfd.Decode(buf[:n])
		bfd.PacketPool.Put(bufp)
		if reason != bfd.DiscardNone {
			l.log.Warn("discard packet", slog.String("reason", reason.String()), slog.String("src", meta.SrcAddr.String()))
			continue
		}

		src := meta.SrcAddr
		dst := meta.DstAddr
		if err := l.QueueOperation(func() {
			l.dispatch(pkt, src, dst)
		}, false); err != nil {
			l.log.Warn("queue received packet", slog.String("error", err.Error()))
		}
	}
}

// dispatch implements the packet pipeline's demux step (spec §4.2):
// locate by discriminator first, fall back to the (remote,local) pair,
// and if neither matches, attempt unsolicited passive-session creation
// when the source is allow-listed. Always runs on the engine thread.
func (l *Listener) dispatch(pkt bfd.ControlPacket, src, dst netip.Addr) {
	if pkt.YourDiscriminator != 0 {
		if s, ok := l.byDiscr[pkt.YourDiscriminator]; ok {
			s.ProcessControlPacket(&pkt)
			return
		}
		l.log.Warn("discard packet", slog.String("reason", bfd.DiscardDiscriminatorMismatch.String()))
		return
	}

	pair := addr.Pair{Remote: addr.FromNetipAddr(src), Local: addr.FromNetipAddr(dst)}
	if s, ok := l.byPair[pair]; ok {
		s.ProcessControlPacket(&pkt)
		return
	}

	if !l.sourceAllowed(addr.FromNetipAddr(src)) {
		l.log.Warn("discard packet", slog.String("reason", bfd.DiscardUnauthorizedSource.String()), slog.String("src", src.String()))
		return
	}

	remote := addr.FromNetipAddr(src).WithPort(bfd.PortSingleHop)
	s, err := l.createSession(remote, addr.FromNetipAddr(dst), bfd.RolePassive)
	if err != nil {
		l.log.Warn("create passive session", slog.String("error", err.Error()))
		return
	}
	s.ProcessControlPacket(&pkt)
}

// assertEngineThread panics if the calling goroutine is not the one
// currently running the scheduler loop (spec §5's is_engine_thread
// check, required at every public API boundary).
func (l *Listener) assertEngineThread(method string) {
	if l.sched.IsEngineThread() {
		return
	}
	l.log.Error("is_engine_thread violation", slog.String("method", method))
	panic(scheduler.ErrNotEngineThread)
}

func (l *Listener) sourceAllowed(ip addr.IP) bool {
	if l.allowAll {
		return true
	}
	_, ok := l.allowedIPs[ip]
	return ok
}

// AllowPassiveIP allow-lists a single source address for unsolicited
// passive session creation (RFC 9468 §2). Engine thread only.
func (l *Listener) AllowPassiveIP(ip addr.IP) {
	l.assertEngineThread("AllowPassiveIP")
	l.allowedIPs[ip] = struct{}{}
}

// BlockPassiveIP removes ip from the allow-list. Engine thread only.
func (l *Listener) BlockPassiveIP(ip addr.IP) {
	l.assertEngineThread("BlockPassiveIP")
	delete(l.allowedIPs, ip)
}

// AllowAllPassiveConnections disables the allow-list check entirely.
// Engine thread only.
func (l *Listener) AllowAllPassiveConnections(allow bool) {
	l.assertEngineThread("AllowAllPassiveConnections")
	l.allowAll = allow
}

// senderFactory adapts netio's auto-port UDP sender to bfd.SenderFactory.
func (l *Listener) senderFactory(localIP netip.Addr) (bfd.PacketSender, error) {
	sender, err := netio.NewUDPSenderAutoPort(localIP, false, l.log)
	if err != nil {
		return nil, err
	}
	return sender, nil
}

// createSession allocates a discriminator and small id, constructs a
// Session, starts it, and indexes it. Engine thread only.
func (l *Listener) createSession(remote, local addr.IP, role bfd.Role) (*bfd.Session, error) {
	pair := addr.Pair{Remote: remote, Local: local}
	if _, exists := l.byPair[pair]; exists {
		return nil, fmt.Errorf("create session for %s: %w", pair, ErrDuplicateSession)
	}

	discr, err := l.discriminators.Allocate()
	if err != nil {
		return nil, fmt.Errorf("allocate discriminator: %w", err)
	}
	smallID, err := l.allocateSmallID()
	if err != nil {
		l.discriminators.Release(discr)
		return nil, err
	}

	s := bfd.NewSession(bfd.Config{
		ID:            smallID,
		Discriminator: discr,
		DesiredMinTx:  l.defaultDesiredMinTx,
		RequiredMinRx: l.defaultRequiredMinRx,
		DetectMult:    l.defaultDetectMult,
		Owner:         l,
		Sched:         l.sched,
		SenderFactory: l.senderFactory,
		OnStateChange: l.onStateChange,
		OnTransition:  l.transitionHook,
		Logger:        l.log,
	})

	var startErr error
	switch role {
	case bfd.RoleActive:
		startErr = s.StartActive(remote, local)
	default:
		startErr = s.StartPassive(remote.WithPort(bfd.PortSingleHop), local)
	}
	if startErr != nil {
		l.discriminators.Release(discr)
		delete(l.bySmall, smallID)
		return nil, startErr
	}

	l.byDiscr[discr] = s
	l.byPair[pair] = s
	l.bySmall[smallID] = s
	return s, nil
}

func (l *Listener) allocateSmallID() (uint32, error) {
	for i := 0; i < len(l.bySmall)+1024; i++ {
		id := l.nextSmallID
		l.nextSmallID++
		if l.nextSmallID == 0 {
			l.nextSmallID = 1
		}
		if _, used := l.bySmall[id]; !used {
			return id, nil
		}
	}
	return 0, ErrSmallIDSpaceFull
}

// CreateActiveSession starts an Active session toward remote from local
// (the "connect" control command). Engine thread only.
func (l *Listener) CreateActiveSession(remote, local addr.IP) (*bfd.Session, error) {
	l.assertEngineThread("CreateActiveSession")
	return l.createSession(remote, local, bfd.RoleActive)
}

// RequestDestroy implements bfd.Destroyer: called by a Session on the
// engine thread when it decides to self-destroy (detection-timeout
// escalation phase 3).
func (l *Listener) RequestDestroy(sessionID uint32) {
	l.assertEngineThread("RequestDestroy")
	s, ok := l.bySmall[sessionID]
	if !ok {
		return
	}
	l.removeSession(s)
}

// DestroySession destroys and unindexes a session by its small id
// (the "session kill" control command). Engine thread only.
func (l *Listener) DestroySession(sessionID uint32) error {
	l.assertEngineThread("DestroySession")
	s, ok := l.bySmall[sessionID]
	if !ok {
		return fmt.Errorf("destroy session %d: %w", sessionID, ErrSessionNotFound)
	}
	l.removeSession(s)
	return nil
}

func (l *Listener) removeSession(s *bfd.Session) {
	s.Destroy()
	delete(l.byDiscr, s.Discriminator())
	delete(l.byPair, s.AddrPair())
	delete(l.bySmall, s.ID())
	l.discriminators.Release(s.Discriminator())
}

// SessionByID looks up a session by its small id for status/control
// commands. Engine thread only.
func (l *Listener) SessionByID(id uint32) (*bfd.Session, bool) {
	l.assertEngineThread("SessionByID")
	s, ok := l.bySmall[id]
	return s, ok
}

// Sessions returns every session's extended state snapshot, ordered by
// small id is not guaranteed; callers sort for display. Engine thread
// only.
func (l *Listener) Sessions() []bfd.ExtendedState {
	l.assertEngineThread("Sessions")
	out := make([]bfd.ExtendedState, 0, len(l.bySmall))
	for _, s := range l.bySmall {
		out = append(out, s.ExtendedState())
	}
	return out
}

// QueueOperation posts fn to run on the engine thread. If wait is true,
// QueueOperation blocks until fn has run. Safe to call from any
// goroutine, including the engine thread itself (wait must be false in
// that case to avoid deadlocking against oneself). Returns ErrQueueClosed
// without enqueueing once Shutdown has been called.
func (l *Listener) QueueOperation(fn func(), wait bool) error {
	o := op{fn: fn}
	if wait {
		o.done = make(chan struct{})
	}

	l.queueMu.Lock()
	if l.shuttingDown {
		l.queueMu.Unlock()
		return ErrQueueClosed
	}
	l.queue = append(l.queue, o)
	l.queueMu.Unlock()

	if err := l.sched.Signal(l.queueSig); err != nil {
		l.log.Warn("signal engine thread", slog.String("error", err.Error()))
	}
	if wait {
		<-o.done
	}
	return nil
}

// Shutdown stops QueueOperation from accepting further work. Queued
// operations already accepted still run; the caller is responsible for
// draining the scheduler loop afterward.
func (l *Listener) Shutdown() {
	l.queueMu.Lock()
	l.shuttingDown = true
	l.queueMu.Unlock()
}

// drainQueue runs every queued operation. Invoked on the engine thread
// in response to the queue's signal channel firing.
func (l *Listener) drainQueue() {
	l.queueMu.Lock()
	pending := l.queue
	l.queue = nil
	l.queueMu.Unlock()

	for _, o := range pending {
		o.fn()
		if o.done != nil {
			close(o.done)
		}
	}
}
