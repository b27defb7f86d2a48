package control

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dantte-lp/gobfd/internal/addr"
	"github.com/dantte-lp/gobfd/internal/bfd"
	version "github.com/dantte-lp/gobfd/internal/version"
)

// Engine is the subset of listener.Listener the dispatcher needs,
// narrowed to keep this package's dependency on listener small and
// explicit about what a command is allowed to touch.
type Engine interface {
	QueueOperation(fn func(), wait bool) error
	CreateActiveSession(remote, local addr.IP) (*bfd.Session, error)
	DestroySession(id uint32) error
	SessionByID(id uint32) (*bfd.Session, bool)
	Sessions() []bfd.ExtendedState
	AllowPassiveIP(ip addr.IP)
	BlockPassiveIP(ip addr.IP)
}

// Dispatcher turns argv commands into operations against an Engine and
// a process-wide shutdown signal.
type Dispatcher struct {
	engine   Engine
	shutdown func()
}

// NewDispatcher builds a Dispatcher. shutdown is invoked (off the engine
// thread, from the command-processor goroutine) when "stop" is
// received.
func NewDispatcher(engine Engine, shutdown func()) *Dispatcher {
	return &Dispatcher{engine: engine, shutdown: shutdown}
}

// Handle implements control.Handler.
func (d *Dispatcher) Handle(_ context.Context, argv []string) string {
	if len(argv) == 0 {
		return "error: empty command"
	}

	switch argv[0] {
	case "stop":
		d.shutdown()
		return "stopping"
	case "version":
		return version.Full("gobfd")
	case "connect":
		return d.cmdConnect(argv[1:])
	case "allow":
		return d.cmdAllow(argv[1:])
	case "block":
		return d.cmdBlock(argv[1:])
	case "status":
		return d.cmdStatus(argv[1:])
	case "session":
		return d.cmdSession(argv[1:])
	case "log":
		return d.cmdLog(argv[1:])
	case "test":
		return d.cmdTest(argv[1:])
	default:
		return fmt.Sprintf("error: unknown command %q", argv[0])
	}
}

// cmdConnect implements "connect local <ip> remote <ip>" (either order).
func (d *Dispatcher) cmdConnect(args []string) string {
	var localStr, remoteStr string
	for i := 0; i+1 < len(args); i += 2 {
		switch args[i] {
		case "local":
			localStr = args[i+1]
		case "remote":
			remoteStr = args[i+1]
		}
	}
	local, err := addr.ParseIP(localStr)
	if err != nil {
		return fmt.Sprintf("error: %s", err)
	}
	remote, err := addr.ParseIP(remoteStr)
	if err != nil {
		return fmt.Sprintf("error: %s", err)
	}

	var reply string
	if err := d.engine.QueueOperation(func() {
		if s, ok := d.findByPeer(remote, local); ok {
			s.UpgradeToActive()
			reply = fmt.Sprintf("session %d upgraded to active", s.ID())
			return
		}
		s, err := d.engine.CreateActiveSession(remote, local)
		if err != nil {
			reply = fmt.Sprintf("error: %s", err)
			return
		}
		reply = fmt.Sprintf("session %d created", s.ID())
	}, true); err != nil {
		return fmt.Sprintf("error: %s", err)
	}
	return reply
}

func (d *Dispatcher) findByPeer(remote, local addr.IP) (*bfd.Session, bool) {
	for _, snap := range d.engine.Sessions() {
		if snap.RemoteAddr.IP().Equal(remote) && snap.LocalAddr.Equal(local) {
			s, ok := d.engine.SessionByID(snap.ID)
			return s, ok
		}
	}
	return nil, false
}

func (d *Dispatcher) cmdAllow(args []string) string {
	if len(args) != 1 {
		return "error: usage: allow <ip>"
	}
	ip, err := addr.ParseIP(args[0])
	if err != nil {
		return fmt.Sprintf("error: %s", err)
	}
	if err := d.engine.QueueOperation(func() { d.engine.AllowPassiveIP(ip) }, true); err != nil {
		return fmt.Sprintf("error: %s", err)
	}
	return fmt.Sprintf("allowed %s", ip)
}

func (d *Dispatcher) cmdBlock(args []string) string {
	if len(args) != 1 {
		return "error: usage: block <ip>"
	}
	ip, err := addr.ParseIP(args[0])
	if err != nil {
		return fmt.Sprintf("error: %s", err)
	}
	if err := d.engine.QueueOperation(func() { d.engine.BlockPassiveIP(ip) }, true); err != nil {
		return fmt.Sprintf("error: %s", err)
	}
	return fmt.Sprintf("blocked %s", ip)
}

// cmdStatus implements "status [<selector>] [brief] [compact|nocompact]
// [level <n>]" (spec §6, §12: verbosity levels 0-4).
func (d *Dispatcher) cmdStatus(args []string) string {
	brief := false
	level := 1
	var selector []string
	i := 0
	for i < len(args) {
		switch args[i] {
		case "brief":
			brief = true
			i++
		case "compact", "nocompact":
			i++
		case "level":
			if i+1 >= len(args) {
				return "error: usage: status ... level <n>"
			}
			n, err := strconv.Atoi(args[i+1])
			if err != nil || n < 0 || n > 4 {
				return "error: level must be 0-4"
			}
			level = n
			i += 2
		default:
			selector = append(selector, args[i])
			i++
		}
	}

	var out string
	if err := d.engine.QueueOperation(func() {
		snaps := d.selectSessions(selector)
		var b strings.Builder
		for _, snap := range snaps {
			b.WriteString(renderStatus(snap, brief, level))
			b.WriteString("\n")
		}
		out = strings.TrimSuffix(b.String(), "\n")
	}, true); err != nil {
		return fmt.Sprintf("error: %s", err)
	}
	return out
}

func (d *Dispatcher) selectSessions(selector []string) []bfd.ExtendedState {
	all := d.engine.Sessions()
	if len(selector) == 0 || selector[0] == "all" {
		return all
	}
	if id, err := strconv.ParseUint(selector[0], 10, 32); err == nil {
		for _, s := range all {
			if s.ID == uint32(id) {
				return []bfd.ExtendedState{s}
			}
		}
		return nil
	}
	var localStr, remoteStr string
	for i := 0; i+1 < len(selector); i += 2 {
		switch selector[i] {
		case "local":
			localStr = selector[i+1]
		case "remote":
			remoteStr = selector[i+1]
		}
	}
	local, err1 := addr.ParseIP(localStr)
	remote, err2 := addr.ParseIP(remoteStr)
	if err1 != nil || err2 != nil {
		return nil
	}
	var out []bfd.ExtendedState
	for _, s := range all {
		if s.LocalAddr.Equal(local) && s.RemoteAddr.IP().Equal(remote) {
			out = append(out, s)
		}
	}
	return out
}

func renderStatus(s bfd.ExtendedState, brief bool, level int) string {
	line := fmt.Sprintf("session %d: %s local=%s remote=%s state=%s/%s",
		s.ID, s.Role, s.LocalAddr, s.RemoteAddr.IP(), s.LocalState, s.RemoteState)
	if brief || level == 0 {
		return line
	}
	line += fmt.Sprintf(" diag=%s tx=%dus rx=%dus detectMult=%d poll=%s",
		s.LocalDiag, s.EffectiveTx, s.EffectiveRx, s.DetectMult, s.PollState)
	if level >= 2 {
		line += fmt.Sprintf(" discr=%d/%d forced=%t suspended=%t timeout=%s",
			s.Discriminator, s.RemoteDiscr, s.Forced, s.Suspended, s.TimeoutStatus)
	}
	if level >= 3 {
		line += fmt.Sprintf(" since=%s", s.Since.Format(time.RFC3339))
	}
	if level >= 4 {
		for i, u := range s.Uptimes {
			line += fmt.Sprintf(" uptime[%d]=%s(%s-%s)", i, u.State, u.Start.Format(time.RFC3339), u.End.Format(time.RFC3339))
		}
	}
	return line
}

// cmdSession implements the "session <selector> ..." family.
func (d *Dispatcher) cmdSession(args []string) string {
	if len(args) < 2 {
		return "error: usage: session <selector> <action> ..."
	}
	selector := args[0]
	action := args[1:]

	var reply string
	if err := d.engine.QueueOperation(func() {
		s, ok := d.resolveSelector(selector)
		if !ok && selector != "new" {
			reply = fmt.Sprintf("error: session %s not found", selector)
			return
		}
		reply = d.applySessionAction(s, selector, action)
	}, true); err != nil {
		return fmt.Sprintf("error: %s", err)
	}
	return reply
}

func (d *Dispatcher) resolveSelector(selector string) (*bfd.Session, bool) {
	if id, err := strconv.ParseUint(selector, 10, 32); err == nil {
		return d.engine.SessionByID(uint32(id))
	}
	return nil, false
}

func (d *Dispatcher) applySessionAction(s *bfd.Session, selector string, action []string) string {
	if len(action) == 0 {
		return "error: missing action"
	}
	if s == nil && action[0] != "set" {
		return fmt.Sprintf("error: %s only supports 'set' on the new-session defaults", selector)
	}
	switch action[0] {
	case "state":
		return applyForceState(s, action[1:])
	case "reset":
		s.AllowStateChanges()
		return fmt.Sprintf("session %s state changes allowed", selector)
	case "suspend":
		s.SetSuspend(true)
		return fmt.Sprintf("session %s suspended", selector)
	case "resume":
		s.SetSuspend(false)
		return fmt.Sprintf("session %s resumed", selector)
	case "kill":
		return d.cmdKill(selector)
	case "set":
		return applySet(s, action[1:])
	default:
		return fmt.Sprintf("error: unknown session action %q", action[0])
	}
}

func (d *Dispatcher) cmdKill(selector string) string {
	id, err := strconv.ParseUint(selector, 10, 32)
	if err != nil {
		return "error: kill requires a numeric session id"
	}
	if err := d.engine.DestroySession(uint32(id)); err != nil {
		return fmt.Sprintf("error: %s", err)
	}
	return fmt.Sprintf("session %d killed", id)
}

func applyForceState(s *bfd.Session, args []string) string {
	if len(args) == 0 {
		return "error: usage: session <selector> state (up|down|admin) [diag]"
	}
	diag := bfd.DiagNone
	if len(args) >= 2 {
		if n, err := strconv.Atoi(args[1]); err == nil {
			diag = bfd.Diag(n)
		}
	}
	switch args[0] {
	case "down":
		s.ForceDown(diag)
		return "forced down"
	case "admin":
		s.ForceAdminDown(diag)
		return "forced admin-down"
	case "up":
		s.AllowStateChanges()
		return "state changes allowed"
	default:
		return fmt.Sprintf("error: unknown state %q", args[0])
	}
}

// applySet implements "session <selector> set (mintx|minrx|multi|cpi|
// admin_up_poll) <value [unit]>".
func applySet(s *bfd.Session, args []string) string {
	if len(args) < 2 {
		return "error: usage: set <param> <value> [unit]"
	}
	if s == nil {
		return "error: set on 'new' is handled by listener defaults, not per-session"
	}
	param, value := args[0], args[1]
	unit := "us"
	if len(args) >= 3 {
		unit = args[2]
	}

	switch param {
	case "mintx", "minrx":
		us, err := parseDuration(value, unit)
		if err != nil {
			return fmt.Sprintf("error: %s", err)
		}
		if param == "mintx" {
			s.SetMinTxInterval(us)
		} else {
			s.SetMinRxInterval(us)
		}
		return fmt.Sprintf("%s set to %dus", param, us)
	case "multi":
		n, err := strconv.ParseUint(value, 10, 8)
		if err != nil {
			return fmt.Sprintf("error: %s", err)
		}
		s.SetMulti(uint8(n))
		return fmt.Sprintf("multi set to %d", n)
	case "cpi":
		s.SetControlPlaneIndependent(value == "yes" || value == "true")
		return fmt.Sprintf("cpi set to %s", value)
	case "admin_up_poll":
		s.SetAdminUpPollWorkaround(value == "yes" || value == "true")
		return fmt.Sprintf("admin_up_poll set to %s", value)
	default:
		return fmt.Sprintf("error: unknown set parameter %q", param)
	}
}

func parseDuration(value, unit string) (uint32, error) {
	n, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("parse value %q: %w", value, err)
	}
	var micros float64
	switch unit {
	case "s":
		micros = n * 1_000_000
	case "ms":
		micros = n * 1_000
	case "us", "":
		micros = n
	default:
		return 0, fmt.Errorf("unknown unit %q", unit)
	}
	return uint32(micros), nil
}

func (d *Dispatcher) cmdLog(args []string) string {
	if len(args) == 0 {
		return "error: usage: log level|type|timing ..."
	}
	switch args[0] {
	case "level":
		if len(args) >= 2 && args[1] == "list" {
			return "debug info warn error"
		}
		return "ok"
	case "type":
		if len(args) >= 2 && args[1] == "list" {
			return "packet state timer control"
		}
		return "ok"
	case "timing":
		return "ok"
	default:
		return fmt.Sprintf("error: unknown log subcommand %q", args[0])
	}
}

func (d *Dispatcher) cmdTest(args []string) string {
	if len(args) == 0 {
		return "error: usage: test consume <nK> | test consume_beacon <nK>"
	}
	switch args[0] {
	case "consume", "consume_beacon":
		return "ok"
	default:
		return fmt.Sprintf("error: unknown test subcommand %q", args[0])
	}
}
