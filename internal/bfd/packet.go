// Package bfd implements the BFD (RFC 5880) session engine: the wire
// codec, the per-session state machine, interval/jitter calculation, and
// discriminator allocation.
package bfd

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// Version is the BFD protocol version this implementation emits.
// RFC 5880 Section 4.1 defines version 1; version 0 is tolerated on
// receipt for historical peers but never emitted.
const Version uint8 = 1

// HeaderSize is the mandatory BFD Control packet size in bytes: six
// 32-bit words (RFC 5880 Section 4.1).
const HeaderSize = 24

// MaxPacketSize is the largest buffer a caller ever needs for a Control
// packet. Authentication is never emitted or accepted, so packets never
// exceed HeaderSize; padded slightly for headroom in PacketPool buffers.
const MaxPacketSize = 32

// MinPacketSizeWithAuth is the minimum Length field value when the A bit
// is set (RFC 5880 Section 6.8.6). Packets with Auth set are rejected
// outright (see DiscardAuthRequested), but the length floor is still
// checked first so a truncated auth packet reports the right reason.
const MinPacketSizeWithAuth = 26

// unknownFmt formats an out-of-range enum value.
const unknownFmt = "Unknown(%d)"

// Diag is the BFD diagnostic code (RFC 5880 Section 4.1), a 5-bit field.
type Diag uint8

const (
	DiagNone                 Diag = 0
	DiagControlTimeExpired   Diag = 1 // called ControlDetectExpired in spec prose
	DiagEchoFailed           Diag = 2
	DiagNeighborDown         Diag = 3 // NeighborSessionDown
	DiagForwardingPlaneReset Diag = 4
	DiagPathDown             Diag = 5
	DiagConcatPathDown       Diag = 6
	DiagAdminDown            Diag = 7
	DiagReverseConcatDown    Diag = 8
)

var diagNames = [9]string{
	"None", "ControlDetectExpired", "EchoFailed", "NeighborSessionDown",
	"ForwardingPlaneReset", "PathDown", "ConcatenatedPathDown",
	"AdminDown", "ReverseConcatenatedPathDown",
}

func (d Diag) String() string {
	if int(d) < len(diagNames) {
		return diagNames[d]
	}
	return fmt.Sprintf(unknownFmt, uint8(d))
}

// State is the BFD session state (RFC 5880 Section 4.1), a 2-bit field.
type State uint8

const (
	StateAdminDown State = 0
	StateDown      State = 1
	StateInit      State = 2
	StateUp        State = 3
)

var stateNames = [4]string{"AdminDown", "Down", "Init", "Up"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf(unknownFmt, uint8(s))
}

// ControlPacket is a decoded BFD Control packet (RFC 5880 Section 4.1).
// Interval fields are in microseconds, matching the wire format; callers
// convert to time.Duration at the session boundary.
type ControlPacket struct {
	Version                 uint8
	Diag                    Diag
	State                   State
	Poll                    bool
	Final                   bool
	ControlPlaneIndependent bool
	AuthPresent             bool
	Demand                  bool
	Multipoint              bool
	DetectMult              uint8
	Length                  uint8

	MyDiscriminator           uint32
	YourDiscriminator         uint32
	DesiredMinTxInterval      uint32
	RequiredMinRxInterval     uint32
	RequiredMinEchoRxInterval uint32
}

// DiscardReason identifies why Decode refused a packet. These are never
// propagated as errors: a discard is an expected, frequent outcome that
// is logged once and silently drops the packet (spec §4.1, §7).
type DiscardReason int

const (
	DiscardNone DiscardReason = iota
	DiscardTooShort
	DiscardLengthExceedsPayload
	DiscardBadVersion
	DiscardZeroDetectMult
	DiscardMultipointSet
	DiscardZeroMyDiscriminator
	DiscardZeroYourDiscriminator
	DiscardAuthRequested
	DiscardBadTTL
	DiscardBadSourcePort
	DiscardDiscriminatorMismatch
	DiscardUnauthorizedSource
)

var discardNames = [...]string{
	"none", "too-short", "length-exceeds-payload", "bad-version",
	"zero-detect-mult", "multipoint-set", "zero-my-discriminator",
	"zero-your-discriminator", "auth-requested", "bad-ttl",
	"bad-source-port", "discriminator-mismatch", "unauthorized-source",
}

func (r DiscardReason) String() string {
	if int(r) < len(discardNames) {
		return discardNames[r]
	}
	return fmt.Sprintf(unknownFmt, int(r))
}

// ErrBufTooSmall is returned by Encode when buf cannot hold a packet.
var ErrBufTooSmall = fmt.Errorf("buffer too small for BFD control packet")

// Decode parses a BFD Control packet from buf. On success it returns the
// decoded packet and DiscardNone. On any validation failure it returns
// the zero packet and the specific DiscardReason, per RFC 5880 Section
// 6.8.6 steps 1-7, in the order spec.md §4.1 lists them.
//
// Authentication is never implemented: a packet with the Auth bit set is
// always rejected with DiscardAuthRequested rather than parsed.
func Decode(buf []byte) (ControlPacket, DiscardReason) {
	var pkt ControlPacket

	if len(buf) < HeaderSize {
		return pkt, DiscardTooShort
	}

	// Byte 0: Version(3 bits high) | Diag(5 bits low).
	pkt.Version = buf[0] >> 5
	pkt.Diag = Diag(buf[0] & 0x1F)

	// Byte 1: State(2 bits) | P | F | C | A | D | M.
	flags := buf[1]
	pkt.State = State(flags >> 6)
	pkt.Poll = flags&(1<<5) != 0
	pkt.Final = flags&(1<<4) != 0
	pkt.ControlPlaneIndependent = flags&(1<<3) != 0
	pkt.AuthPresent = flags&(1<<2) != 0
	pkt.Demand = flags&(1<<1) != 0
	pkt.Multipoint = flags&(1<<0) != 0

	pkt.DetectMult = buf[2]
	pkt.Length = buf[3]

	if pkt.AuthPresent && pkt.Length < MinPacketSizeWithAuth {
		return ControlPacket{}, DiscardTooShort
	}
	if int(pkt.Length) > len(buf) {
		return ControlPacket{}, DiscardLengthExceedsPayload
	}
	// Redundant with the len(buf) < HeaderSize check above: kept because
	// spec.md lists it as a separate step ("length < 24 (duplicate check
	// kept deliberately)").
	if pkt.Length < HeaderSize {
		return ControlPacket{}, DiscardTooShort
	}
	if pkt.Version != 0 && pkt.Version != Version {
		return ControlPacket{}, DiscardBadVersion
	}
	if pkt.DetectMult == 0 {
		return ControlPacket{}, DiscardZeroDetectMult
	}
	if pkt.Multipoint {
		return ControlPacket{}, DiscardMultipointSet
	}

	pkt.MyDiscriminator = binary.BigEndian.Uint32(buf[4:8])
	pkt.YourDiscriminator = binary.BigEndian.Uint32(buf[8:12])
	pkt.DesiredMinTxInterval = binary.BigEndian.Uint32(buf[12:16])
	pkt.RequiredMinRxInterval = binary.BigEndian.Uint32(buf[16:20])
	pkt.RequiredMinEchoRxInterval = binary.BigEndian.Uint32(buf[20:24])

	if pkt.MyDiscriminator == 0 {
		return ControlPacket{}, DiscardZeroMyDiscriminator
	}
	if pkt.YourDiscriminator == 0 && pkt.State != StateDown && pkt.State != StateAdminDown {
		return ControlPacket{}, DiscardZeroYourDiscriminator
	}
	if pkt.AuthPresent {
		return ControlPacket{}, DiscardAuthRequested
	}

	return pkt, DiscardNone
}

// Encode serializes pkt into buf, which must be at least HeaderSize
// bytes. Encode always emits version 1 and clears Auth/Demand/Multipoint
// regardless of the fields set on pkt, matching spec §4.1 ("Encode
// always emits version 1, clears Auth/Demand/Multipoint").
func Encode(pkt *ControlPacket, buf []byte) (int, error) {
	if len(buf) < HeaderSize {
		return 0, fmt.Errorf("encode control packet: need %d bytes, got %d: %w",
			HeaderSize, len(buf), ErrBufTooSmall)
	}

	buf[0] = (Version << 5) | (uint8(pkt.Diag) & 0x1F)

	var flags uint8
	flags = uint8(pkt.State) << 6
	if pkt.Poll {
		flags |= 1 << 5
	}
	if pkt.Final {
		flags |= 1 << 4
	}
	if pkt.ControlPlaneIndependent {
		flags |= 1 << 3
	}
	buf[1] = flags

	buf[2] = pkt.DetectMult
	buf[3] = HeaderSize

	binary.BigEndian.PutUint32(buf[4:8], pkt.MyDiscriminator)
	binary.BigEndian.PutUint32(buf[8:12], pkt.YourDiscriminator)
	binary.BigEndian.PutUint32(buf[12:16], pkt.DesiredMinTxInterval)
	binary.BigEndian.PutUint32(buf[16:20], pkt.RequiredMinRxInterval)
	binary.BigEndian.PutUint32(buf[20:24], pkt.RequiredMinEchoRxInterval)

	return HeaderSize, nil
}

// PacketPool provides reusable receive/transmit buffers, avoiding an
// allocation per packet on the hot path.
var PacketPool = sync.Pool{
	New: func() any {
		buf := make([]byte, MaxPacketSize)
		return &buf
	},
}
