package bfd_test

import (
	"testing"

	"github.com/dantte-lp/gobfd/internal/bfd"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	pkt := &bfd.ControlPacket{
		Diag:                      bfd.DiagControlTimeExpired,
		State:                     bfd.StateUp,
		Poll:                      true,
		Final:                     false,
		ControlPlaneIndependent:   true,
		DetectMult:                3,
		MyDiscriminator:           0xDEADBEEF,
		YourDiscriminator:         0xCAFEBABE,
		DesiredMinTxInterval:      100000,
		RequiredMinRxInterval:     200000,
		RequiredMinEchoRxInterval: 0,
	}

	buf := make([]byte, bfd.HeaderSize)
	n, err := bfd.Encode(pkt, buf)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if n != bfd.HeaderSize {
		t.Fatalf("Encode returned %d bytes, want %d", n, bfd.HeaderSize)
	}

	got, reason := bfd.Decode(buf[:n])
	if reason != bfd.DiscardNone {
		t.Fatalf("Decode discard reason = %v, want DiscardNone", reason)
	}

	if got.Version != bfd.Version {
		t.Errorf("Version = %d, want %d", got.Version, bfd.Version)
	}
	if got.Diag != pkt.Diag {
		t.Errorf("Diag = %v, want %v", got.Diag, pkt.Diag)
	}
	if got.State != pkt.State {
		t.Errorf("State = %v, want %v", got.State, pkt.State)
	}
	if got.Poll != pkt.Poll {
		t.Errorf("Poll = %v, want %v", got.Poll, pkt.Poll)
	}
	if got.Final != pkt.Final {
		t.Errorf("Final = %v, want %v", got.Final, pkt.Final)
	}
	if got.ControlPlaneIndependent != pkt.ControlPlaneIndependent {
		t.Errorf("ControlPlaneIndependent = %v, want %v", got.ControlPlaneIndependent, pkt.ControlPlaneIndependent)
	}
	if got.AuthPresent {
		t.Error("AuthPresent = true, Encode must never set it")
	}
	if got.Demand {
		t.Error("Demand = true, Encode must never set it")
	}
	if got.Multipoint {
		t.Error("Multipoint = true, Encode must never set it")
	}
	if got.DetectMult != pkt.DetectMult {
		t.Errorf("DetectMult = %d, want %d", got.DetectMult, pkt.DetectMult)
	}
	if got.Length != bfd.HeaderSize {
		t.Errorf("Length = %d, want %d", got.Length, bfd.HeaderSize)
	}
	if got.MyDiscriminator != pkt.MyDiscriminator {
		t.Errorf("MyDiscriminator = %#x, want %#x", got.MyDiscriminator, pkt.MyDiscriminator)
	}
	if got.YourDiscriminator != pkt.YourDiscriminator {
		t.Errorf("YourDiscriminator = %#x, want %#x", got.YourDiscriminator, pkt.YourDiscriminator)
	}
	if got.DesiredMinTxInterval != pkt.DesiredMinTxInterval {
		t.Errorf("DesiredMinTxInterval = %d, want %d", got.DesiredMinTxInterval, pkt.DesiredMinTxInterval)
	}
	if got.RequiredMinRxInterval != pkt.RequiredMinRxInterval {
		t.Errorf("RequiredMinRxInterval = %d, want %d", got.RequiredMinRxInterval, pkt.RequiredMinRxInterval)
	}
	if got.RequiredMinEchoRxInterval != pkt.RequiredMinEchoRxInterval {
		t.Errorf("RequiredMinEchoRxInterval = %d, want %d", got.RequiredMinEchoRxInterval, pkt.RequiredMinEchoRxInterval)
	}
}

// TestEncodeAlwaysClearsRefusedFlags checks that Encode ignores Auth/Demand/
// Multipoint set on the input struct rather than reflecting them to the wire.
func TestEncodeAlwaysClearsRefusedFlags(t *testing.T) {
	pkt := &bfd.ControlPacket{
		State:             bfd.StateDown,
		AuthPresent:       true,
		Demand:            true,
		Multipoint:        true,
		DetectMult:        1,
		MyDiscriminator:   1,
		YourDiscriminator: 0,
	}
	buf := make([]byte, bfd.HeaderSize)
	if _, err := bfd.Encode(pkt, buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, reason := bfd.Decode(buf)
	if reason != bfd.DiscardNone {
		t.Fatalf("Decode discard reason = %v, want DiscardNone", reason)
	}
	if got.AuthPresent || got.Demand || got.Multipoint {
		t.Errorf("Encode must clear Auth/Demand/Multipoint, got %+v", got)
	}
}

func TestEncodeAlwaysEmitsCurrentVersion(t *testing.T) {
	pkt := &bfd.ControlPacket{
		Version:           0,
		State:             bfd.StateDown,
		DetectMult:        1,
		MyDiscriminator:   1,
		YourDiscriminator: 0,
	}
	buf := make([]byte, bfd.HeaderSize)
	if _, err := bfd.Encode(pkt, buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if buf[0]>>5 != bfd.Version {
		t.Errorf("encoded version = %d, want %d", buf[0]>>5, bfd.Version)
	}
}

func TestEncodeBufferTooSmall(t *testing.T) {
	pkt := &bfd.ControlPacket{State: bfd.StateDown, MyDiscriminator: 1}
	buf := make([]byte, bfd.HeaderSize-1)
	n, err := bfd.Encode(pkt, buf)
	if err == nil {
		t.Fatal("Encode with undersized buffer: want error, got nil")
	}
	if n != 0 {
		t.Errorf("Encode returned n=%d on error, want 0", n)
	}
}

func validPacketBytes(t *testing.T) []byte {
	t.Helper()
	pkt := &bfd.ControlPacket{
		State:                 bfd.StateUp,
		DetectMult:            3,
		MyDiscriminator:       10,
		YourDiscriminator:     20,
		DesiredMinTxInterval:  100000,
		RequiredMinRxInterval: 100000,
	}
	buf := make([]byte, bfd.HeaderSize)
	if _, err := bfd.Encode(pkt, buf); err != nil {
		t.Fatalf("setup Encode: %v", err)
	}
	return buf
}

func TestDecodeValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func([]byte) []byte
		want   bfd.DiscardReason
	}{
		{
			name: "too short",
			mutate: func(buf []byte) []byte {
				return buf[:bfd.HeaderSize-1]
			},
			want: bfd.DiscardTooShort,
		},
		{
			name: "length byte exceeds payload",
			mutate: func(buf []byte) []byte {
				buf[3] = bfd.HeaderSize + 10
				return buf
			},
			want: bfd.DiscardLengthExceedsPayload,
		},
		{
			name: "length byte below header size",
			mutate: func(buf []byte) []byte {
				buf[3] = bfd.HeaderSize - 1
				return buf
			},
			want: bfd.DiscardTooShort,
		},
		{
			name: "bad version",
			mutate: func(buf []byte) []byte {
				buf[0] = (5 << 5) | (buf[0] & 0x1F)
				return buf
			},
			want: bfd.DiscardBadVersion,
		},
		{
			name: "zero detect mult",
			mutate: func(buf []byte) []byte {
				buf[2] = 0
				return buf
			},
			want: bfd.DiscardZeroDetectMult,
		},
		{
			name: "multipoint set",
			mutate: func(buf []byte) []byte {
				buf[1] |= 1 << 0
				return buf
			},
			want: bfd.DiscardMultipointSet,
		},
		{
			name: "zero my discriminator",
			mutate: func(buf []byte) []byte {
				buf[4], buf[5], buf[6], buf[7] = 0, 0, 0, 0
				return buf
			},
			want: bfd.DiscardZeroMyDiscriminator,
		},
		{
			name: "auth present rejected",
			mutate: func(buf []byte) []byte {
				// Length 26 must fit in the received bytes, or the
				// length-exceeds-payload check rejects the packet first.
				buf = append(buf, 0, 0)
				buf[1] |= 1 << 2
				buf[3] = bfd.MinPacketSizeWithAuth
				return buf
			},
			want: bfd.DiscardAuthRequested,
		},
		{
			name: "auth present with short length",
			mutate: func(buf []byte) []byte {
				buf[1] |= 1 << 2
				buf[3] = bfd.HeaderSize
				return buf
			},
			want: bfd.DiscardTooShort,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := validPacketBytes(t)
			buf = tt.mutate(buf)
			_, reason := bfd.Decode(buf)
			if reason != tt.want {
				t.Errorf("Decode discard reason = %v, want %v", reason, tt.want)
			}
		})
	}
}

// TestDecodeZeroYourDiscriminatorAllowedInDown checks that a zero
// YourDiscriminator is only refused outside Down/AdminDown (RFC 5880
// Section 6.8.6).
func TestDecodeZeroYourDiscriminatorAllowedInDown(t *testing.T) {
	for _, st := range []bfd.State{bfd.StateDown, bfd.StateAdminDown} {
		pkt := &bfd.ControlPacket{
			State:             st,
			DetectMult:        1,
			MyDiscriminator:   1,
			YourDiscriminator: 0,
		}
		buf := make([]byte, bfd.HeaderSize)
		if _, err := bfd.Encode(pkt, buf); err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if _, reason := bfd.Decode(buf); reason != bfd.DiscardNone {
			t.Errorf("state %v: Decode discard reason = %v, want DiscardNone", st, reason)
		}
	}
}

func TestDecodeZeroYourDiscriminatorRejectedInUp(t *testing.T) {
	pkt := &bfd.ControlPacket{
		State:             bfd.StateUp,
		DetectMult:        1,
		MyDiscriminator:   1,
		YourDiscriminator: 0,
	}
	buf := make([]byte, bfd.HeaderSize)
	if _, err := bfd.Encode(pkt, buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, reason := bfd.Decode(buf); reason != bfd.DiscardZeroYourDiscriminator {
		t.Errorf("Decode discard reason = %v, want DiscardZeroYourDiscriminator", reason)
	}
}

func TestDecodeTrailingDataIgnored(t *testing.T) {
	buf := validPacketBytes(t)
	padded := append(buf, 0xFF, 0xFF, 0xFF, 0xFF)
	_, reason := bfd.Decode(padded)
	if reason != bfd.DiscardNone {
		t.Errorf("Decode discard reason = %v, want DiscardNone (trailing bytes must be ignored)", reason)
	}
}

func TestDecodeFieldPositions(t *testing.T) {
	buf := make([]byte, bfd.HeaderSize)
	pkt := &bfd.ControlPacket{
		Diag:                      bfd.DiagPathDown,
		State:                     bfd.StateInit,
		Poll:                      true,
		Final:                     true,
		ControlPlaneIndependent:   true,
		DetectMult:                5,
		MyDiscriminator:           0x01020304,
		YourDiscriminator:         0x05060708,
		DesiredMinTxInterval:      0x00010000,
		RequiredMinRxInterval:     0x00020000,
		RequiredMinEchoRxInterval: 0x00030000,
	}
	if _, err := bfd.Encode(pkt, buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	wantByte0 := byte(bfd.Version<<5) | byte(bfd.DiagPathDown)
	if buf[0] != wantByte0 {
		t.Errorf("byte 0 = %#02x, want %#02x", buf[0], wantByte0)
	}
	wantByte1 := byte(bfd.StateInit)<<6 | 1<<5 | 1<<4 | 1<<3
	if buf[1] != wantByte1 {
		t.Errorf("byte 1 = %#02x, want %#02x", buf[1], wantByte1)
	}
	if buf[2] != 5 {
		t.Errorf("byte 2 (DetectMult) = %d, want 5", buf[2])
	}
	if buf[3] != bfd.HeaderSize {
		t.Errorf("byte 3 (Length) = %d, want %d", buf[3], bfd.HeaderSize)
	}
}

func TestStateString(t *testing.T) {
	tests := map[bfd.State]string{
		bfd.StateAdminDown: "AdminDown",
		bfd.StateDown:      "Down",
		bfd.StateInit:      "Init",
		bfd.StateUp:        "Up",
		bfd.State(99):      "Unknown(99)",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestDiagString(t *testing.T) {
	tests := map[bfd.Diag]string{
		bfd.DiagNone:                 "None",
		bfd.DiagControlTimeExpired:   "ControlDetectExpired",
		bfd.DiagEchoFailed:           "EchoFailed",
		bfd.DiagNeighborDown:         "NeighborSessionDown",
		bfd.DiagForwardingPlaneReset: "ForwardingPlaneReset",
		bfd.DiagPathDown:             "PathDown",
		bfd.DiagConcatPathDown:       "ConcatenatedPathDown",
		bfd.DiagAdminDown:            "AdminDown",
		bfd.DiagReverseConcatDown:    "ReverseConcatenatedPathDown",
		bfd.Diag(200):                "Unknown(200)",
	}
	for diag, want := range tests {
		if got := diag.String(); got != want {
			t.Errorf("Diag(%d).String() = %q, want %q", diag, got, want)
		}
	}
}

func TestDiscardReasonString(t *testing.T) {
	if got := bfd.DiscardNone.String(); got != "none" {
		t.Errorf("DiscardNone.String() = %q, want %q", got, "none")
	}
	if got := bfd.DiscardUnauthorizedSource.String(); got != "unauthorized-source" {
		t.Errorf("DiscardUnauthorizedSource.String() = %q, want %q", got, "unauthorized-source")
	}
	if got := bfd.DiscardReason(999).String(); got != "Unknown(999)" {
		t.Errorf("DiscardReason(999).String() = %q, want %q", got, "Unknown(999)")
	}
}

func TestAllStatesRoundTrip(t *testing.T) {
	states := []bfd.State{bfd.StateAdminDown, bfd.StateDown, bfd.StateInit, bfd.StateUp}
	for _, st := range states {
		pkt := &bfd.ControlPacket{
			State:             st,
			DetectMult:        1,
			MyDiscriminator:   1,
			YourDiscriminator: 1,
		}
		buf := make([]byte, bfd.HeaderSize)
		if _, err := bfd.Encode(pkt, buf); err != nil {
			t.Fatalf("state %v: Encode: %v", st, err)
		}
		got, reason := bfd.Decode(buf)
		if reason != bfd.DiscardNone {
			t.Fatalf("state %v: Decode discard reason = %v", st, reason)
		}
		if got.State != st {
			t.Errorf("state %v: round-tripped as %v", st, got.State)
		}
	}
}

func TestAllDiagsRoundTrip(t *testing.T) {
	for d := bfd.DiagNone; d <= bfd.DiagReverseConcatDown; d++ {
		pkt := &bfd.ControlPacket{
			Diag:              d,
			State:             bfd.StateDown,
			DetectMult:        1,
			MyDiscriminator:   1,
			YourDiscriminator: 0,
		}
		buf := make([]byte, bfd.HeaderSize)
		if _, err := bfd.Encode(pkt, buf); err != nil {
			t.Fatalf("diag %v: Encode: %v", d, err)
		}
		got, reason := bfd.Decode(buf)
		if reason != bfd.DiscardNone {
			t.Fatalf("diag %v: Decode discard reason = %v", d, reason)
		}
		if got.Diag != d {
			t.Errorf("diag %v: round-tripped as %v", d, got.Diag)
		}
	}
}

func TestPacketPool(t *testing.T) {
	bufp := bfd.PacketPool.Get().(*[]byte)
	if len(*bufp) != bfd.MaxPacketSize {
		t.Fatalf("pool buffer len = %d, want %d", len(*bufp), bfd.MaxPacketSize)
	}
	bfd.PacketPool.Put(bufp)

	bufp2 := bfd.PacketPool.Get().(*[]byte)
	if len(*bufp2) != bfd.MaxPacketSize {
		t.Errorf("pool buffer len = %d, want %d", len(*bufp2), bfd.MaxPacketSize)
	}
	bfd.PacketPool.Put(bufp2)
}
