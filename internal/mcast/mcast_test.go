/* SPDX-License-Identifier: MIT */

package mcast

import (
	"math/rand"
	"net/netip"
	"testing"

	"github.com/claesmnyberg/ibsschat/internal/msgbuf"
	"github.com/claesmnyberg/ibsschat/internal/peerset"
	"github.com/claesmnyberg/ibsschat/internal/wire"
)

func newTestReceiver(self netip.Addr) *Receiver {
	buf := msgbuf.New(self, nil, nil)
	r := NewReceiver(self, nil, buf, &peerset.Set{}, nil)
	// No real socket is opened in these tests; stub the transmit seam
	// so a forwarded envelope doesn't dereference the nil *ipv4.PacketConn.
	r.transmit = func([]byte) error { return nil }
	return r
}

func TestForwardDecisionAlwaysForwardsFirstFiveSightings(t *testing.T) {
	self := netip.MustParseAddr("10.0.0.1")
	other := netip.MustParseAddr("10.0.0.2")
	r := newTestReceiver(self)

	for seen := 1; seen <= 5; seen++ {
		if !r.forwardDecision(seen, false, other, other) {
			t.Fatalf("seen=%d: want forward=true", seen)
		}
	}
}

func TestForwardDecisionNeverForwardsFromSelf(t *testing.T) {
	self := netip.MustParseAddr("10.0.0.1")
	r := newTestReceiver(self)
	if r.forwardDecision(1, true, self, self) {
		t.Fatalf("forwardDecision from self = true, want false")
	}
}

func TestForwardDecisionRetransmitsFromOriginalSender(t *testing.T) {
	self := netip.MustParseAddr("10.0.0.1")
	sender := netip.MustParseAddr("10.0.0.3")
	r := newTestReceiver(self)
	if !r.forwardDecision(7, false, sender, sender) {
		t.Fatalf("retransmission from original sender not forwarded")
	}
}

func TestForwardDecisionDeterministicWithFixedSeed(t *testing.T) {
	self := netip.MustParseAddr("10.0.0.1")
	other := netip.MustParseAddr("10.0.0.2")
	idIP := netip.MustParseAddr("10.0.0.9")

	r1 := newTestReceiver(self)
	r1.rng = rand.New(rand.NewSource(42))
	r2 := newTestReceiver(self)
	r2.rng = rand.New(rand.NewSource(42))

	for seen := 6; seen <= MaxResends; seen++ {
		a := r1.forwardDecision(seen, false, other, idIP)
		b := r2.forwardDecision(seen, false, other, idIP)
		if a != b {
			t.Fatalf("seen=%d: non-deterministic forward decision with fixed seed", seen)
		}
	}
}

func TestHandleDatagramSelfEchoNotDoubleCounted(t *testing.T) {
	self := netip.MustParseAddr("10.0.0.1")
	r := newTestReceiver(self)

	env := &wire.Envelope{Type: wire.TypeMsg}
	wire.SetID(env, self, nil)
	raw := env.Marshal()

	r.handleDatagram(raw[:], self)
	if got := r.buf.Exist(env); got != 1 {
		t.Fatalf("Exist after first sighting = %d, want 1", got)
	}

	r.handleDatagram(raw[:], self)
	if got := r.buf.Exist(env); got != 1 {
		t.Fatalf("Exist after self-echo = %d, want 1 (should not double count)", got)
	}
}

func TestHandleDatagramAddsPeer(t *testing.T) {
	self := netip.MustParseAddr("10.0.0.1")
	other := netip.MustParseAddr("10.0.0.2")
	r := newTestReceiver(self)

	var forwarded int
	r.transmit = func([]byte) error { forwarded++; return nil }

	env := &wire.Envelope{Type: wire.TypeMsg}
	wire.SetID(env, other, nil)
	raw := env.Marshal()

	r.handleDatagram(raw[:], other)
	if r.peers.Len() != 1 {
		t.Fatalf("peer set len = %d, want 1", r.peers.Len())
	}
	// First sighting from a remote peer falls in the always-forward
	// window (seen in [1,5]), so the envelope must actually go back out.
	if forwarded != 1 {
		t.Fatalf("forwarded = %d, want 1 (first sighting should always forward)", forwarded)
	}
}

func TestHandleDatagramDropsWrongSize(t *testing.T) {
	self := netip.MustParseAddr("10.0.0.1")
	r := newTestReceiver(self)
	r.handleDatagram(make([]byte, 10), self)
	if r.buf.Len() != 0 {
		t.Fatalf("buffer non-empty after malformed datagram")
	}
}
