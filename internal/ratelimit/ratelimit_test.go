/* SPDX-License-Identifier: MIT */

package ratelimit

import (
	"net/netip"
	"testing"
	"time"
)

func TestAllowBurstThenThrottle(t *testing.T) {
	l := New(1, 3)
	now := time.Unix(0, 0)
	l.timeNow = func() time.Time { return now }

	ip := netip.MustParseAddr("10.0.0.5")
	for i := 0; i < 3; i++ {
		if !l.Allow(ip) {
			t.Fatalf("burst token %d denied, want allowed", i)
		}
	}
	if l.Allow(ip) {
		t.Fatalf("4th immediate call allowed, want denied")
	}

	now = now.Add(2 * time.Second)
	if !l.Allow(ip) {
		t.Fatalf("call after refill denied, want allowed")
	}
}

func TestGCDropsIdleEntries(t *testing.T) {
	l := New(1, 1)
	now := time.Unix(0, 0)
	l.timeNow = func() time.Time { return now }

	ip := netip.MustParseAddr("10.0.0.9")
	l.Allow(ip)
	if len(l.table) != 1 {
		t.Fatalf("table len = %d, want 1", len(l.table))
	}

	now = now.Add(time.Hour)
	l.GC(time.Minute)
	if len(l.table) != 0 {
		t.Fatalf("table len after GC = %d, want 0", len(l.table))
	}
}
