/* SPDX-License-Identifier: MIT */

package engine

import (
	"context"
	"net/netip"
	"time"

	"github.com/claesmnyberg/ibsschat/internal/wire"
)

// discoverSpacing is the gap between the two startup DISCOVER
// envelopes (spec.md §4.6).
const discoverSpacing = 200 * time.Millisecond

// discoverSettle is how long the discovery sequence waits for replies
// before starting the sync worker (spec.md §4.6).
const discoverSettle = time.Second

// syncRetryBackoff paces the outer retry-the-whole-peer-list loop
// original_source falls back to when no peer yields a sync (an
// addition over spec.md's literal text, restoring mcast_sync_thread's
// looping behavior -- see SPEC_FULL.md).
const syncRetryBackoff = 2 * time.Second

// runDiscovery implements spec.md §4.6: builds and caches a DISCOVER
// envelope, emits it twice 200ms apart with no ACK wait, settles for a
// second, then runs the sync worker until it succeeds or ctx ends.
func (e *Engine) runDiscovery(ctx context.Context) {
	env := &wire.Envelope{Type: wire.TypeDiscover}
	wire.SetID(env, e.cfg.SelfIP, nil)

	encrypted := *env
	if err := e.crypto.Encrypt(&encrypted); err != nil {
		e.log.Errorf("engine: failed to encrypt discovery reply template: %v\n", err)
	} else {
		e.recv.SetDiscoverReply(&encrypted)
	}

	for i := 0; i < 2; i++ {
		if err := e.send.Send(ctx, env, false); err != nil {
			e.log.Errorf("engine: failed to emit discovery: %v\n", err)
		}
		select {
		case <-time.After(discoverSpacing):
		case <-ctx.Done():
			return
		}
	}

	select {
	case <-time.After(discoverSettle):
	case <-ctx.Done():
		return
	}

	e.runSync(ctx)
}

// runSync implements spec.md §4.6's sync worker: wait for a non-empty
// peer set, then walk peers in order until one yields at least one
// message. If the whole list is exhausted with nothing synced,
// original_source loops back to the front after a backoff; this is
// preserved here, rate-limited per peer via e.syncL so a
// non-responsive peer cannot be hammered.
func (e *Engine) runSync(ctx context.Context) {
	for {
		if err := e.waitForPeers(ctx); err != nil {
			return
		}

		synced := false
		for _, peer := range e.peers.Snapshot() {
			if peer == e.cfg.SelfIP {
				continue
			}
			if !e.syncL.Allow(peer) {
				continue
			}

			n, err := e.syncOnce(ctx, peer)
			if err != nil {
				e.log.Verbosef("engine: sync with %s failed: %v\n", peer, err)
				continue
			}
			if n > 0 {
				e.log.Verbosef("engine: synced %d messages from %s\n", n, peer)
				synced = true
				break
			}
		}

		if synced {
			return
		}

		select {
		case <-time.After(syncRetryBackoff):
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) syncOnce(ctx context.Context, peer netip.Addr) (int, error) {
	syncCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return e.buf.Sync(syncCtx, peer, RecvPort)
}

func (e *Engine) waitForPeers(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for e.peers.Len() == 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
