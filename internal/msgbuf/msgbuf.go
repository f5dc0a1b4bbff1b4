/* SPDX-License-Identifier: MIT */

// Package msgbuf is the deduplicating, bounded message buffer: it
// tracks sighting counts per message id, evicts the oldest entry on
// overflow, owns the set of locally-attached reader sockets, and
// drives fan-out to them. Grounded on msgbuf.c for semantics and on
// device/peer.go's queue-container pattern (mutex + slice, not a
// hand-rolled linked list -- spec.md §9 REDESIGN) for structure.
package msgbuf

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/claesmnyberg/ibsschat/internal/crypto"
	"github.com/claesmnyberg/ibsschat/internal/logger"
	"github.com/claesmnyberg/ibsschat/internal/wire"
)

// MaxMessages bounds the buffer (spec.md §3, MAXMSGS).
const MaxMessages = 1000

// MaxReaders bounds the reader registry (spec.md §3/§6, MAXCLIENTS).
const MaxReaders = 20

var ErrInvalidType = errors.New("msgbuf: invalid envelope type")

// entry is a buffered message: its plaintext envelope, sighting count,
// and first-seen wall time.
type entry struct {
	env       wire.Envelope
	count     int
	firstSeen time.Time
}

// Reader is anything the buffer can fan messages out to: a net.Conn in
// production, an io.Writer (with a no-op Close) in tests.
type Reader interface {
	io.Writer
	io.Closer
}

// Buffer is the message buffer described by spec.md §3/§4.3. The zero
// value is not ready; use New.
type Buffer struct {
	log *logger.Logger

	mu      sync.Mutex
	order   []wire.MessageID // insertion order, oldest first
	entries map[wire.MessageID]*entry
	self    netip.Addr

	sockMu  sync.Mutex
	readers []Reader // nil slot = empty (bounded at MaxReaders)

	crypto *crypto.State
}

// New creates a buffer for a node whose own multicast address is self.
// crypto is used by Dump/Sync to encrypt/decrypt on the wire.
func New(self netip.Addr, crypto *crypto.State, log *logger.Logger) *Buffer {
	if log == nil {
		log = logger.NewDiscard()
	}
	return &Buffer{
		log:     log,
		entries: make(map[wire.MessageID]*entry),
		readers: make([]Reader, MaxReaders),
		self:    self,
		crypto:  crypto,
	}
}

// SetID stamps env with a fresh MessageID (spec.md §4.1).
func (b *Buffer) SetID(env *wire.Envelope) {
	wire.SetID(env, b.self, nil)
}

// deliveryReady implements the fan-out rule of spec.md §4.3: a
// remote-originated envelope is delivered on its first sighting
// (count transitions 0->1); a local-originated envelope is delivered
// only once it has been echoed (count transitions 1->2).
func (b *Buffer) deliveryReady(env *wire.Envelope, newCount int) bool {
	local := env.ID.SenderAddr() == b.self
	if local {
		return newCount == 2
	}
	return newCount == 1
}

// Add records a sighting of env, returning the new sighting count. If
// the message is new, it is appended to the buffer, evicting the
// oldest entry if the buffer is now over MaxMessages. Triggers fan-out
// to registered readers per the delivery-readiness rule.
func (b *Buffer) Add(env *wire.Envelope) (int, error) {
	if err := env.Validate(); err != nil {
		return 0, ErrInvalidType
	}

	b.mu.Lock()
	e, ok := b.entries[env.ID]
	var count int
	var ready bool
	if ok {
		e.count++
		count = e.count
		ready = b.deliveryReady(env, count)
	} else {
		e = &entry{env: *env, count: 1, firstSeen: time.Now()}
		b.entries[env.ID] = e
		b.order = append(b.order, env.ID)
		count = 1
		ready = b.deliveryReady(env, count)
		b.evictLocked()
	}
	b.mu.Unlock()

	if ready {
		b.fanOut(env)
	}
	return count, nil
}

// evictLocked removes the oldest entry once the buffer exceeds
// MaxMessages. Caller must hold b.mu.
func (b *Buffer) evictLocked() {
	if len(b.order) <= MaxMessages {
		return
	}
	oldest := b.order[0]
	b.order = b.order[1:]
	delete(b.entries, oldest)
}

// Len reports the number of distinct messages currently buffered.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}

// Stats is a point-in-time snapshot for diagnostics (internal/status);
// it carries no semantics of its own.
type Stats struct {
	Count   int
	Oldest  time.Time
	Newest  time.Time
	ReaderN int
}

// Stats reports the current buffer occupancy and the registered
// reader count.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	var s Stats
	s.Count = len(b.order)
	if s.Count > 0 {
		s.Oldest = b.entries[b.order[0]].firstSeen
		s.Newest = b.entries[b.order[s.Count-1]].firstSeen
	}
	b.mu.Unlock()

	b.sockMu.Lock()
	for _, r := range b.readers {
		if r != nil {
			s.ReaderN++
		}
	}
	b.sockMu.Unlock()
	return s
}

// Exist returns the current sighting count for env's id, 0 if absent.
func (b *Buffer) Exist(env *wire.Envelope) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[env.ID]; ok {
		return e.count
	}
	return 0
}

// Delete removes env's id from the buffer. Returns whether it was
// present.
func (b *Buffer) Delete(env *wire.Envelope) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[env.ID]; !ok {
		return false
	}
	delete(b.entries, env.ID)
	for i, id := range b.order {
		if id == env.ID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return true
}

// AddReader registers sock to receive every future delivered message,
// after the caller has already dumped the current buffer to it
// (spec.md §4.3/§4.7). Idempotent; fails if the registry is full.
func (b *Buffer) AddReader(sock Reader) error {
	b.sockMu.Lock()
	defer b.sockMu.Unlock()

	for _, r := range b.readers {
		if r == sock {
			return nil
		}
	}
	for i, r := range b.readers {
		if r == nil {
			b.readers[i] = sock
			return nil
		}
	}
	return errors.New("msgbuf: reader registry full")
}

// RemoveReader unregisters sock, if present.
func (b *Buffer) RemoveReader(sock Reader) {
	b.sockMu.Lock()
	defer b.sockMu.Unlock()
	for i, r := range b.readers {
		if r == sock {
			b.readers[i] = nil
			return
		}
	}
}

// fanOut writes env to every registered reader, closing and
// unregistering any that fail to accept the write (spec.md §4.3/§5:
// PeerGone handling, SockLock held across the write loop).
func (b *Buffer) fanOut(env *wire.Envelope) {
	buf := env.Marshal()

	b.sockMu.Lock()
	defer b.sockMu.Unlock()
	for i, r := range b.readers {
		if r == nil {
			continue
		}
		if _, err := r.Write(buf[:]); err != nil {
			b.log.Verbosef("msgbuf: reader write failed, removing: %v", err)
			_ = r.Close()
			b.readers[i] = nil
		}
	}
}

// Dump walks the buffer in insertion order, writing every envelope to
// w. A locally-originated envelope is only emitted once its sighting
// count reaches 2 (spec.md §4.3 filter rule). When encryptOut is set,
// each copy is encrypted before writing. Returns the number of
// envelopes written; a write failure aborts the walk.
func (b *Buffer) Dump(w io.Writer, encryptOut bool) (int, error) {
	b.mu.Lock()
	ids := append([]wire.MessageID(nil), b.order...)
	snapshot := make([]wire.Envelope, 0, len(ids))
	for _, id := range ids {
		e := b.entries[id]
		if e == nil {
			continue
		}
		if e.env.ID.SenderAddr() == b.self && e.count < 2 {
			continue
		}
		snapshot = append(snapshot, e.env)
	}
	b.mu.Unlock()

	written := 0
	for i := range snapshot {
		env := snapshot[i]
		if encryptOut {
			if b.crypto == nil {
				return written, crypto.ErrKeyNotSet
			}
			if err := b.crypto.Encrypt(&env); err != nil {
				return written, err
			}
		}
		buf := env.Marshal()
		if _, err := w.Write(buf[:]); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

// Sync opens a TCP stream to peer:port, reads 100-byte envelopes until
// EOF, decrypts each, and inserts any unknown id with its sighting
// count forced to 2 (so it is treated as already-delivered and will
// not be re-flooded by a later local retransmit) and first-seen set to
// the sender's own seconds field. Returns the number of newly inserted
// messages (spec.md §4.3/§4.6). ctx bounds the whole operation --
// original_source's msgbuf_sync had no such timeout, a gap spec.md §5
// flags explicitly.
func (b *Buffer) Sync(ctx context.Context, peer netip.Addr, port uint16) (int, error) {
	if b.crypto == nil {
		return 0, crypto.ErrKeyNotSet
	}

	dialer := net.Dialer{}
	addr := net.JoinHostPort(peer.String(), strconv.Itoa(int(port)))
	conn, err := dialer.DialContext(ctx, "tcp4", addr)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	r := bufio.NewReaderSize(conn, wire.MsgSize)
	count := 0
	buf := make([]byte, wire.MsgSize)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return count, err
		}

		env, err := wire.Unmarshal(buf)
		if err != nil {
			continue
		}
		if err := b.crypto.Decrypt(env); err != nil {
			continue
		}

		b.mu.Lock()
		if _, exists := b.entries[env.ID]; !exists {
			e := &entry{env: *env, count: 2, firstSeen: time.Unix(int64(env.ID.Sec), 0)}
			b.entries[env.ID] = e
			b.order = append(b.order, env.ID)
			b.evictLocked()
			count++
		}
		b.mu.Unlock()
	}

	return count, nil
}
