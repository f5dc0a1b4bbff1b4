/* SPDX-License-Identifier: MIT */

// Package mcast is the multicast receiver and sender: the gossip
// engine's network edge. Grounded on chat_mcast.c's mcast_read/
// mcast_send for semantics, and on device/receive.go and
// device/send.go for the Go shape of a long-lived packet loop paired
// with a short-lived per-message retransmit routine.
package mcast

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/claesmnyberg/ibsschat/internal/crypto"
	"github.com/claesmnyberg/ibsschat/internal/logger"
	"github.com/claesmnyberg/ibsschat/internal/msgbuf"
	"github.com/claesmnyberg/ibsschat/internal/peerset"
	"github.com/claesmnyberg/ibsschat/internal/wire"
)

const (
	// Group is the multicast group address the engine joins (spec.md §6).
	Group = "239.0.0.1"

	// Port is the UDP port for both send and receive on Group.
	Port = 11011

	// MaxResends bounds both the sender's retransmit budget and the
	// receiver's probabilistic-forward sighting window (spec.md §6,
	// MSG_RESEND_TIMES).
	MaxResends = 10
)

// listenConfig enables SO_REUSEPORT so multiple nodes (or test
// instances) can share one host, matching chat_mcast.c's explicit
// setsockopt(SO_REUSEPORT) call (spec.md §6).
func listenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}
}

// Receiver is the multicast read loop described by spec.md §4.4. It
// owns the UDP socket used both to receive the group and to transmit
// forwards/discovery-replies back onto it.
type Receiver struct {
	self   netip.Addr
	crypto *crypto.State
	buf    *msgbuf.Buffer
	peers  *peerset.Set
	log    *logger.Logger
	rng    *rand.Rand
	rngMu  sync.Mutex

	pc        *ipv4.PacketConn
	groupAddr *net.UDPAddr

	// transmit sends a marshalled envelope to the group. It defaults to
	// r.pc.WriteTo once Open has run; tests inject a stub here instead
	// of standing up a real multicast socket.
	transmit func([]byte) error

	discoverReplyMu sync.Mutex
	discoverReply   *wire.Envelope // pre-encrypted, cached by SetDiscoverReply
}

// NewReceiver constructs a Receiver bound to self's multicast stack.
func NewReceiver(self netip.Addr, crypto *crypto.State, buf *msgbuf.Buffer, peers *peerset.Set, log *logger.Logger) *Receiver {
	if log == nil {
		log = logger.NewDiscard()
	}
	r := &Receiver{
		self:      self,
		crypto:    crypto,
		buf:       buf,
		peers:     peers,
		log:       log,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		groupAddr: &net.UDPAddr{IP: net.ParseIP(Group), Port: Port},
	}
	r.transmit = r.writeToGroup
	return r
}

// Open joins Group:Port with SO_REUSEPORT, per spec.md §4.4/§6. Must
// be called once before Run.
func (r *Receiver) Open(ctx context.Context) error {
	lc := listenConfig()
	conn, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(Port)))
	if err != nil {
		return err
	}

	pc := ipv4.NewPacketConn(conn)
	ifaces, err := net.Interfaces()
	if err != nil {
		conn.Close()
		return err
	}
	joined := false
	for _, iface := range ifaces {
		if iface.Flags&net.FlagMulticast == 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if err := pc.JoinGroup(&iface, r.groupAddr); err == nil {
			joined = true
		}
	}
	if !joined {
		conn.Close()
		return errors.New("mcast: failed to join multicast group on any interface")
	}

	r.pc = pc
	return nil
}

// Close releases the receiver's socket.
func (r *Receiver) Close() error {
	if r.pc == nil {
		return nil
	}
	return r.pc.Close()
}

// Run blocks reading datagrams until ctx is cancelled or the socket
// errors. Implements the full per-datagram pipeline of spec.md §4.4.
func (r *Receiver) Run(ctx context.Context) error {
	buf := make([]byte, 2048)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			r.pc.SetDeadline(time.Now())
		case <-done:
		}
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, _, src, err := r.pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		srcAddr, ok := udpSourceAddr(src)
		if !ok {
			continue
		}
		r.handleDatagram(buf[:n], srcAddr)
	}
}

func udpSourceAddr(src net.Addr) (netip.Addr, bool) {
	udp, ok := src.(*net.UDPAddr)
	if !ok {
		return netip.Addr{}, false
	}
	a, ok := netip.AddrFromSlice(udp.IP.To4())
	if !ok {
		return netip.Addr{}, false
	}
	return a, true
}

// handleDatagram implements spec.md §4.4 steps 1-10.
func (r *Receiver) handleDatagram(raw []byte, src netip.Addr) {
	if len(raw) != wire.MsgSize {
		r.log.Verbosef("mcast: dropped datagram of size %d from %s\n", len(raw), src)
		return
	}

	ciphertext, err := wire.Unmarshal(raw)
	if err != nil {
		return
	}
	working := *ciphertext

	if r.crypto != nil {
		if err := r.crypto.Decrypt(&working); err != nil {
			r.log.Verbosef("mcast: decrypt failed from %s: %v\n", src, err)
			return
		}
	}

	if err := working.Validate(); err != nil {
		r.log.Verbosef("mcast: invalid type from %s\n", src)
		return
	}

	fromSelf := src == r.self
	idSelf := working.ID.SenderAddr() == r.self

	// spec.md §4.4 step 5: the originator's own echo of its own
	// envelope, already counted, must not be recounted -- this is the
	// from_self double-counting guard (spec.md §9).
	if fromSelf && idSelf && r.buf.Exist(&working) > 0 {
		return
	}

	seen, err := r.buf.Add(&working)
	if err != nil {
		return
	}

	forward := r.forwardDecision(seen, fromSelf, src, working.ID.SenderAddr())

	if forward {
		r.log.Verbosef("mcast: forwarding message %08x%08x%04x%04x\n",
			working.ID.IP, working.ID.Sec, working.ID.Usec, working.ID.Checksum)
		if err := r.transmitRaw(ciphertext); err != nil {
			r.log.Errorf("mcast: failed to forward: %v\n", err)
		}
	}

	if working.Type == wire.TypeDiscover && seen == 1 {
		r.replyDiscover()
	}

	if src != r.self {
		if r.peers.Add(src) {
			r.log.Verbosef("mcast: added new peer %s\n", src)
		}
	}
}

// forwardDecision implements spec.md §4.4 step 7 exactly, including
// the increasing-probability formula spec.md §9 requires preserving
// for interop even though the original comment says "decreasing".
func (r *Receiver) forwardDecision(seen int, fromSelf bool, src, idIP netip.Addr) bool {
	if fromSelf {
		return false
	}

	if seen >= 1 && seen <= 5 {
		return true
	}
	if src == idIP && seen > 1 {
		return true
	}
	if seen > 1 && seen <= MaxResends {
		p := seen * 10
		r.rngMu.Lock()
		roll := r.rng.Intn(100)
		r.rngMu.Unlock()
		if roll <= p {
			return true
		}
	}
	return false
}

func (r *Receiver) transmitRaw(env *wire.Envelope) error {
	buf := env.Marshal()
	return r.transmit(buf[:])
}

// writeToGroup is the production transmit func, bound to the joined
// multicast socket. Unset (nil r.pc) until Open has run.
func (r *Receiver) writeToGroup(buf []byte) error {
	_, err := r.pc.WriteTo(buf, nil, r.groupAddr)
	return err
}

// SetDiscoverReply caches the pre-encrypted DISCOVER envelope this
// node replies with (spec.md §4.4 step 9, §4.6).
func (r *Receiver) SetDiscoverReply(env *wire.Envelope) {
	r.discoverReplyMu.Lock()
	defer r.discoverReplyMu.Unlock()
	cp := *env
	r.discoverReply = &cp
}

func (r *Receiver) replyDiscover() {
	r.discoverReplyMu.Lock()
	env := r.discoverReply
	r.discoverReplyMu.Unlock()
	if env == nil {
		return
	}
	r.log.Verbosef("mcast: replying to discovery\n")
	if err := r.transmitRaw(env); err != nil {
		r.log.Errorf("mcast: failed to send discovery reply: %v\n", err)
	}
}

// Sender implements the per-message retransmit loop of spec.md §4.5.
type Sender struct {
	self   netip.Addr
	crypto *crypto.State
	buf    *msgbuf.Buffer
	log    *logger.Logger

	groupAddr *net.UDPAddr
}

// NewSender constructs a Sender sharing the same crypto state and
// buffer as a Receiver.
func NewSender(self netip.Addr, crypto *crypto.State, buf *msgbuf.Buffer, log *logger.Logger) *Sender {
	if log == nil {
		log = logger.NewDiscard()
	}
	return &Sender{
		self:      self,
		crypto:    crypto,
		buf:       buf,
		log:       log,
		groupAddr: &net.UDPAddr{IP: net.ParseIP(Group), Port: Port},
	}
}

// ErrUnacknowledged is returned when the retransmit budget is
// exhausted without an observed echo (spec.md §4.5 step 3, §7).
var ErrUnacknowledged = errors.New("mcast: message unacknowledged after retry budget")

// Send encrypts a fresh copy of env and transmits it to the group,
// retrying with backoff while wantAck is set, until msgbuf reports an
// echo or the retry budget is exhausted (spec.md §4.5).
func (s *Sender) Send(ctx context.Context, env *wire.Envelope, wantAck bool) error {
	sock, err := net.ListenPacket("udp4", net.JoinHostPort(s.self.String(), "0"))
	if err != nil {
		return err
	}
	defer sock.Close()

	working := *env
	if s.crypto != nil {
		if err := s.crypto.Encrypt(&working); err != nil {
			return err
		}
	}
	onWire := working.Marshal()

	for retry := 1; retry <= MaxResends; retry++ {
		s.log.Verbosef("mcast: sending message type %d (retry %d)\n", env.Type, retry)
		if _, err := sock.WriteTo(onWire[:], s.groupAddr); err != nil {
			return err
		}

		if !wantAck {
			return nil
		}

		usec := retry * 100_000
		if retry > 3 {
			usec *= 2
		}
		select {
		case <-time.After(time.Duration(usec) * time.Microsecond):
		case <-ctx.Done():
			return ctx.Err()
		}

		if s.buf.Exist(env) > 1 {
			return nil
		}
	}

	s.log.Verbosef("mcast: message unacknowledged, removing from buffer\n")
	s.buf.Delete(env)
	return ErrUnacknowledged
}
