/* SPDX-License-Identifier: MIT */

package engine

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/claesmnyberg/ibsschat/internal/wire"
)

// runSendAcceptor implements spec.md §4.7's send port: one 77-byte
// chat-text payload per connection, wrapped into a MSG envelope and
// handed to the sender; replies with a 4-byte little-endian status (0
// = delivered, nonzero = unacknowledged).
func (e *Engine) runSendAcceptor(ctx context.Context) error {
	return e.acceptLoop(ctx, SendPort, e.handleSendConn)
}

// runRecvAcceptor implements spec.md §4.7's recv/sync port: dumps the
// buffer to every new connection, then registers local-host
// connections as a standing reader; remote connections are closed
// after the dump (doubling as the sync endpoint for discovery).
func (e *Engine) runRecvAcceptor(ctx context.Context) error {
	return e.acceptLoop(ctx, RecvPort, e.handleRecvConn)
}

func (e *Engine) acceptLoop(ctx context.Context, port int, handle func(context.Context, net.Conn)) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp4", net.JoinHostPort(e.cfg.SelfIP.String(), strconv.Itoa(port)))
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.log.Errorf("engine: accept on port %d failed: %v\n", port, err)
			select {
			case <-time.After(acceptBackoff):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		remote, ok := connRemoteAddr(conn)
		if ok && !e.acceptL.Allow(remote) {
			conn.Close()
			continue
		}

		go handle(ctx, conn)
	}
}

func connRemoteAddr(conn net.Conn) (netip.Addr, bool) {
	tcp, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return netip.Addr{}, false
	}
	a, ok := netip.AddrFromSlice(tcp.IP.To4())
	return a, ok
}

func (e *Engine) handleSendConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))

	var raw [wire.ChatTextSize]byte
	if _, err := io.ReadFull(conn, raw[:]); err != nil {
		e.log.Verbosef("engine: send-port read failed: %v\n", err)
		return
	}

	status := int32(0)
	if err := e.sendPayload(ctx, raw); err != nil {
		status = 1
	}
	writeStatus(conn, status)
}

func writeStatus(conn net.Conn, status int32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(status))
	_, _ = conn.Write(buf[:])
}

// handleRecvConn dumps then registers, matching original_source's
// msgbuf_sync/add_reader ordering: a message added between the dump
// and the AddReader call below is missed by this reader (neither in
// the snapshot nor yet fan-out-eligible). spec.md §5 asks for this
// window to be closed; it is carried here bug-compatibly rather than
// introducing a lock that spans I/O.
func (e *Engine) handleRecvConn(_ context.Context, conn net.Conn) {
	remote, ok := connRemoteAddr(conn)
	local := ok && remote == e.cfg.SelfIP

	n, err := e.buf.Dump(conn, !local)
	if err != nil {
		e.log.Verbosef("engine: recv-port dump failed: %v\n", err)
		conn.Close()
		return
	}
	e.log.Verbosef("engine: dumped %d messages to %v (local=%v)\n", n, conn.RemoteAddr(), local)

	if !local {
		conn.Close()
		return
	}

	if err := e.buf.AddReader(conn); err != nil {
		e.log.Verbosef("engine: failed to register reader: %v\n", err)
		conn.Close()
	}
}
