/* SPDX-License-Identifier: MIT */

package engine

import (
	"context"
	"net"
	"net/netip"
	"testing"

	"github.com/claesmnyberg/ibsschat/internal/crypto"
	"github.com/claesmnyberg/ibsschat/internal/logger"
	"github.com/claesmnyberg/ibsschat/internal/mcast"
	"github.com/claesmnyberg/ibsschat/internal/msgbuf"
	"github.com/claesmnyberg/ibsschat/internal/peerset"
	"github.com/claesmnyberg/ibsschat/internal/ratelimit"
	"github.com/claesmnyberg/ibsschat/internal/wire"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	self := netip.MustParseAddr("10.0.0.1")
	cs := &crypto.State{}
	if err := cs.SetKey([]byte("hunter2")); err != nil {
		t.Fatalf("SetKey: %v", err)
	}
	buf := msgbuf.New(self, cs, logger.NewDiscard())
	peers := &peerset.Set{}
	return &Engine{
		cfg:     Config{SelfIP: self, Key: []byte("hunter2")},
		log:     logger.NewDiscard(),
		crypto:  cs,
		buf:     buf,
		peers:   peers,
		recv:    mcast.NewReceiver(self, cs, buf, peers, logger.NewDiscard()),
		send:    mcast.NewSender(self, cs, buf, logger.NewDiscard()),
		acceptL: ratelimit.New(1000, 1000),
		syncL:   ratelimit.New(1000, 1000),
	}
}

func TestHandleSendConnWritesStatus(t *testing.T) {
	e := newTestEngine(t)
	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		e.handleSendConn(context.Background(), server)
		close(done)
	}()

	var payload [wire.ChatTextSize]byte
	copy(payload[:], "hello")
	if _, err := client.Write(payload[:]); err != nil {
		t.Fatalf("client write: %v", err)
	}

	var status [4]byte
	if _, err := client.Read(status[:]); err != nil {
		t.Fatalf("client read status: %v", err)
	}
	<-done
}

func TestHandleRecvConnDumpsAndCloses(t *testing.T) {
	e := newTestEngine(t)

	remote := netip.MustParseAddr("10.0.0.2")
	env := &wire.Envelope{Type: wire.TypeMsg}
	wire.SetID(env, remote, nil)
	if _, err := e.buf.Add(env); err != nil {
		t.Fatalf("Add: %v", err)
	}

	client, server := net.Pipe()
	defer client.Close()

	go e.handleRecvConn(context.Background(), fakeRemoteConn{server, "10.0.0.9:12345"})

	buf := make([]byte, wire.MsgSize)
	n := 0
	for n < wire.MsgSize {
		m, err := client.Read(buf[n:])
		if err != nil {
			break
		}
		n += m
	}
	if n != wire.MsgSize {
		t.Fatalf("read %d bytes from dump, want %d", n, wire.MsgSize)
	}
}

// fakeRemoteConn overrides RemoteAddr so handleRecvConn sees a
// non-local peer without needing a real TCP socket.
type fakeRemoteConn struct {
	net.Conn
	addr string
}

func (f fakeRemoteConn) RemoteAddr() net.Addr {
	a, _ := net.ResolveTCPAddr("tcp", f.addr)
	return a
}
