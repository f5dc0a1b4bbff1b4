/* SPDX-License-Identifier: MIT */

// Package status is a read-only diagnostics HTTP endpoint. It is the
// Go-idiomatic replacement for original_source's stdout-only
// msgbuf_print/iplist_print debugging: a single JSON snapshot instead
// of a control surface. Grounded on manager/webui.go's net/http +
// encoding/json approach, trimmed of everything that mutates state
// (no login, no peer management -- that belongs to the excluded
// configuration subsystem).
package status

import (
	"encoding/json"
	"net/http"
	"time"
)

// Engine is the subset of internal/engine.Engine the status page
// needs, kept as a narrow interface so this package never imports the
// engine package directly.
type Engine interface {
	Self() string
	KeySet() bool
	PeerList() []string
	BufferStats() (count, readers int, oldest, newest time.Time)
}

// Snapshot is the JSON document served at /status.
type Snapshot struct {
	Self        string    `json:"self"`
	KeySet      bool      `json:"key_set"`
	UptimeSecs  float64   `json:"uptime_seconds"`
	Peers       []string  `json:"peers"`
	PeerCount   int       `json:"peer_count"`
	BufferCount int       `json:"buffer_count"`
	ReaderCount int       `json:"reader_count"`
	OldestMsg   time.Time `json:"oldest_message,omitempty"`
	NewestMsg   time.Time `json:"newest_message,omitempty"`
}

// Server is the status HTTP server. NewServer wires the single
// /status handler into an *http.Server; ListenAndServe/Close run and
// stop it.
type Server struct {
	engine    Engine
	startedAt time.Time
	httpSrv   *http.Server
}

// NewServer builds a status server bound to addr (e.g. "127.0.0.1:8080").
func NewServer(addr string, engine Engine) *Server {
	s := &Server{engine: engine, startedAt: time.Now()}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving the status endpoint until the server
// is shut down or an unrecoverable error occurs.
func (s *Server) ListenAndServe() error {
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close shuts the status server down.
func (s *Server) Close() error {
	return s.httpSrv.Close()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	count, readers, oldest, newest := s.engine.BufferStats()
	peers := s.engine.PeerList()
	snap := Snapshot{
		Self:        s.engine.Self(),
		KeySet:      s.engine.KeySet(),
		UptimeSecs:  time.Since(s.startedAt).Seconds(),
		Peers:       peers,
		PeerCount:   len(peers),
		BufferCount: count,
		ReaderCount: readers,
		OldestMsg:   oldest,
		NewestMsg:   newest,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
