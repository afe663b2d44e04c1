// Package transport owns the TCP accept loop and per-connection frame
// decoding. It has no protocol knowledge beyond the wire codec: every
// decoded packet is handed to internal/broker.Broker across its inbox
// channel, and the broker's single worker goroutine does the rest
// (SPEC_FULL.md §5).
package transport

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/embermq/broker/internal/broker"
	"github.com/embermq/broker/internal/mqtt"
)

// Config carries the network-facing knobs internal/config exposes,
// kept separate from broker.Config so transport never needs to know
// about protocol-level settings like AllowAnonymous.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server accepts TCP connections, decodes MQTT frames off each one, and
// submits them to a Broker. It mirrors the teacher's accept-loop/
// sync.WaitGroup shutdown pattern, split out of the merged Server type
// so the protocol core can be driven from tests without a socket.
type Server struct {
	cfg      Config
	broker   *broker.Broker
	log      *slog.Logger
	listener net.Listener

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// New constructs a Server bound to b. Call Start to begin accepting.
func New(cfg Config, b *broker.Broker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, broker: b, log: logger}
}

// Start listens on cfg.Host:cfg.Port and accepts connections until
// Stop is called or the listener errors. Blocks the calling goroutine.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("transport: server already running")
	}
	s.running = true
	s.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	s.listener = ln
	s.log.Info("listening", "addr", addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			running := s.running
			s.mu.Unlock()
			if !running {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Stop closes the listener, which unblocks Accept and ends Start. It
// does not forcibly close already-accepted connections; those end when
// their read loop next errors or the peer disconnects.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// handleConn decodes frames off one connection until it errors, then
// reports the outcome to the broker so session/Will state is cleaned
// up on the single protocol-worker goroutine.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	client := broker.NewClient(conn)

	for {
		if s.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}

		pkt, err := mqtt.Decode(conn)
		if err != nil {
			// client.Session is written by the broker's single worker
			// goroutine on CONNECT (spec §5); reading it here, off that
			// goroutine, would race. NotifyAbruptClose is unconditional
			// and safe to call before CONNECT too — handleAbruptClose
			// no-ops on a nil Session — so the decision never needs to
			// touch the field from this goroutine at all.
			s.log.Debug("connection closed", "remote", conn.RemoteAddr(), "error", err)
			s.broker.NotifyAbruptClose(client)
			return
		}

		s.broker.Submit(client, pkt)

		if pkt.Type() == mqtt.DISCONNECT {
			return
		}
	}
}
