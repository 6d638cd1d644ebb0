// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package rtsp

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/drubbo/kinoglaz-sub001/config"
	"github.com/drubbo/kinoglaz-sub001/sdp"
)

// reapInterval is how often the reaper sweeps finished connections.
const reapInterval = 10 * time.Second

// Server is the accept loop plus the process wide state every connection
// shares: the UDP port pool and the descriptor cache. No hidden globals, the
// whole runtime wires up here.
type Server struct {
	cfg config.Config

	ln          net.Listener
	ports       *PortPool
	descriptors *sdp.Pool

	mu      sync.Mutex
	conns   []*Connection
	running bool

	reapWake chan struct{}
	wg       sync.WaitGroup

	log zerolog.Logger
}

func NewServer(cfg config.Config) *Server {
	return &Server{
		cfg:         cfg,
		ports:       NewPortPool(cfg.RTP.UDPFirst, cfg.RTP.UDPLast),
		descriptors: sdp.NewPool(cfg.SDP.BaseDir),
		reapWake:    make(chan struct{}, 1),
		log:         log.With().Str("comp", "server").Logger(),
	}
}

// Reload applies a fresh configuration to future connections. The listener
// and the port pool keep their original binding.
func (s *Server) Reload(cfg config.Config) {
	s.mu.Lock()
	cfg.Server.IP = s.cfg.Server.IP
	cfg.Server.Port = s.cfg.Server.Port
	cfg.RTP.UDPFirst = s.cfg.RTP.UDPFirst
	cfg.RTP.UDPLast = s.cfg.RTP.UDPLast
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Server) snapshotCfg() config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Ports exposes the UDP pool, tests check recycling through it.
func (s *Server) Ports() *PortPool { return s.ports }

// Addr is the bound listen address once ListenAndServe started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Listen binds the configured address without serving yet.
func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.IP, s.cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rtsp: bind %s: %w", addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.running = true
	s.mu.Unlock()
	s.log.Info().Str("addr", ln.Addr().String()).Int("limit", s.cfg.Server.Limit).Msg("Listening")
	return nil
}

// Serve runs the accept loop until Shutdown. Fresh sockets get TCP
// keepalive, a connection object and their own serving goroutine.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("rtsp: serve without listen")
	}

	s.wg.Add(1)
	go s.reaper()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			running := s.running
			s.mu.Unlock()
			if !running || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Error().Err(err).Msg("Accept failed")
			continue
		}
		s.handle(conn)
	}
}

// ListenAndServe binds and serves.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

func (s *Server) handle(conn net.Conn) {
	s.mu.Lock()
	s.reapLocked()
	if s.cfg.Server.Limit > 0 && len(s.conns) >= s.cfg.Server.Limit {
		s.mu.Unlock()
		s.log.Warn().Int("limit", s.cfg.Server.Limit).Msg("Connection limit reached, refusing")
		conn.Close()
		return
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
		tc.SetNoDelay(true)
	}

	c := newConnection(conn, s, s.log)
	s.conns = append(s.conns, c)
	n := len(s.conns)
	s.mu.Unlock()

	s.log.Debug().Uint32("conn", c.ID()).Int("active", n).Msg("Connection accepted")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.Serve()
		select {
		case s.reapWake <- struct{}{}:
		default:
		}
	}()
}

// reaper periodically drops connections whose serve loop has finished.
func (s *Server) reaper() {
	defer s.wg.Done()
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			return
		}
		s.reapLocked()
		s.mu.Unlock()

		select {
		case <-ticker.C:
		case <-s.reapWake:
		}
	}
}

func (s *Server) reapLocked() {
	alive := s.conns[:0]
	for _, c := range s.conns {
		if c.IsActive() {
			alive = append(alive, c)
		}
	}
	if len(alive) != len(s.conns) {
		s.log.Debug().Int("active", len(alive)).Msg("Reaped connections")
	}
	s.conns = alive
}

// ConnectionCount is the live connection count.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reapLocked()
	return len(s.conns)
}

// Shutdown stops accepting and tears every connection down.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	ln := s.ln
	conns := append([]*Connection(nil), s.conns...)
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, c := range conns {
		c.tunnel.Close()
	}
	select {
	case s.reapWake <- struct{}{}:
	default:
	}
	s.wg.Wait()
	s.log.Info().Msg("Shut down")
}
