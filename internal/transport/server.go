package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/danmuck/framebus/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Server accepts framed connections and dispatches their frames through a bus.
type Server struct {
	bus *protocol.Bus
	cfg Config

	mu      sync.Mutex
	conns   map[*Conn]struct{}
	wg      sync.WaitGroup
	clients atomic.Int64
}

func NewServer(bus *protocol.Bus, cfg Config) *Server {
	return &Server{
		bus:   bus,
		cfg:   cfg,
		conns: make(map[*Conn]struct{}),
	}
}

// Listen opens a TCP or TLS listener according to the security config.
func (s *Server) Listen(addr string) (net.Listener, error) {
	tlsCfg, err := s.cfg.Security.ServerTLS()
	if err != nil {
		return nil, err
	}
	if tlsCfg == nil {
		return net.Listen("tcp", addr)
	}
	return tls.Listen("tcp", addr, tlsCfg)
}

// Serve runs the accept loop until ctx ends or ln fails. Every
// connection is closed and drained before Serve returns.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.cfg.Security.ValidateServer(); err != nil {
		return err
	}
	defer ln.Close()
	defer s.wg.Wait()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		_ = ln.Close()
		s.closeAll()
	}()

	log.Info().Str("addr", ln.Addr().String()).Msg("transport.Server listening")
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		c := newConn(nc, s.bus, s.cfg)
		s.track(c)
		if ctx.Err() != nil {
			// shutdown raced the accept; closeAll may already have run
			_ = c.Close()
		}
		s.wg.Add(1)
		go s.handle(ctx, c)
	}
}

// Clients is the number of open connections.
func (s *Server) Clients() int64 {
	return s.clients.Load()
}

func (s *Server) handle(ctx context.Context, c *Conn) {
	defer s.wg.Done()
	defer s.untrack(c)
	defer c.Close()

	active := s.clients.Add(1)
	log.Info().Str("remote", c.name).Int64("active_clients", active).Msg("transport.Server client connected")
	err := c.readLoop(ctx)
	remaining := s.clients.Add(-1)
	event := log.Info()
	if err != nil {
		event = log.Warn().Err(err)
	}
	event.Str("remote", c.name).Int64("active_clients", remaining).Msg("transport.Server client disconnected")
}

func (s *Server) track(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c] = struct{}{}
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}
