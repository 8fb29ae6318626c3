// Package daemon assembles a framebus node: registry, bus, multiply
// service, stream transport, optional NATS attachment and admin HTTP.
package daemon

import (
	"context"
	"net"
	"strings"

	"github.com/danmuck/framebus/internal/admin"
	"github.com/danmuck/framebus/internal/config"
	"github.com/danmuck/framebus/internal/multiply"
	"github.com/danmuck/framebus/internal/protocol"
	"github.com/danmuck/framebus/internal/protocol/dispatch"
	"github.com/danmuck/framebus/internal/protocol/kind"
	"github.com/danmuck/framebus/internal/protocol/msgid"
	"github.com/danmuck/framebus/internal/transport"
	"github.com/danmuck/framebus/internal/transport/natsbus"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Config struct {
	ListenAddr  string
	AdminAddr   string
	AdminToken  string
	CORSOrigins []string
	// CataloguePath names a kinds catalogue loaded on top of the builtin kinds.
	CataloguePath   string
	DuplicatePolicy kind.Policy
	Protocol        protocol.Config
	Transport       transport.Config
	NATS            natsbus.Config
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:      "127.0.0.1:7400",
		AdminAddr:       "127.0.0.1:7401",
		DuplicatePolicy: kind.PolicyFailFast,
		Protocol:        protocol.DefaultConfig(),
		Transport:       transport.DefaultConfig(),
	}
}

// Service owns every component of one daemon.
type Service struct {
	cfg      Config
	registry *kind.Registry
	bus      *protocol.Bus
	multiply *multiply.Service
	server   *transport.Server
	admin    *admin.Server
}

func NewService(cfg Config) (*Service, error) {
	registry := kind.NewRegistry(kind.WithPolicy(cfg.DuplicatePolicy))
	if err := multiply.Register(registry); err != nil {
		return nil, err
	}

	var catalogue config.Catalogue
	if path := strings.TrimSpace(cfg.CataloguePath); path != "" {
		cat, err := config.LoadCatalogue(path)
		if err != nil {
			return nil, err
		}
		if err := cat.Register(registry); err != nil {
			return nil, errors.Wrapf(err, "register catalogue %s", path)
		}
		catalogue = cat
	}

	bus := protocol.NewBus(msgid.Default(), registry, cfg.Protocol)
	svc := &Service{
		cfg:      cfg,
		registry: registry,
		bus:      bus,
		multiply: multiply.NewService(),
		server:   transport.NewServer(bus, cfg.Transport),
	}
	if err := svc.multiply.Attach(bus.Dispatcher()); err != nil {
		return nil, err
	}
	if err := attachObserved(bus.Dispatcher(), catalogue); err != nil {
		return nil, err
	}
	svc.admin = admin.NewServer(admin.Config{
		Service:     "framebusd",
		CORSOrigins: cfg.CORSOrigins,
		Token:       cfg.AdminToken,
	}, registry, svc.server)
	return svc, nil
}

// catalogue kinds have no service behind them; their frames are validated and logged
func attachObserved(d *dispatch.Dispatcher, cat config.Catalogue) error {
	for _, entry := range cat.Kinds {
		k, err := config.ValidateKindEntry(entry)
		if err != nil {
			return err
		}
		if err := d.HandleFunc(k, observe); err != nil && !errors.Is(err, dispatch.ErrHandlerExists) {
			return err
		}
	}
	return nil
}

func observe(_ context.Context, env dispatch.Envelope) error {
	log.Info().Str("kind", env.Kind.String()).Str("name", env.Name).Str("id", env.ID.String()).
		Interface("payload", env.Payload).Msg("daemon observed frame")
	return nil
}

func (s *Service) Bus() *protocol.Bus {
	return s.bus
}

func (s *Service) Registry() *kind.Registry {
	return s.registry
}

func (s *Service) Multiply() *multiply.Service {
	return s.multiply
}

func (s *Service) Admin() *admin.Server {
	return s.admin
}

// Run listens on the configured addresses and serves until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	ln, err := s.server.Listen(s.cfg.ListenAddr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.cfg.ListenAddr)
	}
	var adminLn net.Listener
	if addr := strings.TrimSpace(s.cfg.AdminAddr); addr != "" {
		adminLn, err = net.Listen("tcp", addr)
		if err != nil {
			_ = ln.Close()
			return errors.Wrapf(err, "listen admin %s", addr)
		}
	}
	var broker natsbus.Broker
	if s.cfg.NATS.Enabled() {
		nc, err := natsbus.Connect(s.cfg.NATS)
		if err != nil {
			_ = ln.Close()
			if adminLn != nil {
				_ = adminLn.Close()
			}
			return err
		}
		defer nc.Close()
		broker = nc
	}
	return s.Serve(ctx, ln, adminLn, broker)
}

// Serve runs on existing listeners. adminLn and broker may be nil.
func (s *Service) Serve(ctx context.Context, ln, adminLn net.Listener, broker natsbus.Broker) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if broker != nil {
		sub, err := natsbus.Subscribe(ctx, broker, s.cfg.NATS, s.bus, natsbus.NewPublisher(broker, s.cfg.NATS.ReplySubject, s.bus))
		if err != nil {
			_ = ln.Close()
			if adminLn != nil {
				_ = adminLn.Close()
			}
			return err
		}
		defer func() {
			if err := sub.Close(); err != nil {
				log.Warn().Err(err).Msg("daemon.Service nats unsubscribe")
			}
		}()
	}

	// nil when there is no admin listener, so the select below never picks it
	var adminErr chan error
	if adminLn != nil {
		adminErr = make(chan error, 1)
		go func() {
			adminErr <- s.admin.Serve(ctx, adminLn)
		}()
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.server.Serve(ctx, ln)
	}()

	s.admin.SetReady(true)
	log.Info().Str("addr", ln.Addr().String()).Int("kinds", s.registry.Len()).
		Bool("nats", broker != nil).Msg("daemon.Service serving")

	var err error
	select {
	case err = <-serveErr:
		cancel()
		if adminErr != nil {
			if aerr := <-adminErr; err == nil {
				err = aerr
			}
		}
	case err = <-adminErr:
		cancel()
		if serr := <-serveErr; err == nil {
			err = serr
		}
	}
	s.admin.SetReady(false)
	pings, requests := s.multiply.Handled()
	log.Info().Uint64("pings", pings).Uint64("requests", requests).Msg("daemon.Service stopped")
	return err
}
