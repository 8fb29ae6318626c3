package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/framebus/internal/protocol"
	"github.com/danmuck/framebus/internal/protocol/dispatch"
	"github.com/danmuck/framebus/internal/protocol/frame"
	"github.com/danmuck/framebus/internal/protocol/kind"
	"github.com/danmuck/framebus/internal/protocol/msgid"
	"github.com/danmuck/framebus/internal/protocol/schema"
	"github.com/danmuck/framebus/internal/testutil/testlog"
	"github.com/danmuck/framebus/internal/testutil/tlstest"
)

type seq struct {
	Seq int64 `json:"seq"`
}

var (
	pingKind = frame.KindFromUint32(0x00000001)
	pongKind = frame.KindFromUint32(0x00000004)
)

type pong struct {
	id  msgid.ID
	seq int64
}

func newBus(t *testing.T) *protocol.Bus {
	t.Helper()
	reg := kind.NewRegistry()
	reg.MustRegister(pingKind, "Ping", schema.MustTyped[seq]("Ping", schema.TypedOptions{}))
	reg.MustRegister(pongKind, "Pong", schema.MustTyped[seq]("Pong", schema.TypedOptions{}))
	return protocol.NewBus(nil, reg, protocol.DefaultConfig())
}

// startServer runs a Ping->Pong server and returns its address.
func startServer(t *testing.T, cfg Config) string {
	t.Helper()
	bus := newBus(t)
	err := bus.Dispatcher().Handle(pingKind, dispatch.Of(func(_ context.Context, env dispatch.Envelope, p seq) error {
		return env.Reply(pongKind, seq{Seq: p.Seq})
	}))
	if err != nil {
		t.Fatalf("handle ping: %v", err)
	}

	srv := NewServer(bus, cfg)
	ln, err := srv.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("server did not stop")
		}
	})
	return ln.Addr().String()
}

func dialPongs(t *testing.T, addr string, cfg Config) (*Client, <-chan pong) {
	t.Helper()
	bus := newBus(t)
	pongs := make(chan pong, 16)
	_ = bus.Dispatcher().Handle(pongKind, dispatch.Of(func(_ context.Context, env dispatch.Envelope, p seq) error {
		pongs <- pong{id: env.ID, seq: p.Seq}
		return nil
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, addr, bus, cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, pongs
}

func expectPong(t *testing.T, pongs <-chan pong, id msgid.ID, want int64) {
	t.Helper()
	select {
	case p := <-pongs:
		if p.id != id || p.seq != want {
			t.Fatalf("unexpected pong id=%s seq=%d, want id=%s seq=%d", p.id, p.seq, id, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for pong %d", want)
	}
}

func TestServerPingPong(t *testing.T) {
	testlog.Start(t)
	addr := startServer(t, DefaultConfig())
	c, pongs := dialPongs(t, addr, DefaultConfig())

	for i := int64(1); i <= 5; i++ {
		id, err := c.Send(pingKind, seq{Seq: i})
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		expectPong(t, pongs, id, i)
	}
}

func TestServerSurvivesBadFrames(t *testing.T) {
	testlog.Start(t)
	addr := startServer(t, DefaultConfig())
	c, pongs := dialPongs(t, addr, DefaultConfig())

	id := msgid.Default().Generate()
	bad := [][]byte{
		{0x01},
		frame.Frame{Kind: frame.KindFromUint32(0xdead), ID: id, Payload: []byte(`{}`)}.Bytes(),
		frame.Frame{Kind: pingKind, ID: id, Payload: []byte(`{"seq":`)}.Bytes(),
		frame.Frame{Kind: pingKind, ID: id, Payload: []byte(`{"seq":"x"}`)}.Bytes(),
	}
	for i, b := range bad {
		if err := c.WriteRaw(b); err != nil {
			t.Fatalf("write bad frame %d: %v", i, err)
		}
	}
	sent, err := c.Send(pingKind, seq{Seq: 9})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	expectPong(t, pongs, sent, 9)
}

func TestServerClosesOnOversizeFrame(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.Limits.MaxFrameBytes = 64
	addr := startServer(t, cfg)

	c, _ := dialPongs(t, addr, DefaultConfig())
	if err := c.WriteRaw(make([]byte, 128)); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("server should close the connection")
	}
}

func TestServerMutualTLS(t *testing.T) {
	testlog.Start(t)
	ca := tlstest.NewAuthority(t, "framebus-test-ca")
	serverPair := ca.Server(t, "framebusd")
	clientPair := ca.Client(t, "multsender")

	serverCfg := DefaultConfig()
	serverCfg.Security = Security{
		Mode: SecurityModeProduction,
		TLS: TLSConfig{
			Enabled:  true,
			Mutual:   true,
			CertFile: serverPair.CertFile,
			KeyFile:  serverPair.KeyFile,
			CAFile:   ca.CAFile(),
		},
	}
	addr := startServer(t, serverCfg)

	clientCfg := DefaultConfig()
	clientCfg.Security = Security{
		Mode: SecurityModeProduction,
		TLS: TLSConfig{
			Enabled:  true,
			Mutual:   true,
			CertFile: clientPair.CertFile,
			KeyFile:  clientPair.KeyFile,
			CAFile:   ca.CAFile(),
		},
	}
	c, pongs := dialPongs(t, addr, clientCfg)
	id, err := c.Send(pingKind, seq{Seq: 3})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	expectPong(t, pongs, id, 3)
}

func TestServeRejectsInvalidSecurity(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.Security.Mode = SecurityModeProduction
	srv := NewServer(newBus(t), cfg)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	if err := srv.Serve(context.Background(), ln); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}
}

func TestValidateClientProductionRequiresMTLS(t *testing.T) {
	testlog.Start(t)
	s := Security{Mode: SecurityModeProduction}
	if err := s.ValidateClient(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}
	s.TLS.Enabled = true
	if err := s.ValidateClient(); !errors.Is(err, ErrMTLSRequired) {
		t.Fatalf("expected ErrMTLSRequired, got %v", err)
	}
	s.TLS.Mutual = true
	s.TLS.InsecureSkipVerify = true
	if err := s.ValidateClient(); !errors.Is(err, ErrTLSInsecureSkipNotAllow) {
		t.Fatalf("expected ErrTLSInsecureSkipNotAllow, got %v", err)
	}
}

func TestValidateClientMutualRequiresCertKeyCA(t *testing.T) {
	testlog.Start(t)
	s := Security{TLS: TLSConfig{Enabled: true, Mutual: true}}
	if err := s.ValidateClient(); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}
	s.TLS.CAFile = "/tmp/ca.pem"
	if err := s.ValidateClient(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}
	s.TLS.CertFile = "/tmp/client.pem"
	if err := s.ValidateClient(); !errors.Is(err, ErrTLSKeyFileRequired) {
		t.Fatalf("expected ErrTLSKeyFileRequired, got %v", err)
	}
	s.TLS.KeyFile = "/tmp/client.key"
	if err := s.ValidateClient(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
	if err := (Security{Mode: "staging"}).ValidateServer(); !errors.Is(err, ErrInvalidSecurityMode) {
		t.Fatalf("expected ErrInvalidSecurityMode, got %v", err)
	}
}
