package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/framebus/internal/config"
	"github.com/danmuck/framebus/internal/multiply"
	"github.com/danmuck/framebus/internal/protocol"
	"github.com/danmuck/framebus/internal/protocol/frame"
	"github.com/danmuck/framebus/internal/protocol/kind"
	"github.com/danmuck/framebus/internal/testutil/testlog"
	"github.com/danmuck/framebus/internal/transport"
)

func catalogueFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalogue.toml")
	if err := config.WriteTemplate(path, "catalogue", false); err != nil {
		t.Fatalf("write catalogue: %v", err)
	}
	return path
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ln
}

func TestServiceServesMultiplyAndAdmin(t *testing.T) {
	testlog.Start(t)
	catalogue := catalogueFile(t)
	cfg := DefaultConfig()
	cfg.CataloguePath = catalogue
	svc, err := NewService(cfg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if svc.Registry().Len() != 6 {
		t.Fatalf("expected 6 kinds, got %d", svc.Registry().Len())
	}

	ln, adminLn := listen(t), listen(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln, adminLn, nil) }()

	reg := kind.NewRegistry()
	if err := multiply.Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	cat, err := config.LoadCatalogue(catalogue)
	if err != nil {
		t.Fatalf("load catalogue: %v", err)
	}
	if err := cat.Register(reg); err != nil {
		t.Fatalf("register catalogue: %v", err)
	}
	clientBus := protocol.NewBus(nil, reg, protocol.DefaultConfig())
	client, err := transport.Dial(ctx, ln.Addr().String(), clientBus, transport.DefaultConfig())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	senderCfg := multiply.DefaultSenderConfig()
	senderCfg.GroupSize = 10
	senderCfg.Rand = rand.New(rand.NewSource(11))
	sender := multiply.NewSender(clientBus, client, senderCfg)
	if err := sender.Attach(clientBus.Dispatcher()); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, err := sender.SendGroup(ctx); err != nil {
		t.Fatalf("send group: %v", err)
	}
	if _, err := client.Send(frame.KindFromUint32(0x100), map[string]any{"node": "n1"}); err != nil {
		t.Fatalf("send heartbeat: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for sender.Stats().Completed < 10 {
		if time.Now().After(deadline) {
			t.Fatalf("responses missing: %+v", sender.Stats())
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Get("http://" + adminLn.Addr().String() + "/kinds")
	if err != nil {
		t.Fatalf("admin get: %v", err)
	}
	var body struct {
		Kinds []struct {
			Code string `json:"code"`
			Name string `json:"name"`
		} `json:"kinds"`
	}
	err = json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if err != nil || len(body.Kinds) != 6 || body.Kinds[4].Name != "Heartbeat" {
		t.Fatalf("unexpected /kinds: %+v err=%v", body, err)
	}

	if err := client.Close(); err != nil {
		t.Fatalf("client close: %v", err)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not stop")
	}
	if _, requests := svc.Multiply().Handled(); requests != 10 {
		t.Fatalf("expected 10 requests handled, got %d", requests)
	}
}

func TestCatalogueShadowingBuiltinFollowsPolicy(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "catalogue.toml")
	body := "[[kinds]]\ncode = \"0x00000001\"\nname = \"Ping\"\nschema = '{\"type\":\"object\",\"required\":[\"seq\"]}'\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg := DefaultConfig()
	cfg.CataloguePath = path
	if _, err := NewService(cfg); !errors.Is(err, kind.ErrDuplicateKind) {
		t.Fatalf("expected ErrDuplicateKind under fail-fast, got %v", err)
	}

	cfg.DuplicatePolicy = kind.PolicyReplace
	svc, err := NewService(cfg)
	if err != nil {
		t.Fatalf("replace policy: %v", err)
	}
	if svc.Registry().Len() != 4 {
		t.Fatalf("expected 4 kinds, got %d", svc.Registry().Len())
	}
}

func TestMissingCatalogueFails(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.CataloguePath = filepath.Join(t.TempDir(), "absent.toml")
	if _, err := NewService(cfg); err == nil {
		t.Fatalf("expected load error")
	}
}
