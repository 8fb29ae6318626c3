package natsbus

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/danmuck/framebus/internal/protocol"
	"github.com/danmuck/framebus/internal/protocol/dispatch"
	"github.com/danmuck/framebus/internal/protocol/frame"
	"github.com/danmuck/framebus/internal/protocol/kind"
	"github.com/danmuck/framebus/internal/protocol/schema"
	"github.com/danmuck/framebus/internal/testutil/testlog"
	"github.com/nats-io/nats.go"
)

type seq struct {
	Seq int64 `json:"seq"`
}

var (
	pingKind = frame.KindFromUint32(0x00000001)
	pongKind = frame.KindFromUint32(0x00000004)
)

// fakeBroker delivers published messages synchronously to matching subscribers.
type fakeBroker struct {
	mu        sync.Mutex
	handlers  map[string]nats.MsgHandler
	published map[string][][]byte
	failPub   error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		handlers:  make(map[string]nats.MsgHandler),
		published: make(map[string][][]byte),
	}
}

func (b *fakeBroker) Publish(subj string, data []byte) error {
	if b.failPub != nil {
		return b.failPub
	}
	b.mu.Lock()
	b.published[subj] = append(b.published[subj], append([]byte(nil), data...))
	h := b.handlers[subj]
	b.mu.Unlock()
	if h != nil {
		h(&nats.Msg{Subject: subj, Data: data})
	}
	return nil
}

func (b *fakeBroker) Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[subj] = cb
	return nil, nil
}

func (b *fakeBroker) QueueSubscribe(subj, _ string, cb nats.MsgHandler) (*nats.Subscription, error) {
	return b.Subscribe(subj, cb)
}

func (b *fakeBroker) sent(subj string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published[subj]
}

func newBus(t *testing.T) *protocol.Bus {
	t.Helper()
	reg := kind.NewRegistry()
	reg.MustRegister(pingKind, "Ping", schema.MustTyped[seq]("Ping", schema.TypedOptions{}))
	reg.MustRegister(pongKind, "Pong", schema.MustTyped[seq]("Pong", schema.TypedOptions{}))
	return protocol.NewBus(nil, reg, protocol.DefaultConfig())
}

func TestSubscribeRepliesOnReplySubject(t *testing.T) {
	testlog.Start(t)
	broker := newFakeBroker()
	bus := newBus(t)
	_ = bus.Dispatcher().Handle(pingKind, dispatch.Of(func(_ context.Context, env dispatch.Envelope, p seq) error {
		return env.Reply(pongKind, seq{Seq: p.Seq + 1})
	}))

	cfg := Config{Subject: "framebus.in", ReplySubject: "framebus.out", Queue: "workers"}
	sub, err := Subscribe(context.Background(), broker, cfg, bus, NewPublisher(broker, cfg.ReplySubject, bus))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	client := NewPublisher(broker, cfg.Subject, bus)
	id, err := client.Send(pingKind, seq{Seq: 1})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := client.WriteRaw([]byte("garbage")); err != nil {
		t.Fatalf("publish raw: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	out := broker.sent(cfg.ReplySubject)
	if len(out) != 1 {
		t.Fatalf("expected one reply, got %d", len(out))
	}
	msg, err := bus.Decode(out[0])
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if msg.Kind != pongKind || msg.ID != id || msg.Payload.(seq).Seq != 2 {
		t.Fatalf("unexpected reply: %+v", msg)
	}
	accepted, rejected := sub.Counts()
	if accepted != 1 || rejected != 1 {
		t.Fatalf("accepted=%d rejected=%d", accepted, rejected)
	}
}

func TestSubscribeRequiresSubject(t *testing.T) {
	testlog.Start(t)
	if _, err := Subscribe(context.Background(), newFakeBroker(), Config{}, newBus(t), nil); err == nil {
		t.Fatalf("expected error for empty subject")
	}
}

func TestPublisherErrors(t *testing.T) {
	testlog.Start(t)
	broker := newFakeBroker()
	broker.failPub = errors.New("nats: connection closed")
	bus := newBus(t)
	p := NewPublisher(broker, "framebus.in", bus)
	if _, err := p.Send(pingKind, seq{Seq: 1}); err == nil {
		t.Fatalf("expected publish error")
	}
	if _, err := p.Send(frame.KindFromUint32(0x99), seq{}); !errors.Is(err, kind.ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	if !(Config{URL: "nats://127.0.0.1:4222"}).Enabled() || (Config{}).Enabled() {
		t.Fatalf("unexpected Enabled results")
	}
}

func TestConfigValidate(t *testing.T) {
	testlog.Start(t)
	url := "nats://127.0.0.1:4222"
	cases := []struct {
		name string
		cfg  Config
		want error
	}{
		{name: "disabled", cfg: Config{}},
		{name: "complete", cfg: Config{URL: url, Subject: "framebus.in", ReplySubject: "framebus.out"}},
		{name: "no subject", cfg: Config{URL: url, ReplySubject: "framebus.out"}, want: ErrInvalidConfig},
		{name: "no reply subject", cfg: Config{URL: url, Subject: "framebus.in", ReplySubject: " "}, want: ErrInvalidConfig},
	}
	for _, tc := range cases {
		err := tc.cfg.Validate()
		if tc.want == nil && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}
