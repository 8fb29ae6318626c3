package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/danmuck/framebus/internal/observability"
	"github.com/danmuck/framebus/internal/protocol/dispatch"
	"github.com/danmuck/framebus/internal/protocol/frame"
	"github.com/danmuck/framebus/internal/protocol/kind"
	"github.com/danmuck/framebus/internal/protocol/msgid"
	"github.com/danmuck/framebus/internal/protocol/validate"
	"github.com/rs/zerolog/log"
)

// Config controls inbound and outbound checks of a Bus.
type Config struct {
	// StrictIDs requires RFC 4122 version 4 ids on inbound frames.
	StrictIDs bool
	// StreamCapacity is the per-stream queue bound; 0 selects the dispatch default.
	StreamCapacity int
}

func DefaultConfig() Config {
	return Config{
		StrictIDs:      false,
		StreamCapacity: dispatch.DefaultStreamCapacity,
	}
}

// Bus wires identifier generation, the kind registry, validation and
// dispatch for one process.
type Bus struct {
	cfg        Config
	ids        *msgid.Provider
	registry   *kind.Registry
	validator  *validate.Validator
	dispatcher *dispatch.Dispatcher
}

// NewBus builds a bus. A nil provider selects msgid.Default().
func NewBus(ids *msgid.Provider, registry *kind.Registry, cfg Config) *Bus {
	if ids == nil {
		ids = msgid.Default()
	}
	if registry == nil {
		registry = kind.NewRegistry()
	}
	return &Bus{
		cfg:        cfg,
		ids:        ids,
		registry:   registry,
		validator:  validate.New(registry),
		dispatcher: dispatch.NewDispatcher(),
	}
}

func (b *Bus) Registry() *kind.Registry {
	return b.registry
}

func (b *Bus) Dispatcher() *dispatch.Dispatcher {
	return b.dispatcher
}

func (b *Bus) IDs() *msgid.Provider {
	return b.ids
}

func (b *Bus) Config() Config {
	return b.cfg
}

// Decode parses raw as one frame and validates it against the registry.
func (b *Bus) Decode(raw []byte) (validate.Message, error) {
	f, err := frame.Decode(raw)
	if err != nil {
		return validate.Message{}, err
	}
	return b.validator.ValidateFrame(f, b.cfg.StrictIDs)
}

// Relay decodes only the header so frames of unregistered kinds can be forwarded untouched.
func (b *Bus) Relay(raw []byte) (frame.Frame, error) {
	return frame.Decode(raw)
}

// Encode serializes payload under kind k with a freshly generated id.
func (b *Bus) Encode(k frame.Kind, payload any) ([]byte, msgid.ID, error) {
	id := b.ids.Generate()
	out, err := b.EncodeWithID(k, id, payload)
	if err != nil {
		return nil, msgid.Nil, err
	}
	return out, id, nil
}

// EncodeWithID serializes payload under kind k and an existing id. The
// payload must pass the same validation receivers apply.
func (b *Bus) EncodeWithID(k frame.Kind, id msgid.ID, payload any) ([]byte, error) {
	entry, err := b.registry.Lookup(k)
	if err != nil {
		return nil, err
	}
	if err := validate.CheckID(entry, id, b.cfg.StrictIDs); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s payload: %w", entry.Name, err)
	}
	if _, err := entry.Decoder.Decode(raw); err != nil {
		return nil, err
	}
	out := frame.Frame{Kind: k, ID: id, Payload: raw}.Bytes()
	observability.RecordFrame(observability.DirectionOut, entry.Name, len(out))
	return out, nil
}

// NewStream starts an ordered dispatch stream for one connection. Replies
// from handlers go to responder.
func (b *Bus) NewStream(ctx context.Context, name string, responder dispatch.Responder) *Stream {
	s := &Stream{bus: b, name: name, responder: responder}
	s.queue = dispatch.NewStream(ctx, meteredRouter{next: b.dispatcher}, dispatch.StreamConfig{
		Name:     name,
		Capacity: b.cfg.StreamCapacity,
		OnError:  s.routeFailed,
	})
	observability.StreamOpened()
	return s
}

// meteredRouter times every handler invocation.
type meteredRouter struct {
	next dispatch.Router
}

func (m meteredRouter) Route(ctx context.Context, env dispatch.Envelope) error {
	start := time.Now()
	err := m.next.Route(ctx, env)
	observability.RecordDispatch(env.Name, time.Since(start), err == nil)
	return err
}

func rejectEvent(direction string, err error) {
	class := Classify(err)
	observability.RecordReject(direction, class.String(), Reason(err))
	log.Debug().Str("direction", direction).Str("class", class.String()).Err(err).Msg("protocol.Bus frame rejected")
}
