package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/framebus/internal/protocol/frame"
	"github.com/danmuck/framebus/internal/protocol/msgid"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoHandler     = errors.New("dispatch: no handler")
	ErrHandlerExists = errors.New("dispatch: handler already registered")
	ErrPayloadType   = errors.New("dispatch: unexpected payload type")
	ErrHandlerPanic  = errors.New("dispatch: handler panic")
)

// Responder sends a payload back toward the origin of an envelope.
type Responder interface {
	Respond(k frame.Kind, id msgid.ID, payload any) error
}

// Envelope is one validated message on its way to a handler.
type Envelope struct {
	Kind      frame.Kind
	Name      string
	ID        msgid.ID
	Payload   any
	Responder Responder
}

// Reply sends payload under kind k, correlated with this envelope's id.
func (e Envelope) Reply(k frame.Kind, payload any) error {
	if e.Responder == nil {
		return fmt.Errorf("dispatch: no responder for %s id=%s", e.Name, e.ID)
	}
	return e.Responder.Respond(k, e.ID, payload)
}

type Handler interface {
	Handle(ctx context.Context, env Envelope) error
}

type HandlerFunc func(ctx context.Context, env Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, env Envelope) error {
	return f(ctx, env)
}

// Of adapts a handler taking the concrete payload type of one kind.
func Of[T any](fn func(ctx context.Context, env Envelope, payload T) error) Handler {
	return HandlerFunc(func(ctx context.Context, env Envelope) error {
		payload, ok := env.Payload.(T)
		if !ok {
			return fmt.Errorf("%w: kind %s got %T", ErrPayloadType, env.Kind, env.Payload)
		}
		return fn(ctx, env, payload)
	})
}

// Router is what a Stream drains into.
type Router interface {
	Route(ctx context.Context, env Envelope) error
}

// Dispatcher invokes the single handler registered for each kind.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[frame.Kind]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[frame.Kind]Handler)}
}

// Handle registers h for kind k.
func (d *Dispatcher) Handle(k frame.Kind, h Handler) error {
	if h == nil {
		return fmt.Errorf("dispatch: nil handler for %s", k)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[k]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerExists, k)
	}
	d.handlers[k] = h
	return nil
}

func (d *Dispatcher) HandleFunc(k frame.Kind, fn func(ctx context.Context, env Envelope) error) error {
	return d.Handle(k, HandlerFunc(fn))
}

// Kinds lists kinds with a handler, ordered by code.
func (d *Dispatcher) Kinds() []frame.Kind {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]frame.Kind, 0, len(d.handlers))
	for k := range d.handlers {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Uint32() < out[j].Uint32()
	})
	return out
}

// Route invokes the handler for env.Kind once. A missing handler is reported,
// never dropped silently.
func (d *Dispatcher) Route(ctx context.Context, env Envelope) (err error) {
	d.mu.RLock()
	h, ok := d.handlers[env.Kind]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: kind %s (%s) id=%s", ErrNoHandler, env.Kind, env.Name, env.ID)
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("kind", env.Kind.String()).Str("id", env.ID.String()).
				Interface("panic", r).Msg("dispatch.Dispatcher.Route handler panic")
			err = fmt.Errorf("%w: kind %s id=%s: %v", ErrHandlerPanic, env.Kind, env.ID, r)
		}
	}()
	if err := h.Handle(ctx, env); err != nil {
		return fmt.Errorf("dispatch: kind %s (%s) id=%s: %w", env.Kind, env.Name, env.ID, err)
	}
	return nil
}
