package dispatch

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DefaultStreamCapacity bounds how many envelopes a stream holds before Enqueue fails.
const DefaultStreamCapacity = 1000

var (
	// ErrStreamClosed indicates that an envelope was enqueued after Close.
	ErrStreamClosed = errors.New("dispatch: stream closed")

	// ErrStreamFull indicates that the stream reached its capacity.
	ErrStreamFull = errors.New("dispatch: stream capacity reached")
)

// StreamConfig configures a Stream.
type StreamConfig struct {
	Name     string
	Capacity int
	// OnError receives every routing error. The stream keeps draining afterwards.
	OnError func(env Envelope, err error)
}

// Stream preserves arrival order for one logical connection: a single
// goroutine routes envelopes in the order they were enqueued.
type Stream struct {
	name     string
	router   Router
	channel  chan Envelope
	capacity int
	onError  func(Envelope, error)

	// closed and closeLock guard against sending on a closed channel
	closed    bool
	closeLock sync.Mutex
	done      chan struct{}
}

// NewStream starts draining into router. ctx is passed to every handler call.
func NewStream(ctx context.Context, router Router, cfg StreamConfig) *Stream {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultStreamCapacity
	}
	s := &Stream{
		name:     cfg.Name,
		router:   router,
		channel:  make(chan Envelope, cfg.Capacity),
		capacity: cfg.Capacity,
		onError:  cfg.OnError,
		done:     make(chan struct{}),
	}
	go s.drain(ctx)
	return s
}

func (s *Stream) Name() string {
	return s.name
}

// Enqueue queues env without blocking.
func (s *Stream) Enqueue(env Envelope) error {
	s.closeLock.Lock()
	defer s.closeLock.Unlock()

	if s.closed {
		return errors.Wrapf(ErrStreamClosed, "stream '%s'", s.name)
	}
	if len(s.channel) == s.capacity {
		return errors.Wrapf(ErrStreamFull, "stream '%s' reached capacity of %d", s.name, s.capacity)
	}
	s.channel <- env
	return nil
}

// Len is the number of envelopes waiting.
func (s *Stream) Len() int {
	return len(s.channel)
}

// Close stops accepting envelopes. Already queued envelopes are still routed.
func (s *Stream) Close() {
	s.closeLock.Lock()
	defer s.closeLock.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.channel)
}

// Wait blocks until every queued envelope has been routed after Close.
func (s *Stream) Wait() {
	<-s.done
}

func (s *Stream) drain(ctx context.Context) {
	defer close(s.done)
	for env := range s.channel {
		if err := s.router.Route(ctx, env); err != nil {
			if s.onError != nil {
				s.onError(env, err)
				continue
			}
			log.Warn().Str("stream", s.name).Str("kind", env.Kind.String()).Str("id", env.ID.String()).
				Err(err).Msg("dispatch.Stream route failed")
		}
	}
}
