package protocol

import (
	"sync"

	"github.com/danmuck/framebus/internal/observability"
	"github.com/danmuck/framebus/internal/protocol/dispatch"
	"github.com/rs/zerolog/log"
)

// Stream accepts raw frames from one connection and hands validated
// messages to the dispatcher in arrival order.
type Stream struct {
	bus       *Bus
	name      string
	responder dispatch.Responder
	queue     *dispatch.Stream
	closeOnce sync.Once

	mu       sync.Mutex
	accepted uint64
	rejected uint64
}

// Accept decodes, validates and enqueues raw. A rejected frame only
// affects itself; the stream stays usable. The return value covers decode
// and enqueue only: errors raised at dispatch, such as NoHandler or a
// failing handler, reach the dispatch OnError hook, which logs them and
// counts a reject.
func (s *Stream) Accept(raw []byte) error {
	msg, err := s.bus.Decode(raw)
	if err != nil {
		s.reject(err)
		return err
	}
	env := dispatch.Envelope{
		Kind:      msg.Kind,
		Name:      msg.Name,
		ID:        msg.ID,
		Payload:   msg.Payload,
		Responder: s.responder,
	}
	if err := s.queue.Enqueue(env); err != nil {
		s.reject(err)
		return err
	}
	observability.RecordFrame(observability.DirectionIn, msg.Name, len(raw))
	s.mu.Lock()
	s.accepted++
	s.mu.Unlock()
	return nil
}

func (s *Stream) Name() string {
	return s.name
}

// Counts reports accepted and rejected frames, dispatch failures included.
func (s *Stream) Counts() (accepted, rejected uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted, s.rejected
}

// Close stops accepting frames and waits until queued messages are handled.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.queue.Close()
		s.queue.Wait()
		observability.StreamClosed()
	})
}

func (s *Stream) reject(err error) {
	s.mu.Lock()
	s.rejected++
	s.mu.Unlock()
	rejectEvent(observability.DirectionIn, err)
}

func (s *Stream) routeFailed(env dispatch.Envelope, err error) {
	s.mu.Lock()
	s.rejected++
	s.mu.Unlock()
	class := Classify(err)
	observability.RecordReject(observability.DirectionIn, class.String(), Reason(err))
	log.Warn().Str("stream", s.name).Str("kind", env.Kind.String()).Str("name", env.Name).
		Str("id", env.ID.String()).Str("class", class.String()).Err(err).Msg("protocol.Stream dispatch failed")
}
