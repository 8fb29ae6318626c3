package multiply

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/danmuck/framebus/internal/protocol/dispatch"
	"github.com/rs/zerolog/log"
)

var ErrOverflow = errors.New("multiply: result overflows int64")

// Service answers pings and multiplication requests under the request id.
type Service struct {
	pings    atomic.Uint64
	requests atomic.Uint64
}

func NewService() *Service {
	return &Service{}
}

func (s *Service) Attach(d *dispatch.Dispatcher) error {
	if err := d.Handle(KindPing, dispatch.Of(s.handlePing)); err != nil {
		return err
	}
	return d.Handle(KindRequest, dispatch.Of(s.handleRequest))
}

// Handled reports pings and requests answered so far.
func (s *Service) Handled() (pings, requests uint64) {
	return s.pings.Load(), s.requests.Load()
}

func (s *Service) handlePing(_ context.Context, env dispatch.Envelope, p Ping) error {
	if err := env.Reply(KindPong, Pong{Seq: p.Seq}); err != nil {
		return err
	}
	s.pings.Add(1)
	return nil
}

func (s *Service) handleRequest(_ context.Context, env dispatch.Envelope, req Request) error {
	result, err := Multiply(req.Value, req.Multiplier)
	if err != nil {
		return err
	}
	if err := env.Reply(KindResponse, Response{Result: result}); err != nil {
		return err
	}
	n := s.requests.Add(1)
	log.Trace().Str("id", env.ID.String()).Int64("result", result).Uint64("handled", n).
		Msg("multiply.Service request answered")
	return nil
}

// Multiply returns a*b or ErrOverflow.
func Multiply(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	r := a * b
	if r/b != a || (a == -1 && b == -1<<63) || (b == -1 && a == -1<<63) {
		return 0, fmt.Errorf("%w: %d * %d", ErrOverflow, a, b)
	}
	return r, nil
}
