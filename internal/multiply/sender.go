package multiply

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/framebus/internal/observability"
	"github.com/danmuck/framebus/internal/protocol"
	"github.com/danmuck/framebus/internal/protocol/dispatch"
	"github.com/danmuck/framebus/internal/protocol/frame"
	"github.com/danmuck/framebus/internal/protocol/msgid"
	"github.com/danmuck/framebus/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// DefaultGroupSize is how many requests go out between resend checks.
const DefaultGroupSize = 100

var (
	ErrUnexpectedID   = errors.New("multiply: response for unknown request id")
	ErrResultMismatch = errors.New("multiply: unexpected result")
)

// FrameWriter sends one encoded frame. transport.Conn and natsbus.Publisher satisfy it.
type FrameWriter interface {
	WriteRaw(b []byte) error
}

type SenderConfig struct {
	Session   session.Config
	GroupSize int
	// GroupInterval pauses between groups in Run. 0 sends back to back.
	GroupInterval time.Duration
	// Service labels metrics.
	Service string
	// Rand picks request operands. nil seeds from the clock.
	Rand *rand.Rand
}

func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		Session:       session.DefaultConfig(),
		GroupSize:     DefaultGroupSize,
		GroupInterval: 100 * time.Millisecond,
		Service:       "multsender",
	}
}

// Stats are running totals for one sender.
type Stats struct {
	Sent       uint64
	Resent     uint64
	Completed  uint64
	Mismatched uint64
	Unexpected uint64
	Expired    uint64
	Pending    int
}

type expectation struct {
	value      int64
	multiplier int64
	result     int64
}

// Sender issues multiplication requests and checks the correlated responses.
type Sender struct {
	bus    *protocol.Bus
	out    FrameWriter
	cfg    SenderConfig
	outbox *session.Outbox
	now    func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	sent       atomic.Uint64
	resent     atomic.Uint64
	completed  atomic.Uint64
	mismatched atomic.Uint64
	unexpected atomic.Uint64
	expired    atomic.Uint64
}

func NewSender(bus *protocol.Bus, out FrameWriter, cfg SenderConfig) *Sender {
	if cfg.GroupSize <= 0 {
		cfg.GroupSize = DefaultGroupSize
	}
	if cfg.Service == "" {
		cfg.Service = "multsender"
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Sender{
		bus:    bus,
		out:    out,
		cfg:    cfg,
		outbox: session.NewOutbox(rand.New(rand.NewSource(rng.Int63()))),
		now:    time.Now,
		rng:    rng,
	}
}

// Attach routes responses to the sender. Other builtin kinds are accepted
// and dropped so a shared subject does not produce dispatch errors.
func (s *Sender) Attach(d *dispatch.Dispatcher) error {
	if err := d.Handle(KindResponse, dispatch.Of(func(_ context.Context, env dispatch.Envelope, resp Response) error {
		return s.HandleResponse(env.ID, resp)
	})); err != nil {
		return err
	}
	for _, k := range []frame.Kind{KindPing, KindRequest, KindPong} {
		if err := d.HandleFunc(k, ignore); err != nil {
			return err
		}
	}
	return nil
}

func ignore(_ context.Context, env dispatch.Envelope) error {
	log.Trace().Str("kind", env.Kind.String()).Str("id", env.ID.String()).Msg("multiply.Sender ignored unexpected kind")
	return nil
}

// Send writes one request under a fresh id and tracks it until its response arrives.
func (s *Sender) Send(ctx context.Context, value, multiplier int64) (msgid.ID, error) {
	if err := ctx.Err(); err != nil {
		return msgid.Nil, err
	}
	expected, err := Multiply(value, multiplier)
	if err != nil {
		return msgid.Nil, err
	}
	b, id, err := s.bus.Encode(KindRequest, Request{Value: value, Multiplier: multiplier})
	if err != nil {
		return msgid.Nil, err
	}
	now := s.now()
	// tracked before the write so a fast response always finds it
	s.outbox.Upsert(session.PendingRequest{
		ID:            id,
		Kind:          KindRequest,
		Frame:         b,
		Attempts:      1,
		QueuedAt:      now,
		LastAttemptAt: now,
		State:         expectation{value: value, multiplier: multiplier, result: expected},
	})
	if err := s.out.WriteRaw(b); err != nil {
		s.outbox.Remove(id)
		return msgid.Nil, fmt.Errorf("multiply: send %s: %w", id, err)
	}
	s.sent.Add(1)
	observability.SetPending(s.cfg.Service, s.outbox.Len())
	return id, nil
}

// SendGroup sends GroupSize requests with operands in [0, 255].
func (s *Sender) SendGroup(ctx context.Context) (int, error) {
	sent := 0
	for sent < s.cfg.GroupSize {
		value, multiplier := s.operands()
		if _, err := s.Send(ctx, value, multiplier); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

func (s *Sender) operands() (int64, int64) {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return int64(s.rng.Intn(256)), int64(s.rng.Intn(256))
}

// HandleResponse resolves the request for id. Unknown ids and wrong
// results are errors; a wrong result still completes the request.
func (s *Sender) HandleResponse(id msgid.ID, resp Response) error {
	item, ok := s.outbox.Resolve(id)
	if !ok {
		s.unexpected.Add(1)
		return fmt.Errorf("%w: %s", ErrUnexpectedID, id)
	}
	observability.SetPending(s.cfg.Service, s.outbox.Len())
	want := item.State.(expectation)
	if resp.Result != want.result {
		s.mismatched.Add(1)
		return fmt.Errorf("%w: id %s %d * %d = %d, got %d",
			ErrResultMismatch, id, want.value, want.multiplier, want.result, resp.Result)
	}
	n := s.completed.Add(1)
	if n%uint64(s.cfg.GroupSize) == 0 {
		log.Info().Uint64("completed", n).Uint64("sent", s.sent.Load()).Msg("multiply.Sender received group")
	}
	return nil
}

// ResendDue rewrites every stale request with its original frame and id,
// and drops requests whose final attempt went unanswered for a full resend delay.
func (s *Sender) ResendDue(now time.Time) (int, error) {
	for _, item := range s.outbox.Expire(now, s.cfg.Session) {
		s.expired.Add(1)
		log.Warn().Str("id", item.ID.String()).Int("attempts", item.Attempts).Str("last_error", item.LastError).
			Msg("multiply.Sender request expired")
	}

	due := s.outbox.Due(now, s.cfg.Session)
	resent := 0
	var errs []error
	for _, item := range due {
		err := s.out.WriteRaw(item.Frame)
		lastErr := ""
		if err != nil {
			lastErr = err.Error()
			errs = append(errs, fmt.Errorf("resend %s: %w", item.ID, err))
		} else {
			resent++
		}
		s.outbox.MarkAttempt(item.ID, now, lastErr)
	}
	if resent > 0 {
		s.resent.Add(uint64(resent))
		observability.RecordResend(s.cfg.Service, resent)
		log.Debug().Int("resent", resent).Int("pending", s.outbox.Len()).Msg("multiply.Sender resend")
	}
	observability.SetPending(s.cfg.Service, s.outbox.Len())
	return resent, errors.Join(errs...)
}

// Run alternates resend checks and request groups until ctx ends or a send fails.
func (s *Sender) Run(ctx context.Context) error {
	var ticker *time.Ticker
	if s.cfg.GroupInterval > 0 {
		ticker = time.NewTicker(s.cfg.GroupInterval)
		defer ticker.Stop()
	}
	for {
		if _, err := s.ResendDue(s.now()); err != nil {
			log.Warn().Err(err).Msg("multiply.Sender resend failed")
		}
		if _, err := s.SendGroup(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		log.Debug().Uint64("sent", s.sent.Load()).Msg("multiply.Sender sent group")

		if ticker == nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Sender) Stats() Stats {
	return Stats{
		Sent:       s.sent.Load(),
		Resent:     s.resent.Load(),
		Completed:  s.completed.Load(),
		Mismatched: s.mismatched.Load(),
		Unexpected: s.unexpected.Load(),
		Expired:    s.expired.Load(),
		Pending:    s.outbox.Len(),
	}
}
