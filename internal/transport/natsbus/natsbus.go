// Package natsbus carries frames over NATS subjects, one frame per message.
package natsbus

import (
	"context"
	"strings"
	"time"

	"github.com/danmuck/framebus/internal/protocol"
	"github.com/danmuck/framebus/internal/protocol/dispatch"
	"github.com/danmuck/framebus/internal/protocol/frame"
	"github.com/danmuck/framebus/internal/protocol/msgid"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Config describes one NATS attachment.
type Config struct {
	URL string `toml:"url"`
	// Subject carries inbound frames. Wildcards are allowed.
	Subject string `toml:"subject"`
	// ReplySubject receives frames emitted by handlers.
	ReplySubject string `toml:"reply_subject"`
	// Queue joins a queue group so one member receives each frame.
	Queue          string        `toml:"queue"`
	ConnectTimeout time.Duration `toml:"connect_timeout"`
}

// ErrInvalidConfig marks an enabled attachment missing a subject.
var ErrInvalidConfig = errors.New("natsbus: invalid config")

func (c Config) Enabled() bool {
	return strings.TrimSpace(c.URL) != ""
}

// Validate checks an enabled attachment. Handlers publish to ReplySubject,
// so both subjects are required.
func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if strings.TrimSpace(c.Subject) == "" {
		return errors.Wrap(ErrInvalidConfig, "subject required")
	}
	if strings.TrimSpace(c.ReplySubject) == "" {
		return errors.Wrap(ErrInvalidConfig, "reply_subject required")
	}
	return nil
}

// Broker is the part of *nats.Conn used here.
type Broker interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	QueueSubscribe(subj, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
}

var _ Broker = (*nats.Conn)(nil)

// Connect dials NATS with reconnect logging.
func Connect(cfg Config) (*nats.Conn, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	nc, err := nats.Connect(
		cfg.URL,
		nats.Name("framebus"),
		nats.Timeout(timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("natsbus disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("natsbus reconnected")
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connect %s", cfg.URL)
	}
	return nc, nil
}

// Publisher writes frames to one subject.
type Publisher struct {
	broker  Broker
	subject string
	bus     *protocol.Bus
}

var _ dispatch.Responder = (*Publisher)(nil)

func NewPublisher(broker Broker, subject string, bus *protocol.Bus) *Publisher {
	return &Publisher{broker: broker, subject: subject, bus: bus}
}

func (p *Publisher) Subject() string {
	return p.subject
}

// WriteRaw publishes one encoded frame.
func (p *Publisher) WriteRaw(b []byte) error {
	if err := p.broker.Publish(p.subject, b); err != nil {
		return errors.Wrapf(err, "publish %s", p.subject)
	}
	return nil
}

// Respond publishes payload under kind k, keeping the correlation id.
func (p *Publisher) Respond(k frame.Kind, id msgid.ID, payload any) error {
	b, err := p.bus.EncodeWithID(k, id, payload)
	if err != nil {
		return err
	}
	return p.WriteRaw(b)
}

// Send publishes payload with a fresh id.
func (p *Publisher) Send(k frame.Kind, payload any) (msgid.ID, error) {
	b, id, err := p.bus.Encode(k, payload)
	if err != nil {
		return msgid.Nil, err
	}
	if err := p.WriteRaw(b); err != nil {
		return msgid.Nil, err
	}
	return id, nil
}

// Subscription feeds one NATS subscription into one ordered stream.
type Subscription struct {
	sub    *nats.Subscription
	stream *protocol.Stream
}

// Subscribe attaches bus to subject. NATS invokes a subscription's handler
// sequentially, so frames keep their per-subscription order.
func Subscribe(ctx context.Context, broker Broker, cfg Config, bus *protocol.Bus, responder dispatch.Responder) (*Subscription, error) {
	if strings.TrimSpace(cfg.Subject) == "" {
		return nil, errors.Wrap(ErrInvalidConfig, "subject required")
	}
	s := &Subscription{
		stream: bus.NewStream(ctx, "nats:"+cfg.Subject, responder),
	}
	handler := func(m *nats.Msg) {
		if err := s.stream.Accept(m.Data); err != nil {
			log.Debug().Str("subject", m.Subject).Str("class", protocol.Classify(err).String()).
				Err(err).Msg("natsbus frame rejected")
		}
	}

	var err error
	if cfg.Queue != "" {
		s.sub, err = broker.QueueSubscribe(cfg.Subject, cfg.Queue, handler)
	} else {
		s.sub, err = broker.Subscribe(cfg.Subject, handler)
	}
	if err != nil {
		s.stream.Close()
		return nil, errors.Wrapf(err, "subscribe %s", cfg.Subject)
	}
	log.Info().Str("subject", cfg.Subject).Str("queue", cfg.Queue).Msg("natsbus subscribed")
	return s, nil
}

// Counts reports accepted and rejected frames.
func (s *Subscription) Counts() (accepted, rejected uint64) {
	return s.stream.Counts()
}

// Close unsubscribes and waits for queued frames to be handled.
func (s *Subscription) Close() error {
	var err error
	if s.sub != nil {
		err = s.sub.Unsubscribe()
	}
	s.stream.Close()
	return err
}
