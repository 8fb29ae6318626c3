package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/framebus/internal/protocol"
	"github.com/danmuck/framebus/internal/protocol/dispatch"
	"github.com/danmuck/framebus/internal/protocol/frame"
	"github.com/danmuck/framebus/internal/protocol/msgid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Config applies to both accepted and dialed connections.
type Config struct {
	Limits   Limits
	Security Security
	// ReadTimeout closes a connection idle for this long. 0 disables it.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// CloseOnTransportError closes the connection when an accepted frame is
	// structurally invalid. Read errors always close it.
	CloseOnTransportError bool
}

func DefaultConfig() Config {
	return Config{
		Limits:       DefaultLimits(),
		WriteTimeout: 15 * time.Second,
	}
}

// Conn is one framed connection. Writes are serialized so replies from
// handlers and sends from other goroutines never interleave.
type Conn struct {
	conn net.Conn
	bus  *protocol.Bus
	cfg  Config
	name string

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

var _ dispatch.Responder = (*Conn)(nil)

func newConn(c net.Conn, bus *protocol.Bus, cfg Config) *Conn {
	return &Conn{
		conn: c,
		bus:  bus,
		cfg:  cfg,
		name: c.RemoteAddr().String(),
	}
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// WriteRaw writes one already encoded frame.
func (c *Conn) WriteRaw(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.cfg.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	return WriteFrame(c.conn, b, c.cfg.Limits)
}

// Respond encodes payload under kind k and the given id and writes it.
func (c *Conn) Respond(k frame.Kind, id msgid.ID, payload any) error {
	b, err := c.bus.EncodeWithID(k, id, payload)
	if err != nil {
		return err
	}
	return c.WriteRaw(b)
}

// Send encodes payload with a fresh id and writes it.
func (c *Conn) Send(k frame.Kind, payload any) (msgid.ID, error) {
	b, id, err := c.bus.Encode(k, payload)
	if err != nil {
		return msgid.Nil, err
	}
	if err := c.WriteRaw(b); err != nil {
		return msgid.Nil, err
	}
	return id, nil
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// readLoop feeds frames into one ordered stream until the connection ends.
// Queued messages are handled before it returns.
func (c *Conn) readLoop(ctx context.Context) error {
	stream := c.bus.NewStream(ctx, c.name, c)
	defer stream.Close()

	reader := bufio.NewReader(c.conn)
	for {
		if c.cfg.ReadTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		}
		raw, err := ReadFrame(reader, c.cfg.Limits)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Warn().Str("remote", c.name).Err(err).Msg("transport.Conn read failed")
			return err
		}
		if err := stream.Accept(raw); err != nil {
			log.Debug().Str("remote", c.name).Str("class", protocol.Classify(err).String()).
				Err(err).Msg("transport.Conn frame rejected")
			if c.cfg.CloseOnTransportError && protocol.Fatal(err) {
				return err
			}
		}
	}
}
