package transport

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/danmuck/framebus/internal/protocol"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Client is a dialed connection whose inbound frames (responses) run
// through the bus dispatcher on their own ordered stream.
type Client struct {
	*Conn
	done chan struct{}
	err  error
}

// Dial connects to addr. The read loop stops when ctx ends or the peer closes.
func Dial(ctx context.Context, addr string, bus *protocol.Bus, cfg Config) (*Client, error) {
	tlsCfg, err := cfg.Security.ClientTLS(addr)
	if err != nil {
		return nil, err
	}
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	var nc net.Conn
	if tlsCfg == nil {
		nc, err = dialer.DialContext(ctx, "tcp", addr)
	} else {
		td := &tls.Dialer{NetDialer: dialer, Config: tlsCfg}
		nc, err = td.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return newClient(ctx, nc, bus, cfg), nil
}

func newClient(ctx context.Context, nc net.Conn, bus *protocol.Bus, cfg Config) *Client {
	c := &Client{
		Conn: newConn(nc, bus, cfg),
		done: make(chan struct{}),
	}
	go func() {
		defer close(c.done)
		stop := context.AfterFunc(ctx, func() { _ = c.Conn.Close() })
		defer stop()
		c.err = c.readLoop(ctx)
		_ = c.Conn.Close()
	}()
	log.Debug().Str("remote", c.name).Msg("transport.Dial connected")
	return c
}

// Done is closed once the read loop exits and queued responses are handled.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err is the read loop error, valid after Done is closed.
func (c *Client) Err() error {
	<-c.done
	return c.err
}

// Close closes the connection and waits for queued responses to be handled.
func (c *Client) Close() error {
	err := c.Conn.Close()
	<-c.done
	return err
}
