package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/framebus/internal/logging"
	"github.com/danmuck/framebus/internal/multiply"
	"github.com/danmuck/framebus/internal/protocol"
	"github.com/danmuck/framebus/internal/protocol/kind"
	"github.com/danmuck/framebus/internal/protocol/session"
	"github.com/danmuck/framebus/internal/transport"
	"github.com/jessevdk/go-flags"
	"github.com/rs/zerolog/log"
)

type options struct {
	Addr          string        `short:"a" long:"addr" default:"127.0.0.1:7400" description:"framebusd frame listener"`
	GroupSize     int           `short:"n" long:"group-size" default:"100" description:"Requests per group"`
	GroupInterval time.Duration `long:"group-interval" default:"100ms" description:"Pause between groups"`
	ResendAfter   time.Duration `long:"resend-after" default:"5s" description:"Resend requests unanswered for this long"`
	MaxAttempts   int           `long:"max-attempts" default:"0" description:"Give up after this many sends; 0 retries forever"`
	Backoff       bool          `long:"backoff" description:"Grow the resend interval exponentially from --resend-after"`
	Duration      time.Duration `short:"d" long:"duration" default:"0s" description:"Stop after this long; 0 runs until interrupted"`

	TLS        bool   `long:"tls" description:"Dial with TLS"`
	CertFile   string `long:"tls-cert" description:"Client certificate for mutual TLS"`
	KeyFile    string `long:"tls-key" description:"Client key for mutual TLS"`
	CAFile     string `long:"tls-ca" description:"CA bundle used to verify the daemon"`
	ServerName string `long:"tls-server-name" description:"Expected daemon certificate name"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			return
		}
		os.Exit(2)
	}

	logging.ConfigureRuntime("multsender")
	if err := run(opts); err != nil {
		log.Error().Err(err).Msg("multsender exited")
		os.Exit(1)
	}
}

func transportConfig(opts options) transport.Config {
	cfg := transport.DefaultConfig()
	if opts.TLS {
		cfg.Security.TLS = transport.TLSConfig{
			Enabled:    true,
			Mutual:     opts.CertFile != "",
			CertFile:   opts.CertFile,
			KeyFile:    opts.KeyFile,
			CAFile:     opts.CAFile,
			ServerName: opts.ServerName,
		}
	}
	return cfg
}

func senderConfig(opts options) multiply.SenderConfig {
	cfg := multiply.DefaultSenderConfig()
	cfg.GroupSize = opts.GroupSize
	cfg.GroupInterval = opts.GroupInterval
	cfg.Session = session.Config{
		ResendAfter: opts.ResendAfter,
		MaxAttempts: opts.MaxAttempts,
	}
	if opts.Backoff {
		cfg.Session.Backoff = session.BackoffDefaults()
		cfg.Session.Backoff.InitialDelay = opts.ResendAfter
	}
	return cfg
}

func run(opts options) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	reg := kind.NewRegistry()
	if err := multiply.Register(reg); err != nil {
		return err
	}
	bus := protocol.NewBus(nil, reg, protocol.DefaultConfig())

	client, err := transport.Dial(ctx, opts.Addr, bus, transportConfig(opts))
	if err != nil {
		return err
	}
	sender := multiply.NewSender(bus, client, senderConfig(opts))
	if err := sender.Attach(bus.Dispatcher()); err != nil {
		_ = client.Close()
		return err
	}
	log.Info().Str("addr", opts.Addr).Int("group_size", opts.GroupSize).Msg("multsender connected")

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go func() {
		select {
		case <-client.Done():
			cancelRun()
		case <-runCtx.Done():
		}
	}()

	runErr := sender.Run(runCtx)
	_ = client.Close()
	st := sender.Stats()
	log.Info().Uint64("sent", st.Sent).Uint64("resent", st.Resent).Uint64("completed", st.Completed).
		Uint64("mismatched", st.Mismatched).Uint64("unexpected", st.Unexpected).Uint64("expired", st.Expired).
		Int("pending", st.Pending).Msg("multsender totals")

	if runErr != nil {
		return runErr
	}
	if ctx.Err() == nil {
		if err := client.Err(); err != nil {
			return fmt.Errorf("connection lost: %w", err)
		}
		return errors.New("connection closed by daemon")
	}
	return nil
}
