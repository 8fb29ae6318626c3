package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/framebus/internal/daemon"
	"github.com/danmuck/framebus/internal/logging"
	"github.com/jessevdk/go-flags"
	"github.com/rs/zerolog/log"
)

type options struct {
	Config    string `short:"c" long:"config" description:"Path to framebusd config.toml"`
	Catalogue string `long:"catalogue" description:"Kinds catalogue, overrides the config file"`
	Listen    string `long:"listen" description:"Frame listener address, overrides the config file"`
	Admin     string `long:"admin" description:"Admin HTTP address, overrides the config file; \"off\" disables it"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.Parse(); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			return
		}
		fmt.Fprintf(os.Stderr, "framebusd: %v\n", err)
		os.Exit(2)
	}

	logging.ConfigureRuntime("framebusd")
	if err := run(opts); err != nil {
		log.Error().Err(err).Msg("framebusd exited")
		os.Exit(1)
	}
}

func run(opts options) error {
	cfg, err := resolveConfig(opts)
	if err != nil {
		return err
	}
	svc, err := daemon.NewService(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return svc.Run(ctx)
}

// resolveConfig applies flag overrides on top of the config file, or on
// top of the defaults when no file is given.
func resolveConfig(opts options) (daemon.Config, error) {
	cfg := daemon.DefaultConfig()
	if path := strings.TrimSpace(opts.Config); path != "" {
		loaded, err := daemon.LoadConfig(path)
		if err != nil {
			return daemon.Config{}, err
		}
		cfg = loaded
	}
	if v := strings.TrimSpace(opts.Catalogue); v != "" {
		cfg.CataloguePath = v
	}
	if v := strings.TrimSpace(opts.Listen); v != "" {
		cfg.ListenAddr = v
	}
	switch v := strings.TrimSpace(opts.Admin); v {
	case "":
	case "off":
		cfg.AdminAddr = ""
	default:
		cfg.AdminAddr = v
	}
	return cfg, nil
}
