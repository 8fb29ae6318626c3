package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/danmuck/framebus/internal/config"
	"github.com/danmuck/framebus/internal/daemon"
	"github.com/danmuck/framebus/internal/multiply"
	"github.com/danmuck/framebus/internal/protocol/kind"
	"github.com/jessevdk/go-flags"
)

type options struct {
	Kind     string `short:"k" long:"kind" default:"daemon" choice:"daemon" choice:"catalogue" description:"Config kind"`
	Output   string `short:"o" long:"output" description:"Output path for the template (defaults to per-kind cmd path)"`
	Validate bool   `long:"validate" description:"Validate an existing config file instead of writing one"`
	Input    string `short:"i" long:"input" description:"Config path for validation (defaults to per-kind cmd path)"`
	Force    bool   `short:"f" long:"force" description:"Overwrite an existing config file"`
}

func defaultPath(kind string) string {
	if kind == "catalogue" {
		return "cmd/framebusd/catalogue.toml"
	}
	return "cmd/framebusd/config.toml"
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
	msg, err := run(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configgen: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(msg)
}

func run(opts options) (string, error) {
	if opts.Validate {
		path := opts.Input
		if path == "" {
			path = defaultPath(opts.Kind)
		}
		if err := validate(opts.Kind, path); err != nil {
			return "", err
		}
		return fmt.Sprintf("validated %s config at %s", opts.Kind, path), nil
	}

	target := opts.Output
	if target == "" {
		target = defaultPath(opts.Kind)
	}
	if err := config.WriteTemplate(target, opts.Kind, opts.Force); err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %s config template to %s", opts.Kind, target), nil
}

// validate loads path the way framebusd would, compiling every schema.
func validate(kindName, path string) error {
	switch kindName {
	case "daemon":
		_, err := daemon.LoadConfig(path)
		return err
	case "catalogue":
		cat, err := config.LoadCatalogue(path)
		if err != nil {
			return err
		}
		reg := kind.NewRegistry()
		if err := multiply.Register(reg); err != nil {
			return err
		}
		return cat.Register(reg)
	default:
		return fmt.Errorf("unknown config kind: %s", kindName)
	}
}
