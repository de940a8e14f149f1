// Command scheduler runs the pinwheel scheduler loop against a master.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pinwheel-sh/pinwheel/internal/client"
	"github.com/pinwheel-sh/pinwheel/internal/config"
	"github.com/pinwheel-sh/pinwheel/internal/emailer"
	"github.com/pinwheel-sh/pinwheel/internal/parser"
	"github.com/pinwheel-sh/pinwheel/internal/scheduler"
	"github.com/pinwheel-sh/pinwheel/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	fs := flag.NewFlagSet("scheduler", flag.ExitOnError)
	cfg, err := config.Load(fs, os.Args[1:])
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if cfg.Parser == "" {
		return fmt.Errorf("scheduler: -parser is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	registry := parser.NewRegistry()
	registry.Register("yaml", &parser.YAMLParser{Dir: cfg.ParserParams["dir"]})
	p, err := registry.Get(cfg.Parser)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.MasterHost, cfg.MasterPort)
	remote := client.NewRemote(addr, client.WithDialTimeout(time.Duration(cfg.ClientTimeoutSec)*time.Second))
	defer remote.Close()

	mailer := &emailer.SMTP{
		Addr:   cfg.SMTPAddr,
		From:   cfg.SMTPFrom,
		UIHost: cfg.UIHost,
		UIPort: fmt.Sprintf("%d", cfg.UIPort),
	}

	s := scheduler.New(remote, p, mailer,
		scheduler.WithLogger(telemetry.NewClueLogger()),
	)
	return s.Run(ctx)
}
