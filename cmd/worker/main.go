// Command worker runs cfg.Workers pinwheel worker loops against a master,
// each loop claiming and executing at most one job at a time.
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
	"github.com/pinwheel-sh/pinwheel/internal/executor"
	"github.com/pinwheel-sh/pinwheel/internal/telemetry"
	"github.com/pinwheel-sh/pinwheel/internal/worker"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	cfg, err := config.Load(fs, os.Args[1:])
	if err != nil {
		return fmt.Errorf("worker: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	addr := fmt.Sprintf("%s:%d", cfg.MasterHost, cfg.MasterPort)
	mailer := &emailer.SMTP{
		Addr:   cfg.SMTPAddr,
		From:   cfg.SMTPFrom,
		UIHost: cfg.UIHost,
		UIPort: fmt.Sprintf("%d", cfg.UIPort),
	}
	ex := executor.New(cfg.LocalLogsDir)
	logger := telemetry.NewClueLogger()

	n := cfg.Workers
	if n < 1 {
		n = 1
	}

	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		remote := client.NewRemote(addr, client.WithDialTimeout(time.Duration(cfg.ClientTimeoutSec)*time.Second))
		defer remote.Close()

		w := worker.New(remote, ex, mailer, cfg.Generation,
			worker.WithLogger(logger),
			worker.WithPollInterval(time.Duration(cfg.WorkerPollTimeSec)*time.Second),
		)
		go func() { errCh <- w.Run(ctx) }()
	}

	for i := 0; i < n; i++ {
		if err := <-errCh; err != nil {
			logger.Error(ctx, "worker: goroutine exited with error", "error", err)
		}
	}
	return nil
}
