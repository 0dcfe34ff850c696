// Command ingest-archive processes archives from the command line, outside
// the HTTP service.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"listen_report/internal/app"
	"listen_report/internal/config"
	"listen_report/internal/ingest"
	"listen_report/internal/logging"
	"listen_report/internal/notify"
)

type options struct {
	send    bool
	env     string
	force   bool
	pending bool
	paths   []string
}

func parseArgs(args []string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("ingest-archive", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var o options
	fs.BoolVar(&o.send, "send", false, "deliver each archive report to the webhook")
	fs.StringVar(&o.env, "env", notify.EnvTest, "delivery environment: test or prod")
	fs.BoolVar(&o.force, "force", false, "reprocess archives already marked processed")
	fs.BoolVar(&o.pending, "pending", false, "process every unprocessed inbox archive")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	o.paths = fs.Args()
	if o.env != notify.EnvTest && o.env != notify.EnvProd {
		return o, fmt.Errorf("unknown -env %q", o.env)
	}
	if !o.pending && len(o.paths) == 0 {
		return o, fmt.Errorf("no archives given; pass paths or -pending")
	}
	return o, nil
}

func run(ctx context.Context, orch *ingest.Orchestrator, o options, out io.Writer) int {
	var results []ingest.Result
	if o.pending {
		results = orch.ProcessPending(ctx)
	}
	for _, p := range o.paths {
		results = append(results, orch.ProcessArchive(ctx, p, ingest.ProcessOptions{
			Force:       o.force,
			Deliver:     o.send,
			Environment: o.env,
			Trigger:     ingest.TriggerManual,
		}))
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	code := 0
	for _, r := range results {
		_ = enc.Encode(r)
		if r.State == ingest.StateFailed || (r.Delivery != nil && !r.Delivery.Delivered) {
			code = 1
		}
	}
	return code
}

func main() {
	_ = godotenv.Load()
	o, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
	cfg, err := config.Load(boot)
	if err != nil {
		boot.Fatal().Err(err).Msg("load config")
	}
	logger, closer := logging.New(logging.Config{Level: cfg.Log.Level, Format: "console", Output: os.Stderr})
	defer closer.Close()

	application, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init")
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	code := run(ctx, application.Orchestrator(), o, os.Stdout)
	stop()
	application.Close()
	os.Exit(code)
}
