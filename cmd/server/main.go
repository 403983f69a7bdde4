package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/NicolasHaas/roomchat/pkg/datastore"
	"github.com/NicolasHaas/roomchat/pkg/logging"
	"github.com/NicolasHaas/roomchat/pkg/server"
	"github.com/NicolasHaas/roomchat/pkg/version"
)

// options is everything the command line decides.
type options struct {
	cfg          server.Config
	configFile   string
	logLevel     string
	logFormat    string
	showVersion  bool
	exportEvents bool
	eventUser    string
	eventLimit   int
}

// newFlagSet binds the command line flags to o. Flag defaults come from the
// values already in o.
func newFlagSet(o *options, output io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("roomchat-server", flag.ContinueOnError)
	fs.SetOutput(output)
	cfg := &o.cfg

	fs.StringVar(&o.configFile, "config", o.configFile, "YAML config file; flags given on the command line override it")
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "TCP bind address for chat clients")
	fs.StringVar(&cfg.AdminAddr, "admin", cfg.AdminAddr, "HTTP bind address for /metrics, /status and /events (empty to disable)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database file path")
	fs.IntVar(&cfg.MaxConnections, "max-connections", cfg.MaxConnections, "Maximum concurrent connections (0 for no limit)")
	fs.DurationVar(&cfg.PresenceInterval, "presence-interval", cfg.PresenceInterval, "Interval between online-list broadcasts")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "Socket write deadline per packet")
	fs.IntVar(&cfg.OutboxSize, "outbox", cfg.OutboxSize, "Queued outbound packets per connection")
	fs.BoolVar(&cfg.RecordEvents, "record-events", cfg.RecordEvents, "Persist connection events to the database")

	fs.StringVar(&o.logLevel, "log-level", o.logLevel, "Log level: "+logging.LevelNames())
	fs.StringVar(&o.logFormat, "log-format", o.logFormat, "Log format: text or json")
	fs.BoolVar(&o.showVersion, "version", false, "Print version and exit")
	fs.BoolVar(&o.exportEvents, "export-events", false, "Export recorded connection events as YAML and exit")
	fs.StringVar(&o.eventUser, "events-user", "", "Only export events for this user id")
	fs.IntVar(&o.eventLimit, "events-limit", 0, "Export at most this many events (0 for all)")
	return fs
}

// parseArgs parses args in two passes: the first finds -config, the second
// applies the flags on top of the file.
func parseArgs(args []string, output io.Writer) (options, error) {
	o := options{cfg: server.DefaultConfig(), logLevel: "info", logFormat: "text"}

	pre := o
	if err := newFlagSet(&pre, io.Discard).Parse(args); err != nil {
		// Report the error with usage through the real flag set below.
		_ = newFlagSet(&o, output).Parse(args)
		return o, err
	}
	if pre.configFile != "" {
		cfg, err := server.LoadConfigYAML(pre.configFile, o.cfg)
		if err != nil {
			return o, err
		}
		o.cfg = cfg
		o.configFile = pre.configFile
	}

	if err := newFlagSet(&o, output).Parse(args); err != nil {
		return o, err
	}
	return o, nil
}

func main() {
	o, err := parseArgs(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid arguments: %v\n", err)
		os.Exit(2)
	}

	if o.showVersion {
		fmt.Println("roomchat-server", version.Full())
		return
	}

	// Configure structured logging
	if err := logging.Setup(logging.Options{
		Level:  o.logLevel,
		Format: o.logFormat,
		Output: os.Stdout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	st, err := datastore.Open(o.cfg.DBPath)
	if err != nil {
		slog.Error("open database", "err", err)
		os.Exit(1)
	}

	// Handle export commands (run and exit)
	if o.exportEvents {
		data, err := server.ExportEventsYAML(st, datastore.EventFilters{UserID: o.eventUser, Limit: o.eventLimit})
		_ = st.Close()
		if err != nil {
			slog.Error("export events", "err", err)
			os.Exit(1)
		}
		fmt.Print(string(data))
		return
	}

	if n, err := st.CountCredentials(context.Background()); err == nil {
		slog.Info("database opened", "path", o.cfg.DBPath, "users", n, "events", o.cfg.RecordEvents)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(o.cfg, server.Dependencies{Store: st})
	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
