// Package main is the entry point for taledap, the tale debug adapter.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-logr/logr"

	"github.com/dshills/talekit/internal/config"
	"github.com/dshills/talekit/internal/dap"
	"github.com/dshills/talekit/internal/logging"
	"github.com/dshills/talekit/internal/rpc"
	"github.com/dshills/talekit/internal/transport"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	os.Exit(run())
}

type options struct {
	configPath string
	mode       string
	host       string
	port       int
	logLevel   string
	logFile    string
}

func run() int {
	opts := parseFlags()

	// Same merge order as config.Load, but on the debug adapter's
	// default port.
	cfg := config.Default()
	cfg.Server.Port = config.DefaultDAPPort
	if opts.configPath != "" {
		if err := cfg.LoadFile(opts.configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: load configuration: %v\n", err)
			return 1
		}
	}
	cfg.ApplyEnv()
	applyFlags(cfg, opts)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	sink, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: configure logging: %v\n", err)
		return 1
	}
	defer sink.Flush()

	log := sink.Logger().WithName("taledap")
	log.Info("starting", "version", version, "mode", cfg.Server.Mode, "runner", cfg.Debug.Runner)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cfg.Server.Mode {
	case config.ModeStdio:
		return serveAdapter(ctx, transport.NewStdio(), cfg, log)
	case config.ModeTCP:
		tr, err := acceptOne(ctx, cfg, log)
		if err != nil {
			log.Error(err, "serve")
			return 1
		}
		if tr == nil {
			return 0
		}
		return serveAdapter(ctx, tr, cfg, log)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown server mode %q (taledap serves stdio or tcp)\n", cfg.Server.Mode)
		return 1
	}
}

// acceptOne waits for a single editor connection. Debug adapters serve
// one session per process; the editor starts a fresh one per debug run.
func acceptOne(ctx context.Context, cfg *config.Config, log logr.Logger) (transport.Transport, error) {
	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	defer ln.Close()
	log.Info("listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("accept: %w", err)
	}
	log.Info("editor connected", "remote", conn.RemoteAddr().String())
	return transport.FromConn(conn), nil
}

func serveAdapter(ctx context.Context, tr transport.Transport, cfg *config.Config, log logr.Logger) int {
	connOpts := []rpc.Option{
		rpc.WithPoolConfig(cfg.Pool.Workers, cfg.Pool.Queue),
	}
	if d := cfg.Timeouts.Request.Std(); d > 0 {
		connOpts = append(connOpts, rpc.WithCallTimeout(d))
	}
	if d := cfg.Timeouts.Shutdown.Std(); d > 0 {
		connOpts = append(connOpts, rpc.WithShutdownTimeout(d))
	}

	adapter := dap.NewAdapter(tr,
		dap.NewRunnerSession(cfg, log.WithName("session")),
		dap.WithAdapterLogger(log),
		dap.WithAdapterConnOptions(connOpts...),
	)
	if err := adapter.Start(ctx); err != nil {
		log.Error(err, "start adapter")
		return 1
	}

	select {
	case <-ctx.Done():
		adapter.Close()
		<-adapter.Done()
	case <-adapter.Done():
	}
	log.Info("session ended")
	return 0
}

func applyFlags(cfg *config.Config, opts options) {
	if opts.mode != "" {
		cfg.Server.Mode = opts.mode
	}
	if opts.host != "" {
		cfg.Server.Host = opts.host
	}
	if opts.port != 0 {
		cfg.Server.Port = opts.port
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.logFile != "" {
		cfg.Log.File = opts.logFile
	}
}

func parseFlags() options {
	var opts options
	var showVersion bool
	var showHelp bool

	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file (.toml, .yaml)")
	flag.StringVar(&opts.configPath, "c", "", "Path to configuration file (shorthand)")
	flag.StringVar(&opts.mode, "mode", "", "Transport mode: stdio or tcp")
	flag.StringVar(&opts.mode, "m", "", "Transport mode (shorthand)")
	flag.StringVar(&opts.host, "host", "", "Bind host for tcp mode")
	flag.IntVar(&opts.port, "port", 0, "Bind port for tcp mode")
	flag.IntVar(&opts.port, "p", 0, "Bind port (shorthand)")
	flag.StringVar(&opts.logLevel, "log-level", "", "Log level (error, warn, info, debug, trace)")
	flag.StringVar(&opts.logFile, "log-file", "", "Write JSON logs to this file")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")
	flag.BoolVar(&showHelp, "help", false, "Show help message")
	flag.BoolVar(&showHelp, "h", false, "Show help message (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "taledap - debug adapter for tale suites\n\n")
		fmt.Fprintf(os.Stderr, "Usage: taledap [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  taledap                     Serve an editor over stdio\n")
		fmt.Fprintf(os.Stderr, "  taledap -m tcp -p 6611      Wait for one editor on TCP port 6611\n")
		fmt.Fprintf(os.Stderr, "  taledap -c talekit.toml     Load settings from a file\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("taledap %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	return opts
}
