// Package main is the entry point for talels, the tale language server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/talekit/internal/config"
	"github.com/dshills/talekit/internal/logging"
	"github.com/dshills/talekit/internal/lsp"
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

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: load configuration: %v\n", err)
		return 1
	}
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

	log := sink.Logger().WithName("talels")
	log.Info("starting", "version", version, "mode", cfg.Server.Mode)

	// Editing the config file while running adjusts log verbosity;
	// transport changes need a restart.
	if opts.configPath != "" {
		watcher, err := config.Watch(opts.configPath, func(next *config.Config) {
			if err := sink.SetLevel(next.Log.Level); err != nil {
				log.Error(err, "apply log level", "level", next.Log.Level)
			}
		}, config.WithWatchLogger(log.WithName("config")))
		if err != nil {
			log.Error(err, "watch config", "path", opts.configPath)
		} else {
			defer watcher.Close()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cfg.Server.Mode {
	case config.ModeStdio:
		return serveStdio(ctx, cfg, log)
	case config.ModeTCP:
		if err := serveTCP(ctx, cfg, log); err != nil {
			log.Error(err, "serve")
			return 1
		}
		return 0
	case config.ModeWS:
		if err := serveWS(ctx, cfg, log); err != nil {
			log.Error(err, "serve")
			return 1
		}
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown server mode %q\n", cfg.Server.Mode)
		return 1
	}
}

func newServer(tr transport.Transport, cfg *config.Config, log logr.Logger) *lsp.Server {
	connOpts := []rpc.Option{
		rpc.WithPoolConfig(cfg.Pool.Workers, cfg.Pool.Queue),
	}
	if d := cfg.Timeouts.Request.Std(); d > 0 {
		connOpts = append(connOpts, rpc.WithCallTimeout(d))
	}
	if d := cfg.Timeouts.Shutdown.Std(); d > 0 {
		connOpts = append(connOpts, rpc.WithShutdownTimeout(d))
	}

	return lsp.NewServer(tr,
		lsp.WithLogger(log),
		lsp.WithServerInfo("talels", version),
		lsp.WithDiagnosticsRate(cfg.Diagnostics.PublishPerSecond, cfg.Diagnostics.Burst),
		lsp.WithConnOptions(connOpts...),
	)
}

// serveStdio runs a single session over the process pipes. The editor
// owns the process lifetime; the exit request decides the exit code.
func serveStdio(ctx context.Context, cfg *config.Config, log logr.Logger) int {
	srv := newServer(transport.NewStdio(), cfg, log)
	if err := srv.Start(ctx); err != nil {
		log.Error(err, "start server")
		return 1
	}

	select {
	case <-ctx.Done():
		srv.Close()
		<-srv.Done()
	case <-srv.Done():
	}
	return srv.ExitCode()
}

// serveTCP accepts editors for as long as the process runs, one server
// per connection.
func serveTCP(ctx context.Context, cfg *config.Config, log logr.Logger) error {
	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	log.Info("listening", "addr", ln.Addr().String())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			g.Go(func() error {
				serveConn(ctx, transport.FromConn(conn), cfg, log.WithValues("remote", conn.RemoteAddr().String()))
				return nil
			})
		}
	})
	return g.Wait()
}

// serveWS upgrades websocket editors and serves each like a socket.
func serveWS(ctx context.Context, cfg *config.Config, log logr.Logger) error {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Local tooling, not a browser-facing service.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error(err, "upgrade", "remote", r.RemoteAddr)
			return
		}
		serveConn(ctx, transport.NewWebSocket(ws), cfg, log.WithValues("remote", r.RemoteAddr))
	})

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	httpSrv := &http.Server{Addr: addr, Handler: mux}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		grace := cfg.Timeouts.Shutdown.Std()
		if grace <= 0 {
			grace = 5 * time.Second
		}
		shutdownCtx, release := context.WithTimeout(context.Background(), grace)
		defer release()
		return httpSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		log.Info("listening", "addr", addr, "mode", "ws")
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return g.Wait()
}

func serveConn(ctx context.Context, tr transport.Transport, cfg *config.Config, log logr.Logger) {
	srv := newServer(tr, cfg, log)
	if err := srv.Start(ctx); err != nil {
		log.Error(err, "start session")
		return
	}

	select {
	case <-ctx.Done():
		srv.Close()
		<-srv.Done()
	case <-srv.Done():
	}
	log.Info("session ended", "exit", srv.ExitCode())
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
	flag.StringVar(&opts.mode, "mode", "", "Transport mode: stdio, tcp, or ws")
	flag.StringVar(&opts.mode, "m", "", "Transport mode (shorthand)")
	flag.StringVar(&opts.host, "host", "", "Bind host for tcp and ws modes")
	flag.IntVar(&opts.port, "port", 0, "Bind port for tcp and ws modes")
	flag.IntVar(&opts.port, "p", 0, "Bind port (shorthand)")
	flag.StringVar(&opts.logLevel, "log-level", "", "Log level (error, warn, info, debug, trace)")
	flag.StringVar(&opts.logFile, "log-file", "", "Write JSON logs to this file")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")
	flag.BoolVar(&showHelp, "help", false, "Show help message")
	flag.BoolVar(&showHelp, "h", false, "Show help message (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "talels - language server for tale suites\n\n")
		fmt.Fprintf(os.Stderr, "Usage: talels [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  talels                      Serve an editor over stdio\n")
		fmt.Fprintf(os.Stderr, "  talels -m tcp -p 6610       Accept editors on TCP port 6610\n")
		fmt.Fprintf(os.Stderr, "  talels -m ws -p 6610        Accept websocket editors\n")
		fmt.Fprintf(os.Stderr, "  talels -c talekit.toml      Load settings from a file\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("talels %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	return opts
}
