package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/twidi/twicc/internal/config"
	"github.com/twidi/twicc/internal/core"
	"github.com/twidi/twicc/internal/db"
	"github.com/twidi/twicc/internal/hub"
	"github.com/twidi/twicc/internal/indexer"
	"github.com/twidi/twicc/internal/proc"
	"github.com/twidi/twicc/internal/watcher"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = ""
)

const (
	watcherDebounce    = 500 * time.Millisecond
	scanReportInterval = 250 * time.Millisecond
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve":
			runServe(os.Args[2:])
			return
		case "version", "--version", "-v":
			fmt.Printf("twicc %s (commit %s, built %s)\n",
				version, commit, buildDate)
			return
		case "help", "--help", "-h":
			printUsage()
			return
		}
	}

	runServe(os.Args[1:])
}

func printUsage() {
	fmt.Printf(`twicc %s - local control plane for AI coding-assistant sessions

Indexes session transcripts into SQLite, supervises agent
subprocesses, and serves both over a websocket channel.

Usage:
  twicc [flags]          Start the server (default command)
  twicc serve [flags]    Start the server (explicit)
  twicc version          Show version information
  twicc help             Show this help

Server flags:
  -host string           Host to bind to (default "127.0.0.1")
  -port int              Port to listen on (default 8787)
  -projects-root string  Transcript root directory
  -agent-command string  Agent subprocess command line

Environment variables:
  TWICC_PROJECTS_ROOT    Transcript root directory
  TWICC_DATA_DIR         Data directory (database, config)
  TWICC_AGENT_COMMAND    Agent subprocess command line

Data is stored in ~/.twicc/ by default.
`, version)
}

func runServe(args []string) {
	cfg := mustLoadConfig(args)
	database := mustOpenDB(cfg)
	defer database.Close()

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	rt := core.NewRuntime()
	h := hub.New(rt, database)
	ix := indexer.New(database, cfg.ProjectsRoot, h)

	argv, err := cfg.AgentArgv()
	if err != nil {
		log.Fatalf("agent command: %v", err)
	}
	recent := func(sessionID string, limit int) ([]string, error) {
		return database.GetRecentItemsRaw(
			context.Background(), sessionID, limit,
		)
	}
	sv := proc.NewSupervisor(
		cfg.Supervisor, rt, argv, cfg.PlansDir, recent, ix,
	)
	sv.SetNotifier(h)
	h.SetCommander(sv)

	runInitialScan(ctx, ix, rt, h)

	stopWatcher := startFileWatcher(ctx, cfg, ix)
	defer stopWatcher()

	sv.Run(ctx)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := &http.Server{Addr: addr, Handler: h.BuildMux()}
	go func() {
		log.Printf("twicc %s listening at ws://%s/ws", version, addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down...")

	// Watcher first so no new index work arrives, then the
	// supervisor (sweep + wrappers, bounded), then the clients.
	stopWatcher()
	sv.Shutdown(cfg.Supervisor.ShutdownGrace)
	h.Close()

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(), 2*time.Second,
	)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func mustLoadConfig(args []string) config.Config {
	fs := flag.NewFlagSet("twicc", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(),
			"Usage: twicc [serve] [flags]\n\nFlags:\n")
		fs.PrintDefaults()
	}
	config.RegisterServeFlags(fs)
	if err := fs.Parse(args); err != nil {
		log.Fatalf("parsing flags: %v", err)
	}

	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("creating data dir: %v", err)
	}
	return cfg
}

func mustOpenDB(cfg config.Config) *db.DB {
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("opening database: %v", err)
	}
	return database
}

// runInitialScan walks every transcript once, pushing progress to
// connected clients while the scan runs.
func runInitialScan(
	ctx context.Context, ix *indexer.Indexer,
	rt *core.Runtime, h *hub.Hub,
) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(scanReportInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				h.BroadcastStartupProgress()
				return
			case <-ticker.C:
				h.BroadcastStartupProgress()
			}
		}
	}()

	if err := ix.SyncAll(ctx, rt.Progress); err != nil {
		log.Printf("initial scan: %v", err)
	}
	close(done)
}

func startFileWatcher(
	ctx context.Context, cfg config.Config, ix *indexer.Indexer,
) func() {
	onChange := func(changes []watcher.Change) {
		for _, c := range changes {
			ix.HandleChange(ctx, c.Path, c.Removed)
		}
	}
	w, err := watcher.New(watcherDebounce, onChange)
	if err != nil {
		log.Printf("warning: file watcher unavailable: %v", err)
		return func() {}
	}

	if _, err := os.Stat(cfg.ProjectsRoot); err == nil {
		if _, _, err := w.WatchRecursive(cfg.ProjectsRoot); err != nil {
			log.Printf("warning: watching %s: %v", cfg.ProjectsRoot, err)
		}
	}
	w.Start()
	return w.Stop
}
