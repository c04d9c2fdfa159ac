// Command trader runs a scripted trader fleet as its own process against
// a market's SQLite database. The file backend assumes a single writing
// process, so an out-of-process fleet requires backend: sqlite; traders
// meant to share a file-backed market run inside marketd instead.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/talgya/cndq/internal/config"
	"github.com/talgya/cndq/internal/ledger"
	"github.com/talgya/cndq/internal/marketplace"
	"github.com/talgya/cndq/internal/negotiation"
	"github.com/talgya/cndq/internal/persistence"
	"github.com/talgya/cndq/internal/session"
	"github.com/talgya/cndq/internal/trader"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config file")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Backend != config.BackendSQLite {
		slog.Error("out-of-process traders need the sqlite backend", "backend", cfg.Backend)
		os.Exit(1)
	}
	if len(cfg.Traders) == 0 {
		slog.Error("no traders configured")
		os.Exit(1)
	}

	db, err := persistence.Open(filepath.Join(cfg.DataDir, "cndq.db"))
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	events := ledger.NewSQLStore(db.Conn())
	feed := marketplace.NewSQLFeed(db.Conn())
	mat := ledger.NewMaterializer(events)
	records := negotiation.NewSQLStore(db.Conn())
	deals := negotiation.NewManager(records, events, mat, feed)
	states, err := session.NewSQLStore(db.Conn(), cfg.TradingWindow())
	if err != nil {
		slog.Error("failed to open session state", "error", err)
		os.Exit(1)
	}
	sessions := session.NewController(states, events, mat)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	var wg sync.WaitGroup
	for _, spec := range cfg.Traders {
		policy, err := trader.PolicyFor(spec.Policy, spec.Seed, spec.Variability)
		if err != nil {
			slog.Error("bad trader config", "agent", spec.AgentID, "error", err)
			os.Exit(1)
		}
		r := trader.NewRunner(spec.AgentID, policy, spec.Seed, events, mat, deals, feed, sessions)
		wg.Add(1)
		go func(spec config.TraderSpec) {
			defer wg.Done()
			r.Run(ctx, spec.Heartbeat())
		}(spec)
		slog.Info("trader started",
			"agent", spec.AgentID,
			"policy", policy.Name(),
			"heartbeat", spec.Heartbeat(),
		)
	}

	wg.Wait()
	slog.Info("fleet stopped")
}
