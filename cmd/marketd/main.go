// Command marketd runs the CNDQ chemical market: the event ledgers, the
// session clock, the reflection sweep, the HTTP API and the in-process
// scripted trader fleet.
package main

import (
	"context"
	"flag"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/talgya/cndq/internal/api"
	"github.com/talgya/cndq/internal/config"
	"github.com/talgya/cndq/internal/ledger"
	"github.com/talgya/cndq/internal/marketplace"
	"github.com/talgya/cndq/internal/negotiation"
	"github.com/talgya/cndq/internal/persistence"
	"github.com/talgya/cndq/internal/reflect"
	"github.com/talgya/cndq/internal/session"
	"github.com/talgya/cndq/internal/trader"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config file (empty = defaults)")
		seed       = flag.Int64("seed", time.Now().UnixNano(), "seed for new agents' inventories")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.AdminToken == "" {
		slog.Warn("no admin token set, session control endpoints will be disabled")
	}

	// ── Stores ────────────────────────────────────────────────────────
	os.MkdirAll(cfg.DataDir, 0755)

	var (
		events  ledger.Store
		feed    marketplace.Feed
		records negotiation.Store
		states  session.Store
		closers []func() error
	)
	switch cfg.Backend {
	case config.BackendSQLite:
		db, err := persistence.Open(filepath.Join(cfg.DataDir, "cndq.db"))
		if err != nil {
			slog.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		closers = append(closers, db.Close)
		events = ledger.NewSQLStore(db.Conn())
		feed = marketplace.NewSQLFeed(db.Conn())
		records = negotiation.NewSQLStore(db.Conn())
		states, err = session.NewSQLStore(db.Conn(), cfg.TradingWindow())
		if err != nil {
			slog.Error("failed to seed session state", "error", err)
			os.Exit(1)
		}

	default:
		fs, err := ledger.OpenFileStore(cfg.DataDir)
		if err != nil {
			slog.Error("failed to open ledger root", "error", err)
			os.Exit(1)
		}
		closers = append(closers, fs.Close)
		events = fs
		feed, err = marketplace.OpenFileFeed(cfg.DataDir)
		if err != nil {
			slog.Error("failed to open feed", "error", err)
			os.Exit(1)
		}
		records, err = negotiation.OpenFileStore(cfg.DataDir)
		if err != nil {
			slog.Error("failed to open negotiation store", "error", err)
			os.Exit(1)
		}
		states, err = session.OpenFileStore(cfg.DataDir, cfg.TradingWindow())
		if err != nil {
			slog.Error("failed to open session store", "error", err)
			os.Exit(1)
		}
	}
	slog.Info("stores opened", "backend", cfg.Backend, "data_dir", cfg.DataDir)

	// ── Wiring ────────────────────────────────────────────────────────
	mat := ledger.NewMaterializer(events)
	deals := negotiation.NewManager(records, events, mat, feed)
	mirror := reflect.NewReflector(events, feed)
	sessions := session.NewController(states, events, mat)

	rng := rand.New(rand.NewSource(*seed))
	server := api.NewServer(events, mat, feed, deals, mirror, sessions,
		cfg.ListenAddr, cfg.AdminToken, rng)
	server.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Reflection sweep ─────────────────────────────────────────────
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := sessions.Tick(); err != nil {
					slog.Warn("session tick failed", "error", err)
				}
				if _, err := mirror.Sweep(); err != nil {
					slog.Warn("sweep failed", "error", err)
				}
			}
		}
	}()

	// ── Trader fleet ──────────────────────────────────────────────────
	for _, spec := range cfg.Traders {
		policy, err := trader.PolicyFor(spec.Policy, spec.Seed, spec.Variability)
		if err != nil {
			slog.Error("bad trader config", "agent", spec.AgentID, "error", err)
			os.Exit(1)
		}
		r := trader.NewRunner(spec.AgentID, policy, spec.Seed, events, mat, deals, feed, sessions)
		go r.Run(ctx, spec.Heartbeat())
		slog.Info("trader started",
			"agent", spec.AgentID,
			"policy", policy.Name(),
			"heartbeat", spec.Heartbeat(),
		)
	}

	slog.Info("market open",
		"addr", cfg.ListenAddr,
		"trading_window", cfg.TradingWindow(),
		"traders", len(cfg.Traders),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig)
	cancel()

	// One final sweep so reflected copies are not left pending.
	if _, err := mirror.Sweep(); err != nil {
		slog.Warn("final sweep failed", "error", err)
	}
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
	slog.Info("market closed")
}
