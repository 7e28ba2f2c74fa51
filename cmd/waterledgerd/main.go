// Command waterledgerd runs the water entitlement exchange daemon: the
// matching engine, its persistence layers, and the HTTP/WebSocket API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/civicledger/waterledger"
	"github.com/civicledger/waterledger/api"
	"github.com/civicledger/waterledger/config"
	"github.com/civicledger/waterledger/history"
	"github.com/civicledger/waterledger/journal"
)

func main() {
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	// .env is optional; environment overrides the config file either way.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "path", *configPath, "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	waterledger.SetLogger(logger)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("daemon exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	sinks := []waterledger.Publisher{}

	// Event journal (pebble).
	var jrnl *journal.Journal
	if cfg.Storage.JournalPath != "" {
		var err error
		jrnl, err = journal.Open(cfg.Storage.JournalPath)
		if err != nil {
			return err
		}
		defer jrnl.Close()
		sinks = append(sinks, jrnl)
	}

	// Trade history (sqlite).
	var store *history.Store
	if cfg.Storage.HistoryPath != "" {
		var err error
		store, err = history.Open(cfg.Storage.HistoryPath)
		if err != nil {
			return err
		}
		defer store.Close()
		sinks = append(sinks, store)
	}

	depth := waterledger.NewDepthView()
	sinks = append(sinks, depth)

	funds := waterledger.NewMemoryFunds()
	fanout := waterledger.NewFanoutPublisher(sinks...)
	exchange := waterledger.NewExchange(cfg.Scheme.Name, funds, fanout)

	server := api.NewServer(exchange, depth, store)
	fanout.Add(server.Hub())

	// Resume from the last snapshot when one exists, otherwise seed the
	// scheme from configuration.
	restored := false
	if jrnl != nil {
		snap, ok, err := jrnl.LoadSnapshot()
		if err != nil {
			return err
		}
		if ok {
			if err := exchange.Restore(snap); err != nil {
				return err
			}
			// The journal holds no events at or below the snapshot sequence,
			// so the depth view starts from the snapshot's book and the replay
			// fills in anything journaled after it.
			depth.Restore(snap)
			if err := jrnl.Replay(func(ev waterledger.Event) error {
				depth.Publish(ev)
				return nil
			}); err != nil {
				return err
			}
			restored = true
		}
	}

	engineDone := make(chan error, 1)
	go func() { engineDone <- exchange.Start() }()

	if !restored {
		if err := seed(exchange, funds, cfg.Scheme); err != nil {
			return err
		}
	}

	serverDone := make(chan error, 1)
	go func() { serverDone <- server.Start(cfg.Server.Addr()) }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		logger.Info("shutdown signal received", "signal", s.String())
	case err := <-serverDone:
		if err != nil {
			logger.Error("api server failed", "err", err)
		}
	case err := <-engineDone:
		if err != nil {
			logger.Error("exchange loop failed", "err", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return stopDaemon(ctx, logger, server, exchange, jrnl)
}

// stopDaemon quiesces the API before the exit snapshot is cut, so no mutation
// can land after the snapshot and be journaled above its sequence. The
// exchange loop stops last.
func stopDaemon(ctx context.Context, logger *slog.Logger, server *api.Server, exchange *waterledger.Exchange, jrnl *journal.Journal) error {
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("api shutdown failed", "err", err)
	}

	if jrnl != nil {
		if snap, err := exchange.TakeSnapshot(ctx); err != nil {
			logger.Error("shutdown snapshot failed", "err", err)
		} else if err := jrnl.SaveSnapshot(snap); err != nil {
			logger.Error("snapshot save failed", "err", err)
		}
	}

	return exchange.Shutdown(ctx)
}

// seed applies the configured zones, opening allocations, and funds deposits
// to a fresh exchange.
func seed(exchange *waterledger.Exchange, funds *waterledger.MemoryFunds, scheme config.Scheme) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if len(scheme.Zones) > 0 {
		identifiers := make([]string, len(scheme.Zones))
		mins := make([]uint64, len(scheme.Zones))
		maxes := make([]uint64, len(scheme.Zones))
		for i, z := range scheme.Zones {
			identifiers[i], mins[i], maxes[i] = z.Identifier, z.Min, z.Max
		}
		if err := exchange.AddZones(ctx, identifiers, mins, maxes); err != nil {
			return err
		}
	}

	if len(scheme.Allocations) > 0 {
		zones := make([]string, len(scheme.Allocations))
		accounts := make([]string, len(scheme.Allocations))
		amounts := make([]uint64, len(scheme.Allocations))
		for i, a := range scheme.Allocations {
			zones[i], accounts[i], amounts[i] = a.Zone, a.Account, a.Amount
		}
		if err := exchange.AllocateAll(ctx, zones, accounts, amounts); err != nil {
			return err
		}
	}

	for _, d := range scheme.Deposits {
		amount, err := decimal.NewFromString(d.Amount)
		if err != nil {
			return err
		}
		funds.Deposit(d.Account, amount)
	}
	return nil
}

func newLogger(cfg config.Logging) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
