package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mewc-labs/mewc-index/internal/blockfile"
	"github.com/mewc-labs/mewc-index/internal/config"
	"github.com/mewc-labs/mewc-index/internal/engine"
	"github.com/mewc-labs/mewc-index/internal/headers"
	"github.com/mewc-labs/mewc-index/internal/indexstate"
	"github.com/mewc-labs/mewc-index/internal/logging"
	"github.com/mewc-labs/mewc-index/internal/metrics"
	"github.com/mewc-labs/mewc-index/internal/prefetch"
	"github.com/mewc-labs/mewc-index/internal/store"
)

// headerRecordBytes is the fixed on-disk header record size: the
// post-activation canonical length, so every height lands at a fixed
// offset regardless of which header shape the block carried.
const headerRecordBytes = 120

func newServeCommand() *cobra.Command {
	var (
		configPath string
		daemonURL  string
		daemonUser string
		daemonPass string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the indexer against a node daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if err := config.ValidateConfig(cfg); err != nil {
				return err
			}
			if daemonURL == "" {
				return fmt.Errorf("serve: --daemon-url is required")
			}
			return runServe(cmd.Context(), cfg, daemonURL, daemonUser, daemonPass)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a JSON config file")
	cmd.Flags().StringVar(&daemonURL, "daemon-url", "", "node daemon JSON-RPC endpoint (e.g. http://127.0.0.1:9766)")
	cmd.Flags().StringVar(&daemonUser, "daemon-user", "", "daemon RPC username")
	cmd.Flags().StringVar(&daemonPass, "daemon-pass", "", "daemon RPC password")
	return cmd
}

func runServe(parent context.Context, cfg config.Config, daemonURL, daemonUser, daemonPass string) error {
	if err := logging.Init(cfg.LogLevel, cfg.LogJSON, cfg.LogFile); err != nil {
		return fmt.Errorf("serve: init logging: %w", err)
	}
	params := meowcoinParams()

	blocksDir := filepath.Join(cfg.DataDir, "meta", "blocks")
	if err := os.MkdirAll(blocksDir, 0o755); err != nil {
		return fmt.Errorf("serve: create %s: %w", blocksDir, err)
	}
	registry := blockfile.NewRegistry(blocksDir)
	if err := registry.SweepLegacy(); err != nil {
		return fmt.Errorf("serve: sweep legacy block files: %w", err)
	}

	utxoDB, err := store.OpenBbolt(filepath.Join(cfg.DataDir, "utxo.db"))
	if err != nil {
		return err
	}
	suidDB, err := store.OpenBbolt(filepath.Join(cfg.DataDir, "suid.db"))
	if err != nil {
		_ = utxoDB.Close()
		return err
	}
	assetDB, err := store.OpenBadger(filepath.Join(cfg.DataDir, "asset"))
	if err != nil {
		_ = utxoDB.Close()
		_ = suidDB.Close()
		return err
	}
	stores := &store.Stores{UTXO: utxoDB, Asset: assetDB, SUID: suidDB}
	defer stores.Close()

	hdrs, err := headers.Open(filepath.Join(cfg.DataDir, "headers.dat"), headerRecordBytes)
	if err != nil {
		return err
	}
	defer hdrs.Close()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	initial, err := loadState(ctx, stores)
	if err != nil {
		return err
	}

	daemon := newRPCClient(daemonURL, daemonUser, daemonPass)
	pf := prefetch.New(daemon, registry, int64(cfg.PrefetchWindow))

	loop := engine.NewLoop(daemon, stores, params, registry, hdrs, pf, initial, engine.Config{
		CacheMB:       cfg.CacheMB,
		BPWorkers:     cfg.BPWorkers,
		ClientWorkers: cfg.ClientWorkers,
		PollingDelay:  cfg.PollingDelay,
		WriteBadVouts: cfg.WriteBadVoutsToFile,
		BadVoutsDir:   filepath.Join(cfg.DataDir, "invalid_chain_vouts"),
	})

	if cfg.MetricsAddr != "" {
		metrics.StartServer(cfg.MetricsAddr)
	}
	go loop.Coordinator.Run(ctx)
	go sweepStaleBlocks(ctx, registry, loop)
	go drainNotifications(ctx, loop)

	logging.Engine.Info().
		Str("data_dir", cfg.DataDir).
		Uint64("height", initial.Height).
		Msg("indexer starting")
	return loop.Run(ctx)
}

// loadState recovers the persisted IndexerState, or returns a first-sync
// zero state when the store is fresh.
func loadState(ctx context.Context, stores *store.Stores) (indexstate.State, error) {
	raw, ok, err := stores.UTXO.Get(ctx, store.PrefixIndexerState)
	if err != nil {
		return indexstate.State{}, fmt.Errorf("serve: load state: %w", err)
	}
	if !ok {
		return indexstate.State{FirstSync: true}, nil
	}
	return indexstate.DecodeState(raw)
}

// sweepStaleBlocks deletes prefetched block files that are five or more
// blocks behind the indexed tip (State.Height counts indexed blocks, so the
// tip block sits at Height-1).
func sweepStaleBlocks(ctx context.Context, registry *blockfile.Registry, loop *engine.Loop) {
	const keepBehind = 5
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			tip := loop.IndexerState().Height
			if tip <= keepBehind {
				continue
			}
			deleted, size, err := registry.Sweep(tip - keepBehind)
			if err != nil {
				logging.Prefetch.Warn().Err(err).Msg("stale block sweep")
			} else if deleted > 0 {
				logging.Prefetch.Debug().Int("files", deleted).Int64("bytes", size).Msg("swept stale block files")
			}
		}
	}
}

// drainNotifications consumes the engine's touched-set emissions. The
// query/notification dispatcher is an external collaborator; this daemon
// only logs the volume so the channel never backs up.
func drainNotifications(ctx context.Context, loop *engine.Loop) {
	for {
		select {
		case <-ctx.Done():
			return
		case sets := <-loop.Notify:
			logging.Engine.Debug().
				Int("hashx", len(sets.HashX)).
				Int("assets", len(sets.AssetName)).
				Msg("touched sets emitted")
		}
	}
}
