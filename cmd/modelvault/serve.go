package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vjranagit/modelvault/internal/logging"
	"github.com/vjranagit/modelvault/pkg/api"
	"github.com/vjranagit/modelvault/pkg/storage"
)

const shutdownTimeout = 30 * time.Second

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the read-only inspection API",
	Long:  "Serves version history, current contents, bundles, the metrics ledger, recent runs and Prometheus metrics over HTTP.",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logging.Warn().Err(err).Msg("Failed to close ledger")
		}
	}()

	addr := cfg.Server.ListenAddr
	if serveAddr != "" {
		addr = serveAddr
	}

	families := make([]string, 0, len(cfg.Families))
	for _, f := range cfg.Families {
		families = append(families, f.Name)
	}

	var store storage.VersionStore = a.store
	if cfg.Server.CacheCapacity > 0 {
		store = storage.NewCachedStore(a.store, cfg.Server.CacheCapacity, cfg.Server.CacheTTL)
	}

	compressor, err := storage.NewCompressor(cfg.Publish.Bundle.CompressionLevel)
	if err != nil {
		return err
	}

	server, err := api.NewServer(api.Options{
		Addr:       addr,
		Timeout:    cfg.Server.Timeout,
		Store:      store,
		Current:    a.current,
		Ledger:     a.ledger,
		Compressor: compressor,
		ReportDir:  cfg.Report.Dir,
		Families:   families,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", addr).Msg("API server listening")
		errCh <- server.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigChan:
		logging.Info().Str("signal", sig.String()).Msg("Shutdown signal received, stopping server")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		return err
	}

	logging.Info().Msg("Server stopped")
	return nil
}
