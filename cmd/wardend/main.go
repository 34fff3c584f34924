// wardend is the Warden daemon: it hosts the process lifecycle manager and
// its background loops until it receives a shutdown signal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/rzbill/warden/internal/config"
	"github.com/rzbill/warden/pkg/audit"
	"github.com/rzbill/warden/pkg/crypto"
	"github.com/rzbill/warden/pkg/log"
	"github.com/rzbill/warden/pkg/manager"
	"github.com/rzbill/warden/pkg/version"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "wardend",
		Short: "Warden process lifecycle daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "configuration file path")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Info())
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	logger := newLogger(cfg)

	color.New(color.FgCyan, color.Bold).Println(version.Info())
	color.New(color.FgHiBlack).Printf("audit=%s health=%s metrics=%s\n",
		cfg.Audit.Backend, cfg.Lifecycle.HealthInterval, cfg.Lifecycle.MetricsInterval)

	sink, err := newSink(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := sink.Close(); err != nil {
			logger.Error("Failed to close audit sink", log.Err(err))
		}
	}()

	mgr := manager.New(
		manager.NopExecutor{},
		manager.NopPolicyBackend{},
		manager.NopResourceBackend{},
		manager.WithLogger(logger),
		manager.WithAuditSink(sink),
		manager.WithConfig(manager.Config{
			StopTimeout:        cfg.Lifecycle.StopTimeout,
			HealthInterval:     cfg.Lifecycle.HealthInterval,
			MetricsInterval:    cfg.Lifecycle.MetricsInterval,
			ComplianceSchedule: cfg.Lifecycle.ComplianceSchedule,
		}),
	)

	ctx := context.Background()
	if err := mgr.Run(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received signal, shutting down", log.Str("signal", sig.String()))

	return mgr.Shutdown()
}

func newLogger(cfg *config.Config) log.Logger {
	var formatter log.Formatter = log.NewTextFormatter()
	if cfg.Log.Format == "json" {
		formatter = &log.JSONFormatter{}
	}
	return log.NewLogger(
		log.WithLevel(log.ParseLevel(cfg.Log.Level)),
		log.WithFormatter(formatter),
	)
}

func newSink(cfg *config.Config, logger log.Logger) (audit.Sink, error) {
	if cfg.Audit.Backend != "badger" {
		return audit.NewMemorySink(cfg.Audit.Retain), nil
	}

	var opts []audit.BadgerSinkOption
	if cfg.Audit.Encrypt {
		keyFile := cfg.Audit.KeyFile
		if keyFile == "" {
			keyFile = filepath.Join(cfg.DataDir, "audit.key")
		}
		key, err := crypto.LoadOrGenerateKey(keyFile)
		if err != nil {
			return nil, err
		}
		cipher, err := crypto.NewCipher(key)
		if err != nil {
			return nil, err
		}
		opts = append(opts, audit.WithCipher(cipher))
	}

	return audit.NewBadgerSink(filepath.Join(cfg.DataDir, "audit"), logger, opts...)
}
