package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mirage/config"
	"mirage/crypto"
	"mirage/discovery"
	"mirage/input"
	"mirage/logging"
	"mirage/metrics"
	"mirage/models"
	"mirage/node"
	"mirage/pairing"
	"mirage/session"
	"mirage/storage"
)

var (
	configFlag  string
	verboseFlag bool
)

func main() {
	root := &cobra.Command{
		Use:           "mirage",
		Short:         "Share one keyboard and mouse between computers on the local network",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFlag, "config", "", "path to config.toml (default: the per-user data directory)")
	root.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "log at debug level")

	root.AddCommand(runCmd())
	root.AddCommand(peersCmd())
	root.AddCommand(forgetCmd())
	root.AddCommand(identityCmd())
	root.AddCommand(eventsCmd())
	root.AddCommand(sessionsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mirage: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, pairing.ErrLockedOut):
		return 3
	case errors.Is(err, session.ErrSessionTerminated):
		return 4
	default:
		return 1
	}
}

func runCmd() *cobra.Command {
	var (
		nameFlag         string
		discoverOnlyFlag bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the node and read commands from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := config.LoadOrCreate(configFlag)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if nameFlag != "" {
				cfg.Host.Name = nameFlag
			}

			logger, err := logging.New(cfg.Logging, verboseFlag)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			identity, err := loadIdentity(cfg, cfgPath)
			if err != nil {
				return err
			}

			dataDir := filepath.Dir(cfgPath)
			store, dbPath, err := storage.Open(dataDir, storage.Options{Logger: logger})
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer func() {
				if err := store.Close(); err != nil {
					logger.Warn("database close error", zap.Error(err))
				}
			}()

			fmt.Printf("Device ID:       %s\n", cfg.Identity.DeviceID)
			fmt.Printf("Device Name:     %s\n", cfg.Host.Name)
			fmt.Printf("Control Port:    %d\n", cfg.Network.ControlPort)
			fmt.Printf("Fingerprint:     %s\n", crypto.FormatFingerprint(identity.Fingerprint))
			fmt.Printf("Config File:     %s\n", cfgPath)
			fmt.Printf("Database File:   %s\n", dbPath)

			registry := prometheus.NewRegistry()
			m := metrics.New(registry)

			subnets, err := cfg.Subnets()
			if err != nil {
				return err
			}
			discoveryService, err := discovery.Start(discovery.Config{
				SelfDeviceID:     cfg.Identity.DeviceID,
				DeviceName:       cfg.Host.Name,
				Platform:         models.ParsePlatform(runtime.GOOS),
				CanHostMouse:     true,
				ListeningPort:    cfg.Network.ControlPort,
				KeyFingerprint:   identity.Fingerprint,
				AnnounceInterval: cfg.AnnounceInterval(),
				MissedIntervals:  cfg.Discovery.MissedIntervals,
				BeaconsPerSecond: cfg.Discovery.BeaconsPerSecond,
				AllowedSubnets:   subnets,
				Logger:           logger,
			})
			if err != nil {
				logger.Warn("discovery startup failed; peers must be paired by address", zap.Error(err))
				discoveryService = nil
				fmt.Println("Discovery:       unavailable")
			} else {
				defer discoveryService.Stop()
				fmt.Println("Discovery:       running")
			}

			n, err := node.New(node.Options{
				Config:        cfg,
				Identity:      identity,
				Store:         store,
				Discovery:     discoveryService,
				Capture:       input.Null{},
				Injector:      input.LogInjector{Logger: logger},
				ListenAddress: fmt.Sprintf(":%d", cfg.Network.ControlPort),
				Gatherer:      registry,
				DiscoverOnly:  discoverOnlyFlag,
				Out:           os.Stdout,
				Logger:        logger,
				Metrics:       m,
			})
			if err != nil {
				return err
			}

			watcher := config.NewWatcher(cfgPath, cfg, logger)
			watcher.OnChange(n.ApplyConfig)
			if err := watcher.Start(); err != nil {
				logger.Warn("config hot reload disabled", zap.Error(err))
			} else {
				defer func() { _ = watcher.Close() }()
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go func() {
				if err := n.RunCommands(ctx, os.Stdin); err != nil {
					logger.Warn("command input closed", zap.Error(err))
				}
			}()

			fmt.Println("Status:          running (type help, Ctrl+C to stop)")
			err = n.Run(ctx)
			fmt.Println("Status:          shutting down")
			return err
		},
	}

	cmd.Flags().StringVar(&nameFlag, "name", "", "device name announced to peers for this run")
	cmd.Flags().BoolVar(&discoverOnlyFlag, "discover-only", false, "announce and list peers without opening sessions")
	return cmd
}

// loadIdentity loads or creates the device key pair and keeps the
// fingerprint recorded in the config current.
func loadIdentity(cfg *config.Config, cfgPath string) (*crypto.Identity, error) {
	identity, err := crypto.LoadOrCreateIdentity(cfg.Identity.Ed25519PrivateKeyPath, cfg.Identity.Ed25519PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("prepare Ed25519 key pair: %w", err)
	}
	if cfg.Identity.KeyFingerprint != identity.Fingerprint {
		cfg.Identity.KeyFingerprint = identity.Fingerprint
		if err := config.Save(cfgPath, cfg); err != nil {
			return nil, fmt.Errorf("persist key fingerprint: %w", err)
		}
	}
	return identity, nil
}
