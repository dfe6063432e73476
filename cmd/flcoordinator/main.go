// Command flcoordinator hosts the federated learning CoordinatorAPI.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medhive/flcoordinator/internal/aggregator"
	"github.com/medhive/flcoordinator/internal/api"
	"github.com/medhive/flcoordinator/internal/config"
	"github.com/medhive/flcoordinator/internal/cryptokit"
	"github.com/medhive/flcoordinator/internal/fl"
	"github.com/medhive/flcoordinator/internal/metricsink"
	"github.com/medhive/flcoordinator/internal/modelstore"
	"github.com/medhive/flcoordinator/internal/registry"
	"github.com/medhive/flcoordinator/internal/round"

	"github.com/go-redis/redis/v8"
)

// Exit codes per spec.md §6.
const (
	exitOK                   = 0
	exitKeyInitFailure       = 1
	exitBindFailure          = 2
	exitUnrecoverableStorage = 3
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		os.Exit(exitKeyInitFailure)
	}
}

func newRootCommand() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:   "flcoordinator",
		Short: "Federated learning coordinator control plane",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a config file")

	root.AddCommand(newServeCommand(&cfgPath))
	root.AddCommand(newKeysCommand(&cfgPath))
	return root
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}

func loadConfig(cfgPath string) (*config.Config, error) {
	if cfgPath != "" {
		return config.LoadFrom(cfgPath)
	}
	return config.Load()
}

func newKeysCommand(cfgPath *string) *cobra.Command {
	keys := &cobra.Command{
		Use:   "keys",
		Short: "Manage CryptoKit key material",
	}
	keys.AddCommand(&cobra.Command{
		Use:   "generate",
		Short: "Idempotently generate the server's key material",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			kit := cryptokit.New(cfg.Storage.Root+"/keys", cryptokit.WithPassphrase(cfg.Security.Passphrase), cryptokit.WithLogger(newLogger()))
			if err := kit.GenerateKeys(); err != nil {
				os.Exit(exitKeyInitFailure)
			}
			fmt.Println("key material ready")
			return nil
		},
	})
	return keys
}

func newServeCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(*cfgPath)
		},
	}
}

func serve(cfgPath string) error {
	log := newLogger()

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		log.Error().Err(err).Msg("failed to load configuration")
		os.Exit(exitKeyInitFailure)
	}

	kit := cryptokit.New(cfg.Storage.Root+"/keys", cryptokit.WithPassphrase(cfg.Security.Passphrase), cryptokit.WithLogger(log))
	if cfg.Security.Enabled {
		if !kit.Initialized() {
			log.Error().Msg("security enabled but key material is absent; run 'flcoordinator keys generate' first")
			os.Exit(exitKeyInitFailure)
		}
		if err := kit.Load(); err != nil {
			log.Error().Err(err).Msg("failed to load key material")
			os.Exit(exitKeyInitFailure)
		}
	}

	storeOpts := []modelstore.Option{modelstore.WithLogger(log)}
	if cfg.Storage.S3Bucket != "" {
		mirror, err := modelstore.NewS3Mirror(context.Background(), cfg.Storage.S3Bucket, cfg.Storage.S3Region, "flcoordinator")
		if err != nil {
			log.Error().Err(err).Msg("failed to configure s3 mirror")
			os.Exit(exitUnrecoverableStorage)
		}
		storeOpts = append(storeOpts, modelstore.WithMirror(mirror))
	}
	store := modelstore.New(cfg.Storage.Root, kit, storeOpts...)

	clients := registry.New(registry.WithStalenessThreshold(cfg.Registry.StalenessThreshold), registry.WithLogger(log))
	models := populateModelKindRegistry()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	sink := metricsink.New(redisClient,
		metricsink.WithMaxRetries(cfg.MetricSink.MaxRetries),
		metricsink.WithRetryDelay(cfg.MetricSink.RetryDelay),
		metricsink.WithLogger(log))

	manager := round.NewManager(store, clients, models, kit, round.WithLogger(log), round.WithMetricSink(sink))

	server := api.New(api.Config{
		BindAddress:      cfg.Server.BindAddress,
		WorkerCount:      cfg.Server.WorkerCount,
		RequestQueueSize: cfg.Server.RequestQueueSize,
		RatePerMinute:    cfg.Server.RatePerMinute,
		ShutdownGrace:    cfg.Server.ShutdownGrace,
	}, manager, clients, models, kit, log)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Error().Err(err).Msg("coordinator api failed to bind")
		os.Exit(exitBindFailure)
	case <-sigCh:
		log.Info().Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	return nil
}

// populateModelKindRegistry registers the model families the coordinator
// knows about at startup (spec.md §9 design note 1's static table
// replacing dynamic module loading). Shapes are illustrative placeholders
// for the two model kinds named in spec.md §3 ("pneumonia", "ecg"); real
// deployments register their actual layer shapes here.
func populateModelKindRegistry() *aggregator.Registry {
	reg := aggregator.NewRegistry()

	reg.Register("pneumonia", aggregator.ModelKindEntry{
		EmptyModel: func() *fl.ModelBlob {
			return &fl.ModelBlob{
				ModelKind: "pneumonia",
				Params: map[string][]float64{
					"conv1.weight": make([]float64, 64),
					"fc.weight":    make([]float64, 128),
				},
				StatsKeys: []string{"bn1.running_mean", "bn1.running_var"},
			}
		},
		StatisticsOnlyKeys: []string{"bn1.running_mean", "bn1.running_var"},
	})

	reg.Register("ecg", aggregator.ModelKindEntry{
		EmptyModel: func() *fl.ModelBlob {
			return &fl.ModelBlob{
				ModelKind: "ecg",
				Params: map[string][]float64{
					"lstm.weight_ih": make([]float64, 256),
					"fc.weight":      make([]float64, 64),
				},
			}
		},
	})

	return reg
}
