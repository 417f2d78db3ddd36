// Command gridsyncd runs a gridsync server: the WebSocket gateway, the
// file REST API, and optional Prometheus metrics on one listener.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gridsync/gridsync"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)

		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "gridsyncd",
		Short:        "Real-time collaboration server for shared tabular datasets",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}
	flags := cmd.Flags()

	flags.String("addr", ":8080", "listen address")

	flags.String("storage-dir", "./data", "directory holding uploaded data files")

	flags.String("meta-path", "./data/gridsync.db", "path of the file metadata database")

	flags.String("session-backend", "memory", "session store backend (memory or redis)")

	flags.String("redis-addr", "localhost:6379", "redis address for the redis session backend")

	flags.Bool("metrics", false, "expose Prometheus metrics at /metrics")

	flags.StringSlice("allowed-origins", nil, "origins allowed to connect (empty disables the check)")

	flags.String("config", "", "config file (default searches ./gridsyncd.yaml)")

	_ = viper.BindPFlags(flags)

	viper.SetEnvPrefix("GRIDSYNC")

	viper.AutomaticEnv()

	cobra.OnInitialize(func() {
		if cfg := viper.GetString("config"); cfg != "" {
			viper.SetConfigFile(cfg)
		} else {
			viper.SetConfigName("gridsyncd")

			viper.AddConfigPath(".")
		}
		_ = viper.ReadInConfig()
	})

	return cmd
}

func run(ctx context.Context) error {
	options := gridsync.DefaultOptions()

	if origins := viper.GetStringSlice("allowed-origins"); len(origins) > 0 {
		options.CheckOrigin = true
		options.AllowedOrigins = origins
	}
	serverOpts := gridsync.ServerOptions{
		Options:    options,
		Addr:       viper.GetString("addr"),
		StorageDir: viper.GetString("storage-dir"),
		MetaPath:   viper.GetString("meta-path"),
	}
	if viper.GetBool("metrics") {
		registry := prometheus.NewRegistry()

		options.Hooks = &gridsync.Hooks{Metrics: gridsync.NewPrometheusMetrics(registry)}

		serverOpts.MetricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}
	sessions, err := buildSessionStore()

	if err != nil {
		return err
	}
	server, err := gridsync.NewServer(ctx, sessions, serverOpts)

	if err != nil {
		return err
	}
	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)

	defer stop()

	errCh := make(chan error, 1)

	go func() {
		errCh <- server.Start()
	}()

	fmt.Printf("gridsyncd listening on %s\n", serverOpts.Addr)

	select {
	case err := <-errCh:
		return err

	case <-runCtx.Done():
		fmt.Println("shutting down")

		return server.Stop(context.Background())
	}
}

// buildSessionStore wires the configured session backend. The memory
// backend reads a dev_sessions map (token -> username) from the config
// file so local development has usable tokens without Redis.
func buildSessionStore() (gridsync.SessionStore, error) {
	switch backend := viper.GetString("session-backend"); backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: viper.GetString("redis-addr")})

		return gridsync.NewRedisSessionStore(client, ""), nil

	case "memory":
		store := gridsync.NewMemorySessionStore()

		for token, username := range viper.GetStringMapString("dev_sessions") {
			store.Put(token, gridsync.Identity{
				ID:       uuid.NewString(),
				Username: username,
			})
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown session backend %q", backend)
	}
}
