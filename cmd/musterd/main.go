// Command musterd runs one node of a muster coordination cluster.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/musterhq/muster/engine"
	bunmirror "github.com/musterhq/muster/projection/bun"
	redismirror "github.com/musterhq/muster/projection/redis"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "musterd",
		Short:        "Replicated session, task and lock coordination node",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(serveCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the node and serve worker connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			fc, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return serve(fc)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to TOML config file")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("musterd", version)
		},
	}
}

func serve(fc fileConfig) error {
	logger := fc.buildLogger()

	mirror, closeMirror, err := fc.buildMirror(logger)
	if err != nil {
		return err
	}
	defer closeMirror()

	// Verify the projection backend before joining the cluster.
	if mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		switch m := mirror.(type) {
		case *bunmirror.Mirror:
			if err := m.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate projection schema: %w", err)
			}
		case *redismirror.Mirror:
			if err := m.Ping(ctx); err != nil {
				return fmt.Errorf("reach projection redis: %w", err)
			}
		}
	}

	raftPeers, advertise := fc.peerMaps()
	limits, err := fc.tierLimiter()
	if err != nil {
		return err
	}

	opts := []engine.Option{
		engine.WithNodeID(fc.NodeID),
		engine.WithConfig(fc.clusterSettings()),
		engine.WithLogger(logger),
		engine.WithPeers(raftPeers, advertise),
		engine.WithDataDir(fc.DataDir),
	}
	if fc.RaftAddr != "" {
		opts = append(opts, engine.WithRaftAddr(fc.RaftAddr))
	}
	if fc.WireAddr != "" {
		opts = append(opts, engine.WithWireAddr(fc.WireAddr))
	}
	if mirror != nil {
		opts = append(opts, engine.WithMirror(mirror))
	}
	if limits != nil {
		opts = append(opts, engine.WithTierLimits(limits))
	}

	e, err := engine.Build(opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := e.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down", slog.String("reason", "signal"))
	return e.Stop()
}
