package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/semioz/rafka/broker"
	"github.com/semioz/rafka/config"
	"github.com/semioz/rafka/rpc"
)

func newServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the rafka broker",
		RunE:  runServer,
	}

	defaults := config.Default()
	cmd.Flags().String("node-id", "", "broker node ID (required)")
	cmd.Flags().String("data-dir", defaults.DataDir, "data directory")
	cmd.Flags().String("bind-addr", defaults.BindAddr, "RPC listen address")
	cmd.Flags().String("advertise-addr", "", "address peers use to reach this broker")
	cmd.Flags().StringSlice("peer", nil, "peer brokers (nodeID=addr), repeatable")

	viper.BindPFlag("node_id", cmd.Flags().Lookup("node-id"))
	viper.BindPFlag("data_dir", cmd.Flags().Lookup("data-dir"))
	viper.BindPFlag("bind_addr", cmd.Flags().Lookup("bind-addr"))
	viper.BindPFlag("advertise_addr", cmd.Flags().Lookup("advertise-addr"))
	viper.BindPFlag("peers", cmd.Flags().Lookup("peer"))

	return cmd
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if err := viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	b := broker.New(cfg, logger)
	for _, peer := range viper.GetStringSlice("peers") {
		nodeID, addr, ok := strings.Cut(peer, "=")
		if !ok {
			return fmt.Errorf("invalid peer %q, want nodeID=addr", peer)
		}
		b.AddPeer(nodeID, addr)
	}
	b.Start()

	srv := rpc.NewServer(b, logger)
	ln, err := srv.Listen(cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.BindAddr, err)
	}
	go srv.Serve(ln)
	logger.Info("broker started",
		zap.String("node", cfg.NodeID),
		zap.String("addr", ln.Addr().String()),
		zap.String("data_dir", cfg.DataDir),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))

	if err := srv.Close(); err != nil {
		logger.Warn("server close failed", zap.Error(err))
	}
	if err := b.Close(); err != nil {
		return fmt.Errorf("broker close: %w", err)
	}
	return nil
}
