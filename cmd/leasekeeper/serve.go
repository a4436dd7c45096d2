package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pixperk/leasekeeper/pkg/config"
	"github.com/pixperk/leasekeeper/pkg/raft"
	"github.com/pixperk/leasekeeper/pkg/server"
	lktime "github.com/pixperk/leasekeeper/pkg/time"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a coordination store node",
	Long:  "Start a raft node holding lease records and lock objects, served over HTTP.",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("node-id", "", "unique node ID (generates UUID if empty)")
	f.String("raft-addr", "", "raft bind address")
	f.String("advertise-addr", "", "raft address peers dial, defaults to the bound address")
	f.String("http-addr", "", "HTTP store address")
	f.String("data-dir", "", "data directory for raft storage")
	f.Bool("bootstrap", false, "bootstrap a new cluster")
	rootCmd.AddCommand(serveCmd)
}

// flags win over the environment
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("node-id") {
		cfg.NodeID, _ = f.GetString("node-id")
	}
	if f.Changed("raft-addr") {
		cfg.RaftAddr, _ = f.GetString("raft-addr")
	}
	if f.Changed("advertise-addr") {
		cfg.AdvertiseAddr, _ = f.GetString("advertise-addr")
	}
	if f.Changed("http-addr") {
		cfg.HTTPAddr, _ = f.GetString("http-addr")
	}
	if f.Changed("data-dir") {
		cfg.DataDir, _ = f.GetString("data-dir")
	}
	if f.Changed("bootstrap") {
		cfg.Bootstrap, _ = f.GetBool("bootstrap")
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	applyServeFlags(cmd, cfg)

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	var nid uuid.UUID
	if cfg.NodeID == "" {
		nid = uuid.New()
		logger.Info("generated node id", zap.String("node_id", nid.String()))
	} else {
		nid, err = uuid.Parse(cfg.NodeID)
		if err != nil {
			return fmt.Errorf("invalid node id: %w", err)
		}
	}

	logger.Info("starting leasekeeper node",
		zap.String("node_id", nid.String()),
		zap.String("raft_addr", cfg.RaftAddr),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("data_dir", cfg.DataDir),
		zap.Bool("bootstrap", cfg.Bootstrap),
	)

	node, err := raft.NewNode(&raft.Config{
		NodeID:        nid,
		BindAddr:      cfg.RaftAddr,
		AdvertiseAddr: cfg.AdvertiseAddr,
		DataDir:       cfg.DataDir,
		Bootstrap:     cfg.Bootstrap,
		ApplyTimeout:  cfg.ApplyTimeout,
		Clock:         lktime.NewClock(cfg.ClockSkew),
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("create raft node: %w", err)
	}
	defer node.Shutdown()

	srv := server.NewServer(node, logger, server.WithStatus(node))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.HTTPAddr)
	}()

	logger.Info("leasekeeper is ready")

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http store: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}
