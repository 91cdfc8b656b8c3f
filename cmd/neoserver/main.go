// Command neoserver runs a node: it accepts client connections, serves
// registered requests, and optionally advertises itself through an etcd
// registry and exposes the unix-socket admin surface.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/neoframe/neomux/auth"
	"github.com/neoframe/neomux/config"
	"github.com/neoframe/neomux/registry"
	"github.com/neoframe/neomux/reqmap"
	"github.com/neoframe/neomux/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "neoserver",
		Short: "Run a neomux node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cfgFile)
		},
	}
	cmd.Flags().StringVar(&cfgFile, "config", "", "path to the node config file")
	cmd.MarkFlagRequired("config")
	viper.BindPFlag("config", cmd.Flags().Lookup("config"))
	return cmd
}

func runServe(cfgFile string) error {
	settings, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Sugar()

	keys, err := config.LoadCredentials(settings.CredentialsFile)
	if err != nil {
		return err
	}
	store := auth.NewMapStore(keys)

	watcher, err := config.WatchCredentials(settings.CredentialsFile, store, log)
	if err != nil {
		return err
	}
	defer watcher.Close()

	var reg registry.Registry
	if len(settings.EtcdEndpoints) > 0 && settings.PoolName != "" {
		reg, err = registry.NewEtcdRegistry(settings.EtcdEndpoints)
		if err != nil {
			return err
		}
	}

	svr := server.New(server.Config{
		ProtocolVersion: settings.ProtocolVersion,
		CredentialStore: store,
		RequestMap:      reqmap.New(log),
		Log:             log,
		Registry:        reg,
		PoolName:        settings.PoolName,
		AdvertiseAddr:   settings.AdvertiseAddr,
		AdminSocketPath: settings.AdminSocketPath,
	})

	if settings.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(settings.MetricsAddr, mux); err != nil {
				log.Warnw("neoserver: metrics server stopped", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- svr.Serve("tcp", settings.ListenAddr) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		log.Info("neoserver: shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return svr.Shutdown(ctx)
}
