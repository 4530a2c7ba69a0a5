// Package main provides the qshd daemon entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/leyvirose/qsh/internal/auth"
	"github.com/leyvirose/qsh/internal/config"
	"github.com/leyvirose/qsh/internal/daemon"
	"github.com/leyvirose/qsh/internal/keystore"
	"github.com/leyvirose/qsh/internal/logging"
)

func main() {
	var metricsAddr string

	rootCmd := &cobra.Command{
		Use:   "qshd",
		Short: "qshd - quantum-safe remote shell daemon",
		Long: `qshd serves encrypted remote shell sessions over TCP/IPv6 and opens
outbound sessions on behalf of the qsh tool via its local control
socket.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(metricsAddr)
		},
	}
	rootCmd.Flags().StringVar(&metricsAddr, "metrics", "", "expose Prometheus metrics on this address (disabled when empty)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "qshd: %v\n", err)
		os.Exit(1)
	}
}

func run(metricsAddr string) error {
	dir, err := keystore.DefaultDir()
	if err != nil {
		return err
	}

	serveInbound := true
	cfg, err := config.LoadServer(config.ServerPath(dir))
	if err != nil {
		if !errors.Is(err, config.ErrNotConfigured) {
			return err
		}
		serveInbound = false
	}

	level := "warn"
	if cfg.General.Log {
		level = "debug"
	}
	logger := logging.NewLogger(level, "text")

	authenticator, err := auth.Load(cfg.Methods.AuthKind(), dir)
	if err != nil {
		return err
	}
	defer authenticator.Close()

	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Error("metrics listener failed", logging.KeyError, err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d := daemon.New(dir, &cfg, serveInbound, authenticator, logger)
	return d.Run(ctx)
}
