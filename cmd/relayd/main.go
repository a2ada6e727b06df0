package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ehrlich-b/relaywire/internal/config"
	"github.com/ehrlich-b/relaywire/internal/logger"
	"github.com/ehrlich-b/relaywire/internal/relay"
)

func main() {
	var configPath, logFile, logLevel string

	root := &cobra.Command{
		Use:   "relayd",
		Short: "relaywire relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Init(logLevel, logFile); err != nil {
				return err
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			srv := relay.NewServer(cfg, prometheus.DefaultRegisterer)
			addr := ":" + strconv.Itoa(cfg.Port)
			httpSrv := &http.Server{Addr: addr, Handler: srv}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			go srv.Run(ctx)

			errCh := make(chan error, 1)
			go func() {
				logger.Info("relayd listening", "addr", addr)
				errCh <- httpSrv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				logger.Info("shutting down")
				return httpSrv.Close()
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			}
		},
	}

	root.Flags().StringVar(&configPath, "config", "", "path to an optional YAML config overlay")
	root.Flags().StringVar(&logFile, "log-file", "", "path to a log file (stdout only if empty)")
	root.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
