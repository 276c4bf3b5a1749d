package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghaiht95/genmob/api"
	"github.com/ghaiht95/genmob/app"
	"github.com/ghaiht95/genmob/auth"
	"github.com/ghaiht95/genmob/config"
	"github.com/ghaiht95/genmob/globals"
	"github.com/ghaiht95/genmob/ws"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

var (
	configPath string
	sslCert    string
	sslKey     string
)

func main() {
	log.SetFlags(0)
	defer plugin.CleanupClients()

	flagSet := config.GetFlagSet()
	rootCmd := &cobra.Command{
		Use:          "genmob",
		Short:        "Room and session coordinator for tunnel based game lobbies",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file or directory")
	rootCmd.PersistentFlags().AddFlagSet(flagSet)

	var cmdServe = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		Long:  `serve runs the room coordinator behind the HTTP API and the realtime websocket endpoint, together with the scheduled reconciliation sweep.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := readConfig(flagSet)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmdServe.Flags().StringVar(&sslCert, "ssl-cert", "", "SSL cert (optional)")
	cmdServe.Flags().StringVar(&sslKey, "ssl-key", "", "SSL key (optional)")

	var cmdSweep = &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation sweep and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := readConfig(flagSet)
			if err != nil {
				return err
			}
			a, err := app.Open(cfg, globals.AppLogger, true)
			if err != nil {
				return err
			}
			defer a.Close()
			report, err := a.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	rootCmd.AddCommand(cmdServe, cmdSweep)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		globals.AppLogger.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func readConfig(flagSet *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.ReadConfiguration(configPath, flagSet)
	if err != nil {
		return nil, fmt.Errorf("could not read configuration: %w", err)
	}
	globals.AppLogger.SetLevel(hclog.LevelFromString(cfg.LogLevel))
	return cfg, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := globals.AppLogger
	a, err := app.Open(cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()

	hub := ws.NewHub(logger.Named("ws"))
	a.Coordinator.SetNotifier(hub)

	// realtime connections and the teardown worker outlive the signal until shutdown has drained them
	workerCtx, cancelWorker := context.WithCancel(context.Background())
	defer cancelWorker()
	server := api.NewServer(workerCtx, a.Coordinator, hub, auth.NewAuthenticator(cfg, logger.Named("auth")), logger.Named("api"))
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logger.StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true}),
	}

	if report, err := a.Sweeper.Run(ctx); err != nil {
		logger.Error("startup sweep failed", "error", err)
	} else if len(report.Errors) > 0 {
		logger.Warn("startup sweep finished with errors", "errors", report.Errors)
	}
	if err := a.Sweeper.Start(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Coordinator.Run(workerCtx)
	})
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.Listen, "tls", sslCert != "")
		var err error
		if sslCert != "" && sslKey != "" {
			err = srv.ListenAndServeTLS(sslCert, sslKey)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		hub.Close()
		if _, serr := a.Sweeper.Stop(shutdownCtx); serr != nil {
			logger.Error("final sweep failed", "error", serr)
		}
		a.Coordinator.Shutdown()
		cancelWorker()
		return err
	})
	return g.Wait()
}
