// Package app wires configuration, store, tunnel provisioner and coordinator into a runnable process.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/ghaiht95/genmob/config"
	"github.com/ghaiht95/genmob/lobby"
	"github.com/ghaiht95/genmob/persistence"
	"github.com/ghaiht95/genmob/plugins"
	"github.com/ghaiht95/genmob/tunnel"
	"github.com/gofrs/flock"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"
)

// App holds the long-lived parts of a genmob process.
type App struct {
	Config      *config.Config
	Store       *persistence.GormPersist
	Ledger      *persistence.TeardownLedger
	Tunnel      *tunnel.Verified
	Coordinator *lobby.Coordinator
	Sweeper     *lobby.Sweeper

	lock         *flock.Flock
	pluginClient *plugin.Client
	logger       hclog.Logger
}

// Open builds the process. With exclusive set it first takes the process lock, so only one process coordinates
// rooms at a time; read-only tools pass false.
func Open(cfg *config.Config, logger hclog.Logger, exclusive bool) (*App, error) {
	a := &App{Config: cfg, logger: logger}
	if err := a.open(exclusive); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) open(exclusive bool) error {
	cfg, logger := a.Config, a.logger
	if exclusive {
		a.lock = flock.New(cfg.LockPath)
		locked, err := a.lock.TryLock()
		if err != nil {
			return fmt.Errorf("could not take process lock %s: %w", cfg.LockPath, err)
		}
		if !locked {
			a.lock = nil
			return fmt.Errorf("another genmob process holds %s", cfg.LockPath)
		}
	}

	var err error
	a.Store, err = persistence.NewGormPersister(cfg.PersistenceConfig, cfg.RetryConfig, logger.Named("store"))
	if err != nil {
		return err
	}
	a.Ledger, err = persistence.NewTeardownLedger(cfg.PersistenceConfig.TeardownPath)
	if err != nil {
		return err
	}
	provisioner, err := a.provisioner()
	if err != nil {
		return err
	}
	a.Tunnel = tunnel.NewVerified(provisioner, cfg.RetryConfig, logger.Named("tunnel"))
	a.Coordinator, err = lobby.New(a.Store, a.Tunnel, a.Ledger, nil, lobby.OptionsFromConfig(cfg), logger.Named("lobby"))
	if err != nil {
		return err
	}
	a.Sweeper = lobby.NewSweeper(a.Coordinator, lobby.SweepOptionsFromConfig(cfg.SweepConfig), logger.Named("sweep"))
	return nil
}

func (a *App) provisioner() (tunnel.Provisioner, error) {
	tc := a.Config.TunnelConfig
	switch strings.ToLower(tc.Type) {
	case "", "memory":
		a.logger.Warn("using the in-memory tunnel provisioner, credentials are not usable")
		return tunnel.NewMemory(), nil
	case "softether":
		return tunnel.NewSoftEther(tc, a.logger.Named("softether"))
	case "plugin":
		p, client, err := plugins.StartProvisioner(tc, a.logger.Named("plugin"))
		if err != nil {
			return nil, err
		}
		a.pluginClient = client
		return p, nil
	}
	return nil, fmt.Errorf("unknown tunnel type %q", tc.Type)
}

// WithWorker runs fn while the teardown worker is active. Teardowns still queued when fn returns end up in the
// ledger.
func (a *App) WithWorker(ctx context.Context, fn func(ctx context.Context) error) error {
	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Coordinator.Run(workerCtx)
	}()
	err := fn(ctx)
	cancel()
	<-done
	return err
}

// Sweep runs a single reconciliation sweep.
func (a *App) Sweep(ctx context.Context) (*lobby.SweepReport, error) {
	var report *lobby.SweepReport
	err := a.WithWorker(ctx, func(ctx context.Context) error {
		var err error
		report, err = a.Sweeper.Run(ctx)
		return err
	})
	return report, err
}

func (a *App) Close() {
	if a.Coordinator != nil {
		a.Coordinator.Shutdown()
	}
	if a.Ledger != nil {
		if err := a.Ledger.Close(); err != nil {
			a.logger.Error("could not close teardown ledger", "error", err)
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.logger.Error("could not close store", "error", err)
		}
	}
	if a.pluginClient != nil {
		a.pluginClient.Kill()
	}
	if a.lock != nil {
		if err := a.lock.Unlock(); err != nil {
			a.logger.Error("could not release process lock", "error", err)
		}
	}
}
