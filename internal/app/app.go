// Package app wires the Nightscout provider, history store, run log and HTTP API
// around the dosing algorithm.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mrcode/nightscout-loop/internal/audit"
	"github.com/mrcode/nightscout-loop/internal/log"
	"github.com/mrcode/nightscout-loop/internal/loop"
	"github.com/mrcode/nightscout-loop/internal/metrics"
	"github.com/mrcode/nightscout-loop/internal/models"
	"github.com/mrcode/nightscout-loop/internal/nightscout"
	"github.com/mrcode/nightscout-loop/internal/server"
	"github.com/mrcode/nightscout-loop/internal/store"
)

// Options selects which parts of the application run
type Options struct {
	Serve      bool
	Nightscout bool
	// Interval overrides Settings.RefreshInterval when positive.
	Interval time.Duration
}

// App struct represents the running application
type App struct {
	settings *models.Settings
	opts     Options
	stats    *metrics.Stats
	store    *store.Store
	audit    *audit.Log
	client   *nightscout.Client
	service  *Service
	server   *server.Server
}

// New opens the configured storage and builds the enabled components
func New(settings *models.Settings, opts Options) (*App, error) {
	if !opts.Serve && !opts.Nightscout {
		return nil, errors.New("nothing to run: enable the HTTP API or the Nightscout loop")
	}
	if opts.Nightscout && !settings.IsConfigured() {
		return nil, errors.New("nightscoutUrl is not configured")
	}

	a := &App{
		settings: settings.Clone(),
		opts:     opts,
		stats:    metrics.NewStats(),
	}

	if a.settings.AuditPath != "" {
		auditLog, err := audit.Open(a.settings.AuditPath)
		if err != nil {
			return nil, fmt.Errorf("opening audit log: %w", err)
		}
		a.audit = auditLog
	}

	if opts.Nightscout {
		if a.settings.StorePath != "" {
			st, err := store.New(a.settings.StorePath)
			if err != nil {
				_ = a.Close()
				return nil, fmt.Errorf("opening history store: %w", err)
			}
			a.store = st
		}
		a.client = nightscout.NewClientFromSettings(a.settings)
		provider := nightscout.NewProvider(a.client)
		a.service = NewService(a.settings, provider, a.store, a.audit, a.stats)
	}

	if opts.Serve {
		a.server = server.New(a.settings.ListenAddr, loop.NewAlgorithm(AlgorithmConfig(a.settings)), a.audit, a.stats)
	}
	return a, nil
}

func (a *App) interval() time.Duration {
	if a.opts.Interval > 0 {
		return a.opts.Interval
	}
	return time.Duration(a.settings.RefreshInterval) * time.Second
}

// Run blocks until ctx is cancelled or a component fails
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	if a.server != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.server.Start(ctx); err != nil {
				errCh <- fmt.Errorf("http server: %w", err)
				cancel()
			}
		}()
	}
	if a.service != nil {
		a.checkConnection(ctx)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.service.Start(ctx, a.interval()); err != nil {
				errCh <- fmt.Errorf("control loop: %w", err)
				cancel()
			}
		}()
	}

	wg.Wait()
	close(errCh)
	return errors.Join(drain(errCh)...)
}

func drain(ch <-chan error) []error {
	var errs []error
	for err := range ch {
		errs = append(errs, err)
	}
	return errs
}

// checkConnection logs the server and its latest reading; failures are left to the control loop
func (a *App) checkConnection(ctx context.Context) {
	status, err := a.client.GetStatus(ctx)
	if err != nil {
		log.Warnf("Nightscout is not reachable yet: %v", err)
		return
	}
	log.Infow("Connected to Nightscout", "name", status.Name, "version", status.Version)

	entry, err := a.client.GetCurrentEntry(ctx)
	if err != nil {
		log.Warnf("Error fetching current glucose: %v", err)
		return
	}
	log.Infow("Current glucose", "sgv", entry.SGV, "direction", entry.Direction, "at", entry.Time())
}

// Close releases the store and the run log
func (a *App) Close() error {
	var errs []error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		log.Errorf("Error closing storage: %v", err)
		return err
	}
	return nil
}
