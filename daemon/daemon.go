// Package daemon wires the whole client core together: sqlite store, event
// bus, provenance log, tab registry, read cache and the synchronization
// coordinator, plus a loopback HTTP API for the rendering layer and an
// optional MCP surface for agents.
package daemon

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/basestate/runid/backend"
	"github.com/basestate/runid/bus"
	"github.com/basestate/runid/coord"
	"github.com/basestate/runid/dbopen"
	"github.com/basestate/runid/idgen"
	"github.com/basestate/runid/provenance"
	"github.com/basestate/runid/readcache"
	"github.com/basestate/runid/tabs"
)

// Daemon is the assembled client core.
type Daemon struct {
	cfg    *Config
	logger *slog.Logger

	db        *sql.DB
	bus       *bus.Bus
	store     *backend.Store
	log       *provenance.Log
	tabs      *tabs.Registry
	cache     *readcache.Cache
	coord     *coord.Coordinator
	refresher *backend.Refresher

	noticeMu sync.Mutex
	notices  []string
}

// New assembles a daemon from config. The database is opened (and created)
// here; Run starts the moving parts.
func New(cfg *Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.defaults()

	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		return nil, err
	}

	d := &Daemon{cfg: cfg, logger: logger, db: db}
	d.bus = bus.New(bus.WithLogger(logger))
	d.store, err = backend.New(db, d.bus,
		backend.WithLogger(logger),
		backend.WithHistoryLimit(cfg.HistoryLimit))
	if err != nil {
		db.Close()
		return nil, err
	}
	d.log = provenance.New()
	d.tabs = tabs.New(
		tabs.WithCapacity(cfg.TabCapacity),
		tabs.WithLogger(logger),
		tabs.WithNotifier(d.notice))
	d.cache = readcache.New(d.store, readcache.WithLogger(logger))
	d.coord = coord.New(d.bus, d.log, d.tabs, d.cache,
		coord.WithLogger(logger),
		coord.WithFollowMode(cfg.FollowMode))
	d.refresher = backend.NewRefresher(d.store, cfg.RefreshInterval, logger)
	return d, nil
}

// Store exposes the resource store for the MCP surface.
func (d *Daemon) Store() *backend.Store { return d.store }

// AISession builds the identity attached to this process's MCP mutations.
func (d *Daemon) AISession() backend.AISession {
	return backend.AISession{ID: idgen.NanoID(12)(), Model: d.cfg.MCP.Model}
}

func (d *Daemon) notice(msg string) {
	d.noticeMu.Lock()
	d.notices = append(d.notices, msg)
	d.noticeMu.Unlock()
	d.logger.Warn("daemon: " + msg)
}

// Notices drains the pending user-visible warnings.
func (d *Daemon) Notices() []string {
	d.noticeMu.Lock()
	defer d.noticeMu.Unlock()
	out := d.notices
	d.notices = nil
	return out
}

// Run starts the coordinator, the drift refresher and the HTTP API, then
// blocks until ctx is cancelled and everything has shut down.
func (d *Daemon) Run(ctx context.Context) error {
	d.coord.Start(ctx)
	if err := d.cache.LoadCollections(ctx); err != nil {
		d.logger.Warn("daemon: initial load failed", "error", err)
	}

	refreshDone := make(chan struct{})
	go func() {
		defer close(refreshDone)
		d.refresher.Run(ctx)
	}()

	// The log already prunes on append; the ticker keeps the feed fresh
	// during quiet stretches.
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				d.log.Prune()
			}
		}
	}()

	srv := &http.Server{
		Addr:              d.cfg.HTTPAddr,
		Handler:           d.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		d.logger.Info("daemon: http listening", "addr", d.cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		d.shutdown(refreshDone)
		return err
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		d.logger.Warn("daemon: http shutdown", "error", err)
	}
	d.shutdown(refreshDone)
	return nil
}

func (d *Daemon) shutdown(refreshDone <-chan struct{}) {
	d.coord.Stop()
	d.bus.Close()
	select {
	case <-refreshDone:
	case <-time.After(5 * time.Second):
		d.logger.Warn("daemon: refresher did not stop in time")
	}
	if err := d.db.Close(); err != nil {
		d.logger.Warn("daemon: db close", "error", err)
	}
	d.logger.Info("daemon: stopped")
}

// Close releases resources without Run having been called. Tests only.
func (d *Daemon) Close() error {
	d.coord.Stop()
	d.bus.Close()
	return d.db.Close()
}
