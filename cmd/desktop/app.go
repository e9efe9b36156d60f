package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/kimhsiao/stockroom/backend/cmd/desktop/handlers"
	"github.com/kimhsiao/stockroom/backend/internal/config"
	"github.com/kimhsiao/stockroom/backend/internal/crypto"
	"github.com/kimhsiao/stockroom/backend/internal/db"
	"github.com/kimhsiao/stockroom/backend/internal/logging"
	"github.com/kimhsiao/stockroom/backend/internal/models"
	"github.com/kimhsiao/stockroom/backend/internal/network"
	"github.com/kimhsiao/stockroom/backend/internal/platform/spool"
	"github.com/kimhsiao/stockroom/backend/internal/remote"
	"github.com/kimhsiao/stockroom/backend/internal/services"
	syncpkg "github.com/kimhsiao/stockroom/backend/internal/sync"
	"github.com/kimhsiao/stockroom/backend/internal/sync/bookkeeping"
	"github.com/kimhsiao/stockroom/backend/internal/sync/scheduler"
	"github.com/kimhsiao/stockroom/backend/internal/sync/status"
)

// userAgent identifies this backend to the remote API.
const userAgent = "stockroom-desktop"

// App wires the store, the sync engine and the desktop API together.
type App struct {
	cfg *config.Config

	Store     *db.Store
	Books     *bookkeeping.Bookkeeper
	Remote    *remote.Client
	Token     *remote.SettingsToken
	Executor  *syncpkg.Executor
	Scheduler *scheduler.Scheduler
	Monitor   *network.Monitor
	Spool     *spool.Spool // nil when the deferred-task facility is disabled
	Status    *status.Surface
	Offline   *services.OfflineService
	Catalog   *services.CatalogService
	Hub       *WSHub

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// openStore opens the SQLite file under cfg.DataDir and applies migrations.
func openStore(ctx context.Context, cfg *config.Config) (*db.Store, error) {
	conn, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	store := db.NewStore(conn.DB)
	store.OnUnavailable(func(err error) {
		logging.ErrorWithCode("Local store unavailable", "STORAGE_ERROR", err, map[string]interface{}{
			"data_dir": cfg.DataDir,
		})
	})
	if err := store.Open(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// machineID falls back to the host name so the sealed token stays bound to this machine.
func machineID(cfg *config.Config) string {
	if cfg.Remote.MachineID != "" {
		return cfg.Remote.MachineID
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "stockroom"
}

// newApp builds every component without starting background work.
func newApp(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, Store: store, Hub: NewWSHub()}
	a.Books = bookkeeping.New(store)
	a.Token = remote.NewSettingsToken(store, crypto.NewSealer(machineID(cfg)))
	a.Remote = remote.NewClient(cfg.Remote.BaseURL,
		remote.WithToken(a.Token),
		remote.WithTimeout(cfg.Remote.FetchTimeout),
		remote.WithUserAgent(userAgent),
	)

	a.Executor = syncpkg.NewExecutor(a.Books, store, a.Remote, &syncpkg.ExecutorConfig{
		Concurrency:   cfg.Sync.Concurrency,
		RatePerSecond: cfg.Sync.RatePerSecond,
		SubmitTimeout: cfg.Remote.SubmitTimeout,
	})

	a.Monitor = network.NewMonitor(
		network.NewHTTPProber(cfg.Network.ProbeURL, cfg.Network.ProbeTimeout),
		cfg.Network.RecheckInterval,
	)

	var deferred scheduler.Deferred = spool.Unsupported{}
	if cfg.Spool.Enabled {
		a.Spool = spool.New(cfg.Spool.Dir, a.Monitor.IsOnline)
		a.Spool.SetRescanInterval(cfg.Spool.RescanInterval)
		deferred = a.Spool
	}
	a.Scheduler = scheduler.NewScheduler(a.Executor, a.Books, deferred, &scheduler.SchedulerConfig{
		RetryBase:   cfg.Sync.RetryBase,
		RetryMax:    cfg.Sync.RetryMax,
		PassTimeout: cfg.Sync.PassTimeout,
	})

	a.Offline = services.NewOfflineService(store, a.Scheduler)
	a.Catalog = services.NewCatalogService(store, a.Remote, cfg.Remote.FetchTimeout)

	a.Status = status.NewSurface(status.Options{
		Stats:    store,
		Sync:     a.Executor,
		Online:   a.Monitor.IsOnline,
		Degraded: store.Degraded,
		Catalog:  a.Catalog.LastRefresh,
		Interval: cfg.Status.RefreshInterval,
	})

	a.wire()
	return a, nil
}

// wire connects notifications between components.
func (a *App) wire() {
	a.Executor.AddEventHandler(syncpkg.SyncEventHandlerFunc(func(ev syncpkg.SyncEvent) {
		if ev.Type == syncpkg.SyncEventStarted {
			a.Hub.BroadcastSyncStarted(ev.SyncType)
		}
	}))
	a.Executor.OnComplete(func(result *syncpkg.SyncResult) {
		a.Hub.BroadcastSyncResult(result)
		a.Status.Refresh(context.Background())
	})
	a.Status.Subscribe(a.Hub.BroadcastStatus)
	a.Offline.OnRecordAdded(a.Hub.BroadcastRecordQueued)
}

// Start launches the monitor, the scheduler, the spool and the status surface.
func (a *App) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)

	a.Monitor.OnOnline(func() {
		a.Scheduler.SetOnlineStatus(true)
		if a.Spool != nil {
			a.Spool.Kick()
		}
		a.Hub.BroadcastNetwork(true)
		a.refreshCatalog(ctx)
		a.Status.Refresh(ctx)
	})
	a.Monitor.OnOffline(func() {
		a.Scheduler.SetOnlineStatus(false)
		a.Hub.BroadcastNetwork(false)
		a.Status.Refresh(ctx)
	})

	online := a.Monitor.Start(ctx)
	a.Scheduler.Start(ctx, online)

	if a.Spool != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.Spool.Run(ctx, a.Scheduler.HandleDeferred); err != nil {
				logging.Warn("Deferred task spool stopped, sync stays foreground-only", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}()
	}

	a.Status.Start(ctx)
	if online {
		a.refreshCatalog(ctx)
	}

	logging.Info("Stockroom backend started", map[string]interface{}{
		"online":   online,
		"data_dir": a.cfg.DataDir,
		"remote":   a.cfg.Remote.BaseURL,
	})
}

func (a *App) refreshCatalog(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.Catalog.Refresh(ctx); err != nil && ctx.Err() == nil {
			logging.Warn("Catalog refresh skipped", map[string]interface{}{"error": err.Error()})
		}
	}()
}

// Router returns the HTTP API.
func (a *App) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", healthHandler)
	offline := handlers.NewOfflineHandler(a.Offline, a.Catalog, a.Status)
	offline.SetNetwork(a.Monitor)
	offline.SetErrorSource(a.Executor)
	offline.Register(mux)
	mux.HandleFunc("/ws", HandleWebSocket(a.Hub))
	return mux
}

// RunOnce runs a single foreground pass without the scheduler.
func (a *App) RunOnce(ctx context.Context, t models.SyncType) (*models.SyncResult, error) {
	return a.Executor.Run(ctx, t)
}

// Close stops background work and closes the store.
func (a *App) Close() error {
	a.Status.Stop()
	a.Monitor.Stop()
	a.Scheduler.Stop()
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.Hub.Close()
	return a.Store.Close()
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok","service":"stockroom-desktop"}`))
}

// setupLogging initializes the global logger and returns the log file to close, if any.
func setupLogging(cfg *config.Config) io.Closer {
	var (
		out    io.Writer = os.Stderr
		closer io.Closer
	)
	if cfg.Log.File != "" {
		rotating := logging.NewRotatingWriter(logging.RotationConfig{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		})
		out = io.MultiWriter(os.Stderr, rotating)
		closer = rotating
	}
	logging.Init(out, logging.ParseLevel(cfg.Log.Level))
	return closer
}

const shutdownTimeout = 10 * time.Second
