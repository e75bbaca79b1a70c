// Command cwatcherd is the CWatcher fleet-monitoring daemon: it wires
// the Credential Vault, SSH Pool, Command Executor, Collector
// Scheduler, Sample Store, Threshold Evaluator, and Push Fabric into
// one process and serves /ws, /healthz, and /metrics over HTTP.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/valkey-io/valkey-go"

	"github.com/cwatcher/cwatcher/internal/config"
	"github.com/cwatcher/cwatcher/internal/core"
	"github.com/cwatcher/cwatcher/internal/executor"
	"github.com/cwatcher/cwatcher/internal/logging"
	"github.com/cwatcher/cwatcher/internal/metricsexport"
	"github.com/cwatcher/cwatcher/internal/model"
	"github.com/cwatcher/cwatcher/internal/push"
	"github.com/cwatcher/cwatcher/internal/registry"
	"github.com/cwatcher/cwatcher/internal/scheduler"
	"github.com/cwatcher/cwatcher/internal/sink"
	"github.com/cwatcher/cwatcher/internal/sshpool"
	"github.com/cwatcher/cwatcher/internal/store"
	"github.com/cwatcher/cwatcher/internal/threshold"
	"github.com/cwatcher/cwatcher/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	a, err := newApp(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.Start(ctx)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	a.Shutdown()
}

// app holds every long-lived component so shutdown can stop them in
// dependency order: Scheduler first (stop producing), then the Push
// Fabric's HTTP server (stop serving), then the Pool (close SSH
// connections), then the Store/Sink (flush what's left).
type app struct {
	logger *slog.Logger
	cfg    *config.Config

	db       *registry.DB
	reg      *registry.Registry
	pool     *sshpool.Pool
	exec     *executor.Executor
	eval     *threshold.Evaluator
	st       *store.Store
	fabric   *push.Fabric
	sched    *scheduler.Scheduler
	exporter *metricsexport.Exporter
	core     *core.Core

	httpServer *http.Server
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	masterVault, err := vault.New(cfg.MasterKey)
	if err != nil {
		return nil, err
	}

	db, err := registry.Open(cfg)
	if err != nil {
		return nil, err
	}
	reg := registry.New(db, masterVault)

	gin.SetMode(cfg.GinMode)

	hostKeyPol := sshpool.NewHostKeyPolicy(cfg.KnownHostsPath, cfg.AllowTOFU)
	pool := sshpool.New(logger, reg, hostKeyPol, cfg.SSHConnectTimeout, cfg.SSHMaxPerServer)
	exec := executor.New(pool)

	valkeyClient, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{cfg.GetValkeyAddress()},
		Password:    cfg.ValkeyPassword,
	})
	if err != nil {
		return nil, err
	}
	durableSink := sink.New(logger, valkeyClient)
	sampleStore := store.New(logger, durableSink, cfg.SampleRingCapacity)

	eval := threshold.New(thresholdBands(cfg))

	fabric := push.New(logger, sampleStore, cfg.WSMaxConnections, cfg.WSMaxPerIP)

	sched := scheduler.New(logger, exec, sampleStore, eval, fabric.Broadcaster(), cfg.CollectionPeriod)

	exporter := metricsexport.New(newStatsSource(pool, sched, sampleStore, fabric))

	coreAPI := core.New(reg, pool, sampleStore)

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowOrigins:    []string{"*"},
		AllowMethods:    []string{"GET", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "Upgrade", "Connection"},
		AllowWebSockets: true,
	}))
	engine.GET("/ws", fabric.ServeWS)
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", exporter.Handler)

	return &app{
		logger:     logger,
		cfg:        cfg,
		db:         db,
		reg:        reg,
		pool:       pool,
		exec:       exec,
		eval:       eval,
		st:         sampleStore,
		fabric:     fabric,
		sched:      sched,
		exporter:   exporter,
		core:       coreAPI,
		httpServer: &http.Server{Addr: cfg.HTTPAddr, Handler: engine},
	}, nil
}

func (a *app) Start(ctx context.Context) {
	go a.watchRegistry(ctx)

	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("http server stopped", "error", err)
		}
	}()
}

// watchRegistry seeds the Scheduler with every active server at
// startup and re-polls the registry periodically to pick up
// additions/removals, since the registry has no push notification.
func (a *app) watchRegistry(ctx context.Context) {
	const pollInterval = time.Minute

	sync := func() {
		servers, err := a.reg.ListActive(ctx)
		if err != nil {
			a.logger.Error("registry poll failed", "error", err)
			return
		}
		active := make(map[string]bool, len(servers))
		for _, srv := range servers {
			active[srv.ID] = true
			a.sched.AddServer(ctx, srv.ID)
		}
		for _, id := range a.sched.ServerIDs() {
			if !active[id] {
				a.sched.RemoveServer(id)
			}
		}
	}

	sync()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sync()
		}
	}
}

func (a *app) Shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, id := range a.sched.ServerIDs() {
		a.sched.RemoveServer(id)
	}

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http server shutdown error", "error", err)
	}

	a.fabric.Shutdown()

	a.pool.Close()
	a.st.Close()
	if err := a.db.Close(); err != nil {
		a.logger.Warn("database close error", "error", err)
	}

	a.logger.Info("shutdown complete")
}

func thresholdBands(cfg *config.Config) map[model.MetricKind]threshold.Band {
	bands := make(map[model.MetricKind]threshold.Band, len(cfg.ThresholdDefaults))
	for metric, t := range cfg.ThresholdDefaults {
		bands[model.MetricKind(metric)] = threshold.Band{
			Warning:         t.Warning,
			Critical:        t.Critical,
			DebounceSamples: t.DebounceSamples,
		}
	}
	return bands
}
