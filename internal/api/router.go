package api

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/iotfoundry/tenantflow/internal/api/handlers"
	mw "github.com/iotfoundry/tenantflow/internal/api/middleware"
	"github.com/iotfoundry/tenantflow/internal/broker"
	"github.com/iotfoundry/tenantflow/internal/config"
	"github.com/iotfoundry/tenantflow/internal/domain"
	"github.com/iotfoundry/tenantflow/internal/proxy"
	"github.com/iotfoundry/tenantflow/internal/service"
	"github.com/iotfoundry/tenantflow/internal/store"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// App holds the router plus the provisioner handle the entrypoint uses for
// the boot-time bulk resync.
type App struct {
	Router      *chi.Mux
	Provisioner domain.ACLProvisioner

	startTime    time.Time
	requestCount atomic.Int64
	errorCount   atomic.Int64
}

func NewApp(db *pgxpool.Pool, engine domain.ContainerEngine, buckets domain.BucketTokenSource, logger *zap.Logger) *App {
	// Stores
	tenantStore := store.NewTenantStore(db)
	containerStore := store.NewContainerStore(db)
	namespaceStore := store.NewNamespaceStore(db)
	credentialStore := store.NewCredentialStore(db)

	// Broker and proxy configurators
	provisioner := broker.NewProvisioner(
		credentialStore,
		config.MosquittoPasswdPath(),
		config.MosquittoACLPath(),
		broker.ReloadCommand(config.MosquittoReloadCommand()),
		logger,
	)
	proxyConf := proxy.NewConfigurator(config.NginxRoutesPath(), config.NginxReloadCommand(), logger)

	// Services
	brokerSvc := service.NewBrokerService(
		namespaceStore,
		credentialStore,
		provisioner,
		config.DeviceCredentialLimit(),
		logger,
	)
	lifecycleSvc := service.NewLifecycleService(
		containerStore,
		engine,
		proxyConf,
		brokerSvc,
		buckets,
		config.BrokerAddr(),
		config.EngineTimeout(),
		logger,
	)

	// Handlers
	tenantHandler := handlers.NewTenantHandler(tenantStore)
	containerHandler := handlers.NewContainerHandler(lifecycleSvc)
	deviceHandler := handlers.NewDeviceHandler(brokerSvc)

	r := chi.NewRouter()

	app := &App{
		Router:      r,
		Provisioner: provisioner,
		startTime:   time.Now(),
	}

	// Global middleware (order matters)
	r.Use(mw.RequestID)
	r.Use(middleware.RealIP)
	r.Use(mw.CountRequests(&app.requestCount, &app.errorCount))
	r.Use(mw.Logging(logger))
	r.Use(middleware.Recoverer)
	r.Use(mw.RateLimit(config.RateLimitRPS(), config.RateLimitBurst()))

	// Health (no auth)
	r.Get("/health", healthHandler(db))

	// Metrics (no auth)
	r.Get("/metrics", app.metricsHandler())

	// Tenant creation (no auth - bootstrap endpoint)
	r.Post("/v1/tenants", tenantHandler.Create)

	// Authenticated routes
	r.Route("/v1", func(r chi.Router) {
		r.Use(mw.APIKeyAuth(tenantStore))

		r.Route("/nodered", func(r chi.Router) {
			r.Get("/", containerHandler.GetState)
			r.Post("/create", containerHandler.Create)
			r.Post("/stop", containerHandler.Stop)
			r.Post("/restart", containerHandler.Restart)
			r.Post("/open", containerHandler.Open)
		})

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", deviceHandler.List)
			r.Post("/", deviceHandler.Create)
			r.Delete("/{username}", deviceHandler.Delete)
		})

		r.Route("/broker", func(r chi.Router) {
			r.Get("/bridge", deviceHandler.Bridge)
			r.Get("/topics", deviceHandler.Topics)
		})
	})

	return app
}

func healthHandler(db *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": err.Error()})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

func (app *App) metricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)

		uptime := time.Since(app.startTime)

		response := map[string]any{
			"uptime_seconds": uptime.Seconds(),
			"uptime_human":   uptime.Round(time.Second).String(),
			"request_count":  app.requestCount.Load(),
			"error_count":    app.errorCount.Load(),
			"goroutines":     runtime.NumGoroutine(),
			"memory": map[string]any{
				"alloc_mb":       float64(memStats.Alloc) / 1024 / 1024,
				"total_alloc_mb": float64(memStats.TotalAlloc) / 1024 / 1024,
				"sys_mb":         float64(memStats.Sys) / 1024 / 1024,
				"num_gc":         memStats.NumGC,
			},
			"go_version": runtime.Version(),
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(response)
	}
}

// Ensure stores satisfy their domain interfaces at compile time.
var (
	_ domain.TenantStore     = (*store.TenantStore)(nil)
	_ domain.ContainerStore  = (*store.ContainerStore)(nil)
	_ domain.NamespaceStore  = (*store.NamespaceStore)(nil)
	_ domain.CredentialStore = (*store.CredentialStore)(nil)
	_ domain.InfluxStore     = (*store.InfluxStore)(nil)
	_ domain.ACLProvisioner  = (*broker.Provisioner)(nil)

	_ domain.ProxyConfigurator = (*proxy.Configurator)(nil)
)
