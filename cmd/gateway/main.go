// Package main is the entry point for one gateway node: it terminates
// client WebSocket connections, enforces per-tenant isolation and rate
// limits, appends published events to the durable stream, fans events
// out across the cluster, and drives webhook delivery with the
// configured guarantee semantics.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowmesh-io/gateway/infrastructure/config"
	"github.com/flowmesh-io/gateway/infrastructure/httputil"
	"github.com/flowmesh-io/gateway/infrastructure/logging"
	"github.com/flowmesh-io/gateway/infrastructure/metrics"
	"github.com/flowmesh-io/gateway/infrastructure/middleware"
	"github.com/flowmesh-io/gateway/infrastructure/ratelimit"
	"github.com/flowmesh-io/gateway/infrastructure/runtime"

	"github.com/flowmesh-io/gateway/internal/connmgr"
	"github.com/flowmesh-io/gateway/internal/delivery"
	"github.com/flowmesh-io/gateway/internal/eventstream"
	"github.com/flowmesh-io/gateway/internal/identity"
	"github.com/flowmesh-io/gateway/internal/registry"
	"github.com/flowmesh-io/gateway/internal/router"
	"github.com/flowmesh-io/gateway/internal/storage"
	"github.com/flowmesh-io/gateway/internal/substrate"
	"github.com/flowmesh-io/gateway/internal/template"
	"github.com/flowmesh-io/gateway/internal/tenant"
	"github.com/flowmesh-io/gateway/internal/types"
)

func main() {
	config.LoadDotEnv("")
	log := logging.NewFromEnv("gateway")
	ctx := context.Background()
	m := metrics.New("gateway")

	jwtSecret := loadJWTSecret(log)

	store, closeSubstrate := mustSubstrate(ctx, log)
	defer closeSubstrate()

	orgs, endpoints, receiptSink, readyCheck := mustPersistence(ctx, log)

	serverID := config.GetEnv("SERVER_ID", uuid.New().String())
	host := config.GetEnv("GATEWAY_HOST", "0.0.0.0")
	port := config.GetEnvInt("PORT", 8080)

	reg := registry.New(store, log, config.GetEnvInt("MAX_CONNECTIONS_PER_NODE", 5000))
	server := types.Server{
		ID: serverID, Host: host, Port: port, Protocol: "ws", Version: "1.0.0",
		StartedAt: time.Now(), LastHeartbeat: time.Now(),
	}
	deregister, err := reg.Register(ctx, server)
	if err != nil {
		log.Fatal(ctx, "server registration failed", err)
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	connCount := func() int { return 0 }
	go reg.Heartbeat(heartbeatCtx, &server, connCount)

	cm := connmgr.New(store, log)
	directory := newSocketDirectory()
	r := router.New(serverID, store, directory, cm.FindUserServer, log, m)
	if err := r.Start(ctx); err != nil {
		log.Fatal(ctx, "router start failed", err)
	}

	maintenance := startMaintenanceScheduler(reg, cm, log)

	enforcer := tenant.New(store, log, tenant.DefaultLimits())
	stream := eventstream.New(store, log, m)
	engine := delivery.New(store, log, m, receiptSink, deliveryHTTPClient())
	templates := template.NewRegistry(defaultTemplates())
	identityExtractor := newCachedExtractor(identity.NewExtractor(identity.DefaultConfig(jwtSecret)), 30*time.Second)

	consumerCtx, stopConsumers := context.WithCancel(ctx)
	consumerPool := newStreamConsumerPool(store, stream, engine, endpoints, log, serverID)
	go consumerPool.Run(consumerCtx)

	handler := newGatewayHandler(enforcer, stream, r, cm, directory, orgs, log)

	deps := &appDeps{
		orgs: orgs, endpoints: endpoints, engine: engine, templates: templates,
		stream: stream, router: r, log: log,
	}

	mx := mux.NewRouter()
	mx.Use(middleware.LoggingMiddleware(log))
	mx.Use(middleware.NewRecoveryMiddleware(log).Handler)
	mx.Use(middleware.MetricsMiddleware("gateway", m))
	mx.Use(middleware.NewCORSMiddleware(&middleware.CORSConfig{
		AllowedOrigins:         config.SplitAndTrimCSV(config.GetEnv("CORS_ALLOWED_ORIGINS", "*")),
		AllowedMethods:         []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:         []string{"Authorization", "Content-Type"},
		AllowCredentials:       true,
		MaxAgeSeconds:          3600,
		PreflightStatus:        http.StatusNoContent,
		RejectDisallowedOrigin: false,
	}).Handler)
	mx.Use(middleware.NewBodyLimitMiddleware(2 << 20).Handler)

	health := middleware.NewHealthChecker("1.0.0")
	health.RegisterCheck("substrate", func() error {
		_, err := store.Get(ctx, "healthz:probe")
		if err == substrate.ErrNotFound {
			return nil
		}
		return err
	})
	if readyCheck != nil {
		health.RegisterCheck("database", readyCheck)
	}
	mx.Handle("/healthz", health.Handler()).Methods(http.MethodGet)
	mx.Handle("/livez", middleware.LivenessHandler()).Methods(http.MethodGet)
	mx.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	mx.HandleFunc("/v1/connect", connectHandler(identityExtractor, handler, cm, serverID, log)).Methods(http.MethodGet)

	api := mx.PathPrefix("").Subrouter()
	api.Use(authMiddleware(identityExtractor))
	registerControlPlaneRoutes(api, deps)

	addr := fmt.Sprintf(":%d", port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mx,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Info(ctx, "gateway node starting", map[string]interface{}{"server_id": serverID, "addr": addr})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(ctx, "http server failed", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info(ctx, "shutting down gateway node", nil)
	stopHeartbeat()
	stopConsumers()
	<-maintenance.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "http server shutdown error", map[string]interface{}{"error": err.Error()})
	}
	engine.Shutdown(shutdownCtx)
	if err := deregister(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "server deregister failed", map[string]interface{}{"error": err.Error()})
	}
}

// loadJWTSecret mirrors the teacher's secret-loading defaults: required
// in strict/production deployments, with an insecure but loud fallback
// for local development and tests.
func loadJWTSecret(log *logging.Logger) []byte {
	if secret := strings.TrimSpace(os.Getenv("JWT_SECRET")); secret != "" {
		if len(secret) < 32 {
			log.Fatal(context.Background(), "JWT_SECRET must be at least 32 bytes", nil)
		}
		return []byte(secret)
	}
	if runtime.StrictIdentityMode() || runtime.IsProduction() {
		log.Fatal(context.Background(), "JWT_SECRET is required in production/strict-identity mode", nil)
	}
	log.Warn(context.Background(), "using insecure default JWT secret, do not use in production", nil)
	return []byte("development-insecure-secret-minimum-32-bytes!!")
}

// mustSubstrate connects to Redis when REDIS_URL is configured, falling
// back to the in-memory substrate for local development; the in-memory
// implementation only coordinates within a single node, so it should
// never be used for a multi-node deployment.
func mustSubstrate(ctx context.Context, log *logging.Logger) (substrate.Substrate, func()) {
	redisURL := strings.TrimSpace(os.Getenv("REDIS_URL"))
	if redisURL == "" {
		log.Warn(ctx, "REDIS_URL not set, using in-memory substrate (single node only)", nil)
		return substrate.NewMemory(), func() {}
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Fatal(ctx, "invalid REDIS_URL", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatal(ctx, "redis ping failed", err)
	}
	return substrate.NewRedis(client), func() { _ = client.Close() }
}

// mustPersistence opens the Postgres-backed repositories when
// DATABASE_URL is configured; otherwise it falls back to in-memory
// stores so the gateway still runs for local development, at the cost
// of losing organizations, endpoints, and receipts on restart.
func mustPersistence(ctx context.Context, log *logging.Logger) (orgStore, endpointStore, delivery.ReceiptSink, func() error) {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		log.Warn(ctx, "DATABASE_URL not set, using in-memory persistence (not durable)", nil)
		return newMemOrgStore(), newMemEndpointStore(), newMemReceiptSink(10000), nil
	}

	db, err := storage.Open(ctx, dsn, config.GetEnvInt("DB_MAX_OPEN_CONNS", 20), config.GetEnvInt("DB_MAX_IDLE_CONNS", 5))
	if err != nil {
		log.Fatal(ctx, "database connect failed", err)
	}
	if err := storage.Migrate(db.DB); err != nil {
		log.Fatal(ctx, "database migration failed", err)
	}
	readyCheck := func() error { return db.PingContext(ctx) }
	return storage.NewOrganizationRepo(db), storage.NewEndpointRepo(db), storage.NewReceiptRepo(db), readyCheck
}

// deliveryHTTPClient builds the outbound client webhook attempts are made
// through, rate limited so a misbehaving tenant's fan-out can't
// monopolize the node's outbound bandwidth.
func deliveryHTTPClient() *http.Client {
	base, err := httputil.NewClient(httputil.ClientConfig{Timeout: 15 * time.Second}, httputil.DefaultClientDefaults())
	if err != nil {
		base = &http.Client{Timeout: 15 * time.Second}
	}
	cfg := ratelimit.RateLimitConfig{
		RequestsPerSecond: float64(config.GetEnvInt("WEBHOOK_OUTBOUND_RPS", 200)),
		Burst:             config.GetEnvInt("WEBHOOK_OUTBOUND_BURST", 400),
		Window:            time.Second,
	}
	limited := ratelimit.NewRateLimitedClient(base, cfg)
	return &http.Client{
		Timeout:   base.Timeout,
		Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) { return limited.Do(req) }),
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
