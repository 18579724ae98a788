package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"

	"offer-negotiation-api/internal/cache"
	"offer-negotiation-api/internal/config"
	"offer-negotiation-api/internal/database"
	"offer-negotiation-api/internal/events"
	"offer-negotiation-api/internal/features"
	"offer-negotiation-api/internal/handler"
	"offer-negotiation-api/internal/middleware"
	"offer-negotiation-api/internal/realtime"
	"offer-negotiation-api/internal/service"
	"offer-negotiation-api/internal/tracing"
	"offer-negotiation-api/internal/validation"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configFile := flag.String("config", "", "Path to a JSON or YAML config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Failed to load .env: %v", err)
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	infoLog := log.New(os.Stdout, "INFO\t", log.Ldate|log.Ltime)
	errorLog := log.New(os.Stderr, "ERROR\t", log.Ldate|log.Ltime|log.Lshortfile)

	shutdownTracing, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Environment: cfg.Tracing.Environment,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}

	// Initialize database
	db, err := database.NewDB(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	flags := features.NewManager()
	flags.Register(features.FeatureCacheEnabled, cfg.Cache.Enabled, "Cache offer listings and profile names")
	flags.Register(features.FeatureEventHooksEnabled, cfg.Features.EventHooks, "Publish offer lifecycle events")
	flags.Register(features.FeatureRealtimeNotifications, cfg.Features.Realtime, "Push offer events to websocket clients")
	flags.Register(features.FeatureEnforceExpiry, cfg.Features.EnforceExpiry, "Reject transitions on expired offers")

	offerCache := newCache(cfg.Cache, infoLog, errorLog)

	eventManager := events.NewManager(flags.IsEnabled(features.FeatureEventHooksEnabled), errorLog)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var hub *realtime.Hub
	if flags.IsEnabled(features.FeatureRealtimeNotifications) {
		hub = realtime.NewHub(infoLog, errorLog)
		go hub.Run(ctx)
		for _, et := range events.AllOfferEvents {
			eventManager.Subscribe(et, hub.OfferEventHandler())
		}
	}

	svc := service.NewService(db, service.Options{
		Cache:           offerCache,
		CacheTTL:        cfg.Cache.TTLDuration(),
		Events:          eventManager,
		Features:        flags,
		Limits:          validation.Limits{MaxAmount: cfg.Offers.MaxAmount},
		DefaultCurrency: cfg.Offers.DefaultCurrency,
	})

	h := handler.NewHandlerWithOptions(svc, handler.NewHandlerOptions{
		MaxBodySize: cfg.Security.MaxRequestBodySize,
		Hub:         hub,
		Features:    flags,
		ErrorLog:    errorLog,
	})

	// Setup router
	r := chi.NewRouter()

	// Middleware (order matters)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Actor)
	r.Use(middleware.TracingMiddleware(cfg.Tracing.ServiceName))

	if cfg.RateLimit.Enabled {
		rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.Rate, cfg.RateLimit.WindowDuration())
		defer rateLimiter.Stop()
		r.Use(middleware.RateLimitMiddleware(rateLimiter))
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   splitOrigins(cfg.Security.AllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", middleware.ActorHeader},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h.Routes(r)

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
		ErrorLog:     errorLog,
	}

	protocol := "HTTP"
	if cfg.Server.EnableTLS {
		protocol = "HTTPS"
	}
	infoLog.Printf("Starting %s server on %s", protocol, addr)
	infoLog.Printf("Database: %s", db.Driver())
	if cfg.RateLimit.Enabled {
		infoLog.Printf("Rate limit: %d requests per %d seconds", cfg.RateLimit.Rate, cfg.RateLimit.Window)
	}
	for _, f := range flags.List() {
		infoLog.Printf("Feature %s: %t", f.Name, f.Enabled)
	}

	serverErr := make(chan error, 1)
	go func() {
		var err error
		if cfg.Server.EnableTLS {
			err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			errorLog.Printf("Server failed: %v", err)
		}
	case <-ctx.Done():
		infoLog.Println("Shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		errorLog.Printf("Error closing server: %v", err)
	}
	eventManager.Shutdown()
	if closer, ok := offerCache.(interface{ Close() error }); ok {
		closer.Close()
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		errorLog.Printf("Error flushing traces: %v", err)
	}
}

// newCache picks the cache backend. A Redis outage at startup falls back
// to the in-memory cache.
func newCache(cfg config.CacheConfig, infoLog, errorLog *log.Logger) cache.Cache {
	if !cfg.Enabled {
		return cache.Noop{}
	}

	switch cfg.Backend {
	case "redis":
		rc, err := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			errorLog.Printf("Redis unavailable, using in-memory cache: %v", err)
			return cache.NewInMemoryCache()
		}
		infoLog.Printf("Cache: redis at %s", cfg.RedisAddr)
		return rc
	case "none":
		return cache.Noop{}
	default:
		infoLog.Printf("Cache: in-memory")
		return cache.NewInMemoryCache()
	}
}

func splitOrigins(origins string) []string {
	var out []string
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
