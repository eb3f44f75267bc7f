package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/adgenius/carousel-tv/internal/clock"
	"github.com/adgenius/carousel-tv/internal/config"
	"github.com/adgenius/carousel-tv/internal/database"
	"github.com/adgenius/carousel-tv/internal/docstore"
	"github.com/adgenius/carousel-tv/internal/events"
	"github.com/adgenius/carousel-tv/internal/handler"
	"github.com/adgenius/carousel-tv/internal/identity"
	"github.com/adgenius/carousel-tv/internal/jobs"
	"github.com/adgenius/carousel-tv/internal/middleware"
	"github.com/adgenius/carousel-tv/internal/pairing"
	"github.com/adgenius/carousel-tv/internal/redis"
	"github.com/adgenius/carousel-tv/internal/service"
	"github.com/adgenius/carousel-tv/internal/sse"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if isatty.IsTerminal(os.Stderr.Fd()) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	if cfg.JWTSecret == "" {
		log.Warn().Msg("JWT_SECRET is empty: every authenticated request will be rejected")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}
	cancel()
	log.Info().Msg("database connected")

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	var publisher events.Publisher = events.Nop{}
	if cfg.AMQPURL != "" {
		amqpPublisher, err := events.NewAMQPPublisher(cfg.AMQPURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to amqp broker")
		}
		defer amqpPublisher.Close()
		publisher = amqpPublisher
		log.Info().Msg("amqp connected")
	}

	store := docstore.NewSQL(db.DB, redisClient)
	defer store.Close()

	broker := sse.NewBroker(redisClient)
	defer broker.Close()

	clk := clock.New()
	limiter := service.NewRateLimiter(redisClient.Client)

	setupService := service.NewSetupService(store, broker, service.SetupOptions{
		Session: pairing.Options{
			TTL:         cfg.PairingTTL(),
			MaxAttempts: cfg.PairingMaxAttempts,
			Clock:       clk,
			LinkBaseURL: cfg.LinkBaseURL,
		},
		Retention:    config.SetupRetention,
		AbandonAfter: config.SetupAbandonAfter,
	})
	defer setupService.Close()

	linkService := service.NewLinkService(store, limiter, publisher, service.LinkOptions{
		TTL:        cfg.PairingTTL(),
		ClaimLimit: cfg.ClaimRateLimitPerMin,
		Clock:      clk,
	})
	carouselService := service.NewCarouselService(store, clk)

	authMiddleware := middleware.NewAuthMiddleware(identity.NewVerifier(cfg.JWTSecret))
	rateLimitMiddleware := middleware.NewRateLimitMiddleware(config.DefaultRateLimitPerMin)
	setupLimitMiddleware := middleware.NewIPRateLimitMiddleware(limiter, config.SetupStartLimitPerMin, time.Minute, "setup")
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)

	healthHandler := handler.NewHealthHandler(config.DBPingTimeout, map[string]handler.Pinger{
		"database": db,
		"redis": handler.PingFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}),
	})
	setupHandler := handler.NewSetupHandler(setupService, broker)
	devicesHandler := handler.NewDevicesHandler(linkService, broker)
	carouselsHandler := handler.NewCarouselsHandler(carouselService)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(securityHeadersMiddleware.Handler)
	r.Use(bodyLimitMiddleware.Handler)

	r.Get("/health", healthHandler.ServeHTTP)

	// Event streams are exempt from the request timeout.
	requestTimeout := chimiddleware.Timeout(config.ServerRequestTimeout)

	r.Mount("/v1/setup", setupHandler.Routes(setupLimitMiddleware.Handler, requestTimeout))

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handler)
		r.Use(rateLimitMiddleware.Handler)
		r.Mount("/v1/devices", devicesHandler.Routes(requestTimeout))
		r.With(requestTimeout).Get("/v1/locations/{locationId}/carousel", carouselsHandler.Preview)
	})

	sweeper := jobs.NewExpirySweeper(store, cfg.PairingTTL(), clk)
	cleanupJob := jobs.NewCleanupJob(config.ExpirySweepInterval,
		jobs.Task{Name: "expired pairing codes", Run: sweeper.Sweep},
		jobs.Task{Name: "finished setup sessions", Run: setupService.Prune},
	)
	cleanupJob.Start()
	defer cleanupJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
