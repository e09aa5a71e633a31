package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	broker "github.com/loopwork/ci-oauth-broker"
	"github.com/loopwork/ci-oauth-broker/api"
	"github.com/loopwork/ci-oauth-broker/client"
	"github.com/loopwork/ci-oauth-broker/config"
	"github.com/loopwork/ci-oauth-broker/cookie"
	"github.com/loopwork/ci-oauth-broker/middleware"
	"github.com/loopwork/ci-oauth-broker/store"
	memorystore "github.com/loopwork/ci-oauth-broker/store/memory"
	redisstore "github.com/loopwork/ci-oauth-broker/store/redis"
	"github.com/loopwork/ci-oauth-broker/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	initLogger(cfg)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	tp, err := tracing.InitTracerProvider(cfg.OtelServiceName)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize TracerProvider")
	}

	var credStore store.Store
	if cfg.RedisAddr != "" {
		redisClient := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		credStore = redisstore.New(redisClient, cfg.RedisPrefix)
		log.Info().Str("addr", cfg.RedisAddr).Msg("Using Redis credential store")
	} else {
		credStore = memorystore.New()
		log.Warn().Msg("REDIS_ADDR not set, using in-memory credential store")
	}

	callbackURL := strings.TrimSuffix(cfg.Issuer, "/") + "/oauth/callback"

	service := broker.NewOAuthService(credStore)
	registrar := client.NewRegistrar(credStore)
	upstream := broker.NewUpstreamClient(broker.UpstreamConfig{
		AuthorizationURL: cfg.UpstreamAuthorizationURL,
		TokenURL:         cfg.UpstreamTokenURL,
		UserInfoURL:      cfg.UserInfoEndpoint(),
		ClientID:         cfg.UpstreamClientID,
		ClientSecret:     cfg.UpstreamClientSecret,
		CallbackURL:      callbackURL,
	})
	codec := cookie.NewCodec(cfg.CookieSigningKey)

	oauthAPI := api.NewOAuth2API(service, registrar, upstream, codec, cfg.Issuer)

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(otelecho.Middleware(cfg.OtelServiceName))
	e.Use(requestLogger())

	oauthAPI.RegisterRoutes(e)

	// Protected resource surface: the tool layer mounts behind the token
	// validator.
	e.POST("/mcp", oauthAPI.MCPHandler, middleware.RequireToken(service))
	e.GET("/mcp", oauthAPI.MCPHandler, middleware.RequireToken(service))

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      e,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.HTTPPort).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start HTTP server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("TracerProvider shutdown error")
	}

	log.Info().Msg("Server gracefully stopped")
}

func initLogger(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
		log.Warn().Str("configured_log_level", cfg.LogLevel).Msg("Invalid LOG_LEVEL configured, defaulting to 'info'")
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			log.Info().
				Str("method", c.Request().Method).
				Str("path", c.Request().URL.Path).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Str("ip", c.RealIP()).
				Msg("HTTP request")

			return err
		}
	}
}
