package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anonto42/dzaleka-online/backend/internal/live"
	"github.com/anonto42/dzaleka-online/backend/internal/router"
	"github.com/anonto42/dzaleka-online/backend/pkg/config"
	"github.com/anonto42/dzaleka-online/backend/pkg/firebase"
	"github.com/anonto42/dzaleka-online/backend/pkg/logging"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const tokenPurgeInterval = time.Hour

func main() {
	// Load configuration
	cfg := config.Load()
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	// Initialize database connections
	db, err := config.InitDB(cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize databases")
	}
	defer db.CloseDB()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Firebase is optional: without it only password and guest sign-in work
	firebaseApp, err := firebase.InitFirebase(ctx, cfg.FirebaseCredentialsPath, cfg.FirebaseStorageBucket)
	if err != nil {
		logging.Warn().Err(err).Msg("Firebase disabled")
		firebaseApp = nil
	}

	broker := live.NewBroker()
	defer broker.Close()

	e := echo.New()
	e.HideBanner = true
	router.SetupMiddleware(e)

	app := &router.App{Config: cfg, DB: db, Firebase: firebaseApp, Broker: broker}
	if err := router.SetupRoutes(e, app); err != nil {
		logging.Fatal().Err(err).Msg("Failed to set up routes")
	}

	if err := app.Posts.EnsureIndexes(ctx); err != nil {
		logging.Fatal().Err(err).Msg("Failed to create post indexes")
	}
	if n, err := app.Posts.MigratePosts(ctx); err != nil {
		logging.Fatal().Err(err).Msg("Failed to migrate posts")
	} else if n > 0 {
		logging.Info().Int64("documents", n).Msg("Migrated legacy posts")
	}

	go watchPosts(ctx, app, broker)
	go purgeTokens(ctx, app)
	go serveMetrics(ctx, cfg.MetricsPort)

	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal().Err(err).Msg("Server stopped")
		}
	}()

	<-ctx.Done()
	logging.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("Graceful shutdown failed")
	}
}

// watchPosts republishes writes made by other instances. Change streams need
// a replica set; on a standalone server the in-process events still flow.
func watchPosts(ctx context.Context, app *router.App, broker *live.Broker) {
	err := app.Posts.WatchChanges(ctx, func() {
		broker.Publish(live.TopicPosts, nil)
	})
	if err != nil {
		logging.Info().Err(err).Msg("Post change stream unavailable")
	}
}

func purgeTokens(ctx context.Context, app *router.App) {
	ticker := time.NewTicker(tokenPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := app.Tokens.PurgeExpired(ctx, now)
			if err != nil {
				logging.Warn().Err(err).Msg("Failed to purge revoked tokens")
				continue
			}
			logging.Debug().Int64("purged", n).Msg("Purged expired revoked tokens")
		}
	}
}

func serveMetrics(ctx context.Context, port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Error().Err(err).Msg("Metrics server stopped")
	}
}
