package router

import (
	"context"
	"fmt"
	"time"

	"github.com/anonto42/dzaleka-online/backend/internal/feed"
	"github.com/anonto42/dzaleka-online/backend/internal/handlers"
	"github.com/anonto42/dzaleka-online/backend/internal/live"
	"github.com/anonto42/dzaleka-online/backend/internal/media"
	"github.com/anonto42/dzaleka-online/backend/internal/middleware"
	"github.com/anonto42/dzaleka-online/backend/internal/models"
	"github.com/anonto42/dzaleka-online/backend/internal/notify"
	"github.com/anonto42/dzaleka-online/backend/internal/repositories"
	"github.com/anonto42/dzaleka-online/backend/internal/session"
	"github.com/anonto42/dzaleka-online/backend/internal/streak"
	"github.com/anonto42/dzaleka-online/backend/internal/validators"
	"github.com/anonto42/dzaleka-online/backend/pkg/config"
	"github.com/anonto42/dzaleka-online/backend/pkg/firebase"
	"github.com/anonto42/dzaleka-online/backend/pkg/logging"
	"github.com/labstack/echo/v4"
	eMiddleware "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// authRate bounds sign-in and verification attempts per client IP.
const authRate = rate.Limit(5)

// SetupMiddleware configures global Echo middleware
func SetupMiddleware(e *echo.Echo) {
	e.HTTPErrorHandler = handlers.ErrorHandler
	e.Validator = validators.NewValidator()
	e.Use(eMiddleware.Recover())
	e.Use(eMiddleware.RequestID())
	e.Use(middleware.RequestLogger())
	e.Use(eMiddleware.CORS())
	logging.Info().Msg("Global middleware configured.")
}

// App is everything SetupRoutes wires together.
type App struct {
	Config   *config.Config
	DB       *config.DB
	Firebase *firebase.App // nil when Firebase is not configured
	Broker   *live.Broker

	Users  *repositories.PostgresUserRepository
	Posts  *repositories.MongoPostRepository
	Tokens repositories.TokenRepository
}

// SetupRoutes migrates the schema, builds repositories and services and
// registers every route
func SetupRoutes(e *echo.Echo, app *App) error {
	cfg := app.Config
	pgdb := app.DB.Postgres

	err := pgdb.AutoMigrate(
		&models.User{},
		&models.Notification{},
		&models.RevokedToken{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto migrate models: %w", err)
	}
	if err := repositories.EnsureUserIndexes(pgdb); err != nil {
		return fmt.Errorf("failed to create user indexes: %w", err)
	}
	logging.Info().Msg("PostgreSQL auto-migrations completed for all models.")

	// --- Repositories ---
	app.Users = repositories.NewPostgresUserRepository(pgdb)
	app.Posts = repositories.NewMongoPostRepository(app.DB.Documents())
	app.Tokens = repositories.NewPostgresTokenRepository(pgdb)
	notificationRepo := repositories.NewPostgresNotificationRepository(pgdb)

	// --- Services ---
	loc, err := time.LoadLocation(cfg.StreakTimezone)
	if err != nil {
		return fmt.Errorf("invalid STREAK_TIMEZONE %q: %w", cfg.StreakTimezone, err)
	}
	streaks := streak.NewService(app.Users, streak.NewCalculator(streak.DefaultAwards, loc))
	mediaStore := newMediaStore(cfg, app.Firebase)

	notifications := notify.NewService(notificationRepo, app.Broker, notify.Options{
		Timeout: cfg.OpTimeout,
		Resync:  cfg.LiveResyncInterval,
	})
	feedService := feed.NewService(feed.Deps{
		Posts:    app.Posts,
		Users:    app.Users,
		Notifier: notifications,
		Activity: streaks,
		Media:    mediaStore,
		Broker:   app.Broker,
	}, feed.Options{
		PageSize:         cfg.FeedPageSize,
		CommentMaxLength: cfg.CommentMaxLength,
		Timeout:          cfg.OpTimeout,
	})

	sessionOpts := session.Options{Broker: app.Broker, Timeout: cfg.OpTimeout}
	if app.Firebase != nil {
		sessionOpts.Verifier = session.NewFirebaseVerifier(app.Firebase.AuthClient)
	}
	sessions := session.NewService(app.Users, app.Tokens, session.NewIssuer(cfg.JWTSecret, session.DefaultTokenTTL), sessionOpts)

	// Health check - always accessible
	health := handlers.NewHealthHandler(map[string]handlers.Check{
		"postgres": func(ctx context.Context) error {
			sqlDB, err := pgdb.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		"mongo": func(ctx context.Context) error {
			return app.DB.Mongo.Ping(ctx, nil)
		},
	})
	e.GET("/health", health.HealthCheck)

	// --- Unprotected routes for authentication ---
	authGroup := e.Group("/api/v1/auth",
		eMiddleware.ContextTimeout(cfg.OpTimeout),
		eMiddleware.RateLimiter(eMiddleware.NewRateLimiterMemoryStore(authRate)),
	)
	authHandler := handlers.NewAuthHandler(sessions)
	authHandler.RegisterAuthRoutes(authGroup)
	logging.Info().Msg("Auth routes configured.")

	// --- Protected routes (require a session token) ---
	api := e.Group("/api/v1")
	api.Use(middleware.JWTAuthMiddleware(sessions))
	act := middleware.RequireVerified()
	member := middleware.RequireAccount()

	// Live sockets must outlive the request timeout, so they sit outside it.
	handlers.NewFeedHandler(feedService, app.Broker, sessions, cfg.FeedPageSize, cfg.LiveResyncInterval).
		RegisterFeedRoutes(api)
	handlers.NewNotificationHandler(notifications, sessions).
		RegisterNotificationRoutes(api, member)
	logging.Info().Msg("Feed and notification routes configured.")

	rest := api.Group("", eMiddleware.ContextTimeout(cfg.OpTimeout))
	authHandler.RegisterSessionRoutes(rest)
	handlers.NewUserHandler(app.Users, feedService, mediaStore, app.Broker, cfg.MediaMaxBytes).
		RegisterProfileRoutes(rest, act)
	handlers.NewPostHandler(feedService, cfg.MediaMaxBytes).RegisterPostRoutes(rest, act)
	handlers.NewLikeHandler(feedService).RegisterLikeRoutes(rest, act)
	handlers.NewCommentHandler(feedService).RegisterCommentRoutes(rest, act)
	logging.Info().Msg("All routes configured.")
	return nil
}

func newMediaStore(cfg *config.Config, fb *firebase.App) *media.Store {
	var (
		uploader media.Uploader
		cloud    media.Deleter
		bucket   media.Deleter
	)
	if cfg.Cloudinary.CloudName != "" {
		c, err := media.NewCloudinary(cfg.Cloudinary, cfg.OpTimeout)
		if err != nil {
			logging.Error().Err(err).Msg("cloudinary client setup failed, image uploads are disabled")
		} else {
			uploader, cloud = c, c
		}
	} else {
		logging.Warn().Msg("CLOUDINARY_CLOUD_NAME not set, image uploads are disabled")
	}
	if fb != nil && fb.Bucket != nil {
		bucket = media.NewBucket(fb.BucketName, fb.Bucket)
	}
	return media.NewStore(uploader, cloud, bucket, cfg.MediaMaxBytes)
}
