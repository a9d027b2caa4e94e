package config

import (
	"os"
	"strconv"
	"time"

	"github.com/anonto42/dzaleka-online/backend/pkg/logging"
	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	Env         string
	LogLevel    string
	LogFormat   string
	MetricsPort string

	FirebaseCredentialsPath string
	FirebaseStorageBucket   string
	PostgresConnStr         string
	MongoURI                string
	MongoDatabase           string

	JWTSecret string

	// OpTimeout bounds every call to an external collaborator.
	OpTimeout          time.Duration
	LiveResyncInterval time.Duration

	FeedPageSize     int
	CommentMaxLength int
	StreakTimezone   string

	Cloudinary    CloudinaryConfig
	MediaMaxBytes int64
}

type CloudinaryConfig struct {
	CloudName    string
	UploadPreset string
	APIKey       string
	APISecret    string
}

// Load reads .env (if present) and then the process environment.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		logging.Debug().Msg("No .env file found, assuming environment variables are set.")
	}

	return &Config{
		Port:                    getEnv("PORT", "8080"),
		Env:                     getEnv("ENV", "development"),
		LogLevel:                getEnv("LOG_LEVEL", "info"),
		LogFormat:               getEnv("LOG_FORMAT", "json"),
		MetricsPort:             getEnv("METRICS_PORT", "9090"),
		FirebaseCredentialsPath: getEnv("FIREBASE_CREDENTIALS_PATH", "./firebase_credentials.json"),
		FirebaseStorageBucket:   getEnv("FIREBASE_STORAGE_BUCKET", ""),
		PostgresConnStr:         getEnv("POSTGRES_CONN_STR", ""),
		MongoURI:                getEnv("MONGO_URI", ""),
		MongoDatabase:           getEnv("MONGO_DATABASE", "socialmedia"),
		JWTSecret:               getEnv("JWT_SECRET", "supersecretjwtkey"),
		OpTimeout:               getDuration("OP_TIMEOUT", 10*time.Second),
		LiveResyncInterval:      getDuration("LIVE_RESYNC_INTERVAL", 30*time.Second),
		FeedPageSize:            getInt("FEED_PAGE_SIZE", 10),
		CommentMaxLength:        getInt("COMMENT_MAX_LENGTH", 500),
		StreakTimezone:          getEnv("STREAK_TIMEZONE", "UTC"),
		Cloudinary: CloudinaryConfig{
			CloudName:    getEnv("CLOUDINARY_CLOUD_NAME", ""),
			UploadPreset: getEnv("CLOUDINARY_UPLOAD_PRESET", "ml_default"),
			APIKey:       getEnv("CLOUDINARY_API_KEY", ""),
			APISecret:    getEnv("CLOUDINARY_API_SECRET", ""),
		},
		MediaMaxBytes: int64(getInt("MEDIA_MAX_BYTES", 5<<20)),
	}
}

// IsProduction reports whether the service runs with ENV=production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		logging.Warn().Str("key", key).Str("value", value).Msg("invalid integer setting, using default")
		return defaultValue
	}
	return n
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		logging.Warn().Str("key", key).Str("value", value).Msg("invalid duration setting, using default")
		return defaultValue
	}
	return d
}
