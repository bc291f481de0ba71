package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	LogLevel        slog.Level
	HTTPAddr        string        `validate:"required"`
	ReadTimeout     time.Duration `validate:"gt=0"`
	WriteTimeout    time.Duration `validate:"gt=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`

	APIBaseURL      string `validate:"required,url"`
	SocketURL       string `validate:"required,url"`
	AccessToken     string
	RefreshToken    string
	SnapshotTimeout time.Duration `validate:"gt=0"`

	ReconnectAttempts   int           `validate:"gte=1"`
	ReconnectDelay      time.Duration `validate:"gt=0"`
	ReconnectMaxDelay   time.Duration `validate:"gtefield=ReconnectDelay"`
	OfflinePollInterval time.Duration `validate:"gt=0"`
	// ReconnectReinitLimit caps restarts of an exhausted push channel; -1 disables them.
	ReconnectReinitLimit int `validate:"gte=-1"`

	MapCenterLat  float64 `validate:"gte=-90,lte=90"`
	MapCenterLon  float64 `validate:"gte=-180,lte=180"`
	MapZoom       int     `validate:"gte=0,lte=22"`
	FocusZoom     int     `validate:"gte=0,lte=22"`
	FocusSettle   time.Duration
	MapTheme      string `validate:"oneof=light dark"`
	TileZoomLevel int    `validate:"gte=0,lte=22"`

	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	RecorderEnabled    bool
	DatabaseURL        string `validate:"required_if=RecorderEnabled true"`
	RecorderBatchSize  int    `validate:"gt=0"`
	RecorderFlush      time.Duration
	RecorderBufferSize int `validate:"gt=0"`

	RateLimitPerWindow int           `validate:"gt=0"`
	RateLimitWindow    time.Duration `validate:"gt=0"`
	RateLimitWhitelist []string
}

// Load reads the configuration from the environment. A .env file in the
// working directory is applied first when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := &Config{
		LogLevel:        getLogLevelEnv("LOG_LEVEL", slog.LevelInfo),
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		ReadTimeout:     getDurationEnv("READ_TIMEOUT", 10*time.Second),
		WriteTimeout:    getDurationEnv("WRITE_TIMEOUT", 10*time.Second),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),

		APIBaseURL:      getEnv("FLEET_API_URL", "http://localhost:3000/api"),
		SocketURL:       getEnv("FLEET_SOCKET_URL", "ws://localhost:3000/ws"),
		AccessToken:     os.Getenv("FLEET_ACCESS_TOKEN"),
		RefreshToken:    os.Getenv("FLEET_REFRESH_TOKEN"),
		SnapshotTimeout: getDurationEnv("SNAPSHOT_TIMEOUT", 15*time.Second),

		ReconnectAttempts:    getIntEnv("RECONNECT_ATTEMPTS", 5),
		ReconnectDelay:       getDurationEnv("RECONNECT_DELAY", time.Second),
		ReconnectMaxDelay:    getDurationEnv("RECONNECT_MAX_DELAY", 5*time.Second),
		OfflinePollInterval:  getDurationEnv("OFFLINE_POLL_INTERVAL", 30*time.Second),
		ReconnectReinitLimit: getIntEnv("RECONNECT_REINIT_LIMIT", 5),

		MapCenterLat:  getFloatEnv("MAP_CENTER_LAT", 41.2995),
		MapCenterLon:  getFloatEnv("MAP_CENTER_LON", 69.2401),
		MapZoom:       getIntEnv("MAP_ZOOM", 12),
		FocusZoom:     getIntEnv("FOCUS_ZOOM", 16),
		FocusSettle:   getDurationEnv("FOCUS_SETTLE", time.Second),
		MapTheme:      strings.ToLower(getEnv("MAP_THEME", "dark")),
		TileZoomLevel: getIntEnv("TILE_ZOOM_LEVEL", 14),

		RedisEnabled:  getBoolEnv("REDIS_ENABLED", false),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),
		CacheTTL:      getDurationEnv("CACHE_TTL", 24*time.Hour),

		RecorderEnabled:    getBoolEnv("RECORDER_ENABLED", false),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RecorderBatchSize:  getIntEnv("RECORDER_BATCH_SIZE", 500),
		RecorderFlush:      getDurationEnv("RECORDER_FLUSH_INTERVAL", time.Second),
		RecorderBufferSize: getIntEnv("RECORDER_BUFFER_SIZE", 10000),

		RateLimitPerWindow: getIntEnv("RATE_LIMIT_PER_WINDOW", 120),
		RateLimitWindow:    getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
		RateLimitWhitelist: getCSVEnv("RATE_LIMIT_WHITELIST"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the struct tags on Config.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// DemoMode reports whether the process runs without a backend credential.
func (c *Config) DemoMode() bool {
	return c.AccessToken == ""
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloatEnv(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBoolEnv(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func getLogLevelEnv(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}

	switch strings.ToLower(v) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return defaultVal
	}
}

func getCSVEnv(key string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}

	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			result = append(result, t)
		}
	}
	return result
}
