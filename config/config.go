package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/richinsley/gen2go/engine"
)

// DBConfig holds the history database configuration
type DBConfig struct {
	DSN             string
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	Table           string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds the settings store connection
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Config holds all configuration for the application
type Config struct {
	ComfyServerURL string
	GeminiBaseURL  string
	OpenAIBaseURL  string
	VideoBaseURL   string
	GeminiModel    string
	OpenAIModel    string
	VideoModel     string

	OutputDir         string
	ImageFormat       string
	MaxImageDimension int
	ImageQuality      int

	QueuePollInterval time.Duration
	QueueTimeout      time.Duration
	VideoPollInterval time.Duration
	VideoTimeout      time.Duration

	// "file" or "postgres"
	HistoryBackend string
	HistoryFile    string
	DB             DBConfig

	// "memory" or "redis"
	SettingsBackend string
	Redis           RedisConfig
}

func getString(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

// durations are given in seconds
func getSeconds(key string, def time.Duration) time.Duration {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return time.Duration(v) * time.Second
	}
	return def
}

// Load reads the optional .env files (".env" when none are given) and then
// the environment. Values already set in the environment win.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("error loading %s file: %w", f, err)
		}
	}

	config := &Config{
		ComfyServerURL: getString("COMFY_SERVER_URL", "http://127.0.0.1:8188"),
		GeminiBaseURL:  getString("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com"),
		OpenAIBaseURL:  getString("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		VideoBaseURL:   getString("VIDEO_BASE_URL", "https://api.aimlapi.com"),
		GeminiModel:    getString("GEMINI_MODEL", engine.DefaultGeminiModel),
		OpenAIModel:    getString("OPENAI_MODEL", engine.DefaultOpenAIModel),
		VideoModel:     os.Getenv("VIDEO_MODEL"),

		OutputDir:         getString("OUTPUT_DIR", "output"),
		ImageFormat:       getString("IMAGE_FORMAT", "png"),
		MaxImageDimension: getInt("MAX_IMAGE_DIMENSION", 2048),
		ImageQuality:      getInt("IMAGE_QUALITY", 90),

		QueuePollInterval: getSeconds("QUEUE_POLL_INTERVAL", engine.DefaultQueuePollInterval),
		QueueTimeout:      getSeconds("QUEUE_TIMEOUT", engine.DefaultQueueTimeout),
		VideoPollInterval: getSeconds("VIDEO_POLL_INTERVAL", engine.DefaultVideoPollInterval),
		VideoTimeout:      getSeconds("VIDEO_TIMEOUT", engine.DefaultVideoTimeout),

		HistoryBackend:  getString("HISTORY_BACKEND", "file"),
		SettingsBackend: getString("SETTINGS_BACKEND", "memory"),
	}
	config.HistoryFile = getString("HISTORY_FILE", filepath.Join(config.OutputDir, "history.json"))

	// Load database configuration
	config.DB = DBConfig{
		DSN:             os.Getenv("HISTORY_DSN"),
		Host:            getString("DB_HOST", "localhost"),
		Port:            getInt("DB_PORT", 5432),
		User:            os.Getenv("DB_USER"),
		Password:        os.Getenv("DB_PASSWORD"),
		Database:        os.Getenv("DB_NAME"),
		SSLMode:         getString("DB_SSL_MODE", "disable"),
		Table:           os.Getenv("HISTORY_TABLE"),
		MaxOpenConns:    getInt("DB_MAX_OPEN_CONNS", 5),
		MaxIdleConns:    getInt("DB_MAX_IDLE_CONNS", 2),
		ConnMaxLifetime: getSeconds("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}

	config.Redis = RedisConfig{
		Addr:     getString("REDIS_ADDR", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       getInt("REDIS_DB", 0),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) Validate() error {
	switch c.HistoryBackend {
	case "file":
	case "postgres":
		if c.DB.DSN == "" && (c.DB.User == "" || c.DB.Database == "") {
			return fmt.Errorf("HISTORY_DSN or DB_USER and DB_NAME are required for the postgres history backend")
		}
	default:
		return fmt.Errorf("unknown HISTORY_BACKEND %q", c.HistoryBackend)
	}
	switch c.SettingsBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown SETTINGS_BACKEND %q", c.SettingsBackend)
	}
	if c.ImageFormat != "png" && c.ImageFormat != "jpeg" && c.ImageFormat != "jpg" {
		return fmt.Errorf("IMAGE_FORMAT must be png or jpeg, got %q", c.ImageFormat)
	}
	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *Config) GetDSN() string {
	if c.DB.DSN != "" {
		return c.DB.DSN
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Database, c.DB.SSLMode)
}

// EngineConfig returns the part of the configuration the engine consumes
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		ComfyServerURL:    c.ComfyServerURL,
		GeminiBaseURL:     c.GeminiBaseURL,
		OpenAIBaseURL:     c.OpenAIBaseURL,
		VideoBaseURL:      c.VideoBaseURL,
		GeminiModel:       c.GeminiModel,
		OpenAIModel:       c.OpenAIModel,
		OutputDir:         c.OutputDir,
		ImageFormat:       c.ImageFormat,
		MaxImageDimension: c.MaxImageDimension,
		ImageQuality:      c.ImageQuality,
		QueuePollInterval: c.QueuePollInterval,
		QueueTimeout:      c.QueueTimeout,
		VideoPollInterval: c.VideoPollInterval,
		VideoTimeout:      c.VideoTimeout,
	}
}
