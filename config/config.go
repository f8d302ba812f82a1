package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Logger is global since we will need it everywhere
var Logger = slog.Default()

// ExecutionMode names the strategy that drives rasterization for a deployment
type ExecutionMode string

const (
	ExecutionLocal     ExecutionMode = "local"
	ExecutionDelegated ExecutionMode = "delegated"
)

// ServerConfig contains all of the server settings
type ServerConfig struct {
	ListenAddrIP     string
	ListenAddrPort   string
	BaseURL          string
	DatabaseType     string
	DatabaseHost     string
	DatabasePort     string
	DatabaseUser     string
	DatabasePassword string
	DatabaseDbname   string
	DatabaseSslmode  string
	InternalAPIKey   string `json:"-"`
	StatusLocale     string
	BlobConfig
	RenderConfig
	QueueConfig
}

// BlobConfig selects where source documents and page images are written
type BlobConfig struct {
	BlobBackend string // local or gcs
	UploadDir   string // absolute path for the local backend
	GCSBucket   string
	GCSPrefix   string
}

// RenderConfig stores the local rasterization settings
type RenderConfig struct {
	Rasterizer           string // fitz or pdfium
	WorkerConcurrency    int
	StaleProcessingAfter time.Duration
	SweepInterval        time.Duration
	ConverterURL         string
}

// QueueConfig holds the delegated task queue settings, empty QueueRedisAddr means local execution
type QueueConfig struct {
	QueueRedisAddr     string
	QueueRedisPassword string `json:"-"`
	QueueRedisDB       int
	QueueNamespace     string
	TeamConcurrency    int
	IdempotencyTTL     time.Duration
	AccessTokenTTL     time.Duration
	QueuePollInterval  time.Duration
}

// ExecutionMode is decided once from configuration and handed to the executor selector
func (c ServerConfig) ExecutionMode() ExecutionMode {
	if c.QueueRedisAddr != "" {
		return ExecutionDelegated
	}
	return ExecutionLocal
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	boolVal, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return boolVal
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intVal, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intVal
}

// getEnvDuration accepts Go durations ("90s", "15m")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return defaultValue
	}
	return d
}

// SetupServer loads configuration and returns ServerConfig and Logger
func SetupServer() (ServerConfig, *slog.Logger) {
	// Load .env file (silently ignore if doesn't exist)
	_ = godotenv.Load(".env")
	_ = godotenv.Load("config.env")

	logger := setupLogging()
	Logger = logger

	serverConfig := LoadServerConfig()

	logger.Info("Database configuration loaded", "type", serverConfig.DatabaseType)
	logger.Info("Blob storage configured", "backend", serverConfig.BlobBackend, "uploadDir", serverConfig.UploadDir, "bucket", serverConfig.GCSBucket)
	logger.Info("Execution mode selected", "mode", serverConfig.ExecutionMode(), "rasterizer", serverConfig.Rasterizer)

	fmt.Println("\n========================================")
	fmt.Println("   docpages - Document Processing Pipeline")
	fmt.Println("========================================")
	fmt.Printf("Server will start on: %s:%s\n", serverConfig.ListenAddrIP, serverConfig.ListenAddrPort)
	if serverConfig.ListenAddrIP == "" {
		fmt.Println("(Listening on all network interfaces)")
	}
	fmt.Printf("Execution mode: %s\n", serverConfig.ExecutionMode())

	return serverConfig, logger
}

// LoadServerConfig reads the environment without touching logging, used by SetupServer and the worker
func LoadServerConfig() ServerConfig {
	serverConfigLive := ServerConfig{}

	serverConfigLive.ListenAddrPort = getEnv("SERVER_PORT", "8000")
	serverConfigLive.ListenAddrIP = getEnv("SERVER_ADDR", "")
	serverConfigLive.BaseURL = getEnv("BASE_URL", "http://localhost:8000")

	serverConfigLive.DatabaseType = getEnv("DATABASE_TYPE", "sqlite")
	serverConfigLive.DatabaseHost = getEnv("DATABASE_HOST", "localhost")
	serverConfigLive.DatabasePort = getEnv("DATABASE_PORT", "5432")
	serverConfigLive.DatabaseUser = getEnv("DATABASE_USER", "docpages")
	serverConfigLive.DatabasePassword = getEnv("DATABASE_PASSWORD", "")
	serverConfigLive.DatabaseDbname = getEnv("DATABASE_NAME", "databases/docpages.sqlite")
	serverConfigLive.DatabaseSslmode = getEnv("DATABASE_SSLMODE", "disable")

	serverConfigLive.InternalAPIKey = getEnv("INTERNAL_API_KEY", "")
	serverConfigLive.StatusLocale = getEnv("STATUS_LOCALE", "en")

	// Blob storage
	serverConfigLive.BlobBackend = getEnv("BLOB_BACKEND", "local")
	uploadDir, err := filepath.Abs(filepath.ToSlash(getEnv("UPLOAD_DIR", "uploads")))
	if err != nil {
		Logger.Error("Failed creating absolute path for upload directory", "error", err)
	}
	serverConfigLive.UploadDir = uploadDir
	serverConfigLive.GCSBucket = getEnv("GCS_BUCKET", "")
	serverConfigLive.GCSPrefix = getEnv("GCS_PREFIX", "")

	// Rendering
	serverConfigLive.Rasterizer = getEnv("RASTERIZER", "fitz")
	serverConfigLive.WorkerConcurrency = getEnvInt("WORKER_CONCURRENCY", 2)
	if serverConfigLive.WorkerConcurrency < 1 {
		serverConfigLive.WorkerConcurrency = 1
	}
	serverConfigLive.StaleProcessingAfter = getEnvDuration("STALE_PROCESSING_AFTER", 30*time.Minute)
	serverConfigLive.SweepInterval = getEnvDuration("SWEEP_INTERVAL", 5*time.Minute)
	serverConfigLive.ConverterURL = getEnv("CONVERTER_URL", "")

	// Delegated queue, only consulted here
	serverConfigLive.QueueRedisAddr = getEnv("QUEUE_REDIS_ADDR", "")
	serverConfigLive.QueueRedisPassword = getEnv("QUEUE_REDIS_PASSWORD", "")
	serverConfigLive.QueueRedisDB = getEnvInt("QUEUE_REDIS_DB", 0)
	serverConfigLive.QueueNamespace = getEnv("QUEUE_NAMESPACE", "docpages")
	serverConfigLive.TeamConcurrency = getEnvInt("QUEUE_TEAM_CONCURRENCY", 1)
	serverConfigLive.IdempotencyTTL = getEnvDuration("QUEUE_IDEMPOTENCY_TTL", 24*time.Hour)
	serverConfigLive.AccessTokenTTL = getEnvDuration("QUEUE_TOKEN_TTL", time.Hour)
	serverConfigLive.QueuePollInterval = getEnvDuration("QUEUE_POLL_INTERVAL", time.Second)
	if getEnvBool("QUEUE_DISABLED", false) {
		serverConfigLive.QueueRedisAddr = ""
	}

	return serverConfigLive
}

// setupLogging configures the application logger
func setupLogging() *slog.Logger {
	logLevel := getEnv("LOG_LEVEL", "debug")
	var level slog.Level

	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelDebug
	}

	handlerOptions := &slog.HandlerOptions{Level: level}

	logOutput := getEnv("LOG_OUTPUT", "stdout")
	var logWriter io.Writer

	if logOutput == "stdout" {
		logWriter = os.Stdout
	} else {
		logPath, err := filepath.Abs(filepath.ToSlash(getEnv("LOG_FILE", "docpages.log")))
		if err != nil {
			fmt.Printf("Error creating log file path: %v\n", err)
			logWriter = os.Stdout
		} else {
			logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
			if err != nil {
				fmt.Printf("Failed to open log file: %v\n", err)
				logWriter = os.Stdout
			} else {
				logWriter = logFile
				fmt.Println("Logging to file: ", logPath)
			}
		}
	}

	handler := slog.NewTextHandler(logWriter, handlerOptions)
	return slog.New(handler)
}
