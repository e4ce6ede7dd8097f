package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Storage   StorageConfig
	Recording RecordingConfig
	Pipeline  PipelineConfig
	Recovery  RecoveryConfig
	Retention RetentionConfig
}

// ServerConfig holds operator HTTP API settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings for the job queue.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// StorageConfig holds the S3-compatible object store settings. The
// deployment targets OCI Object Storage through the S3 API, hence the
// endpoint override and path-style addressing.
type StorageConfig struct {
	Region               string
	Endpoint             string
	AccessKeyID          string
	SecretAccessKey      string
	Bucket               string
	PresignExpireMinutes int
}

// RecordingConfig holds local artifact directory settings.
type RecordingConfig struct {
	Dir string // directory where the recorder drops audio chunks
}

// PipelineConfig holds orchestrator polling bounds and the external
// collaborators reached over HTTP.
type PipelineConfig struct {
	CheckInterval     time.Duration
	MaxWait           time.Duration
	WorkerBaseURL     string // transcription/LLM worker service
	WorkerTimeout     time.Duration
	WorkerConcurrency int
	PublishWebhookURL string // chat webhook receiving session summaries
}

// RecoveryConfig holds crash-recovery scanner tuning.
type RecoveryConfig struct {
	GraceWindow       time.Duration // files younger than this may still be written
	SessionWindow     time.Duration // max distance between capture time and session start
	InterSessionDelay time.Duration // serial backoff between recovered sessions
	BootDelay         time.Duration // delay before the startup scan
}

// RetentionConfig holds the janitor's two-threshold eviction policy.
// TriggerGB starts a cleaning cycle, TargetGB stops it; both sit below the
// read-only FreeTierGB ceiling, which is reported for visibility only.
type RetentionConfig struct {
	TriggerGB    float64
	TargetGB     float64
	FreeTierGB   float64
	RecheckEvery int // re-measure usage every N evicted sessions
	Interval     time.Duration
	RawExtension string // bulkiest raw format, the only thing the janitor deletes
	MasterSuffix string // durable master artifact marker, the recency signal
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (DATABASE_URL env), it is used as-is.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "tablescribe"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Storage: StorageConfig{
			Region:               strings.TrimSpace(getEnv("OCI_REGION", "")),
			Endpoint:             strings.TrimSpace(getEnv("OCI_ENDPOINT", "")),
			AccessKeyID:          strings.TrimSpace(getEnv("OCI_ACCESS_KEY_ID", "")),
			SecretAccessKey:      strings.TrimSpace(getEnv("OCI_SECRET_ACCESS_KEY", "")),
			Bucket:               strings.TrimSpace(getEnv("OCI_BUCKET_NAME", "")),
			PresignExpireMinutes: getEnvInt("PRESIGN_EXPIRE_MINUTES", 60),
		},
		Recording: RecordingConfig{
			Dir: getEnv("RECORDINGS_DIR", "recordings"),
		},
		Pipeline: PipelineConfig{
			CheckInterval:     time.Duration(getEnvInt("PIPELINE_CHECK_INTERVAL_SEC", 10)) * time.Second,
			MaxWait:           time.Duration(getEnvInt("PIPELINE_MAX_WAIT_HOURS", 24)) * time.Hour,
			WorkerBaseURL:     strings.TrimRight(getEnv("WORKER_BASE_URL", "http://localhost:9090"), "/"),
			WorkerTimeout:     time.Duration(getEnvInt("WORKER_TIMEOUT_MINUTES", 30)) * time.Minute,
			WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 1),
			PublishWebhookURL: strings.TrimSpace(getEnv("PUBLISH_WEBHOOK_URL", "")),
		},
		Recovery: RecoveryConfig{
			GraceWindow:       time.Duration(getEnvInt("RECOVERY_GRACE_MINUTES", 5)) * time.Minute,
			SessionWindow:     time.Duration(getEnvInt("RECOVERY_SESSION_WINDOW_HOURS", 2)) * time.Hour,
			InterSessionDelay: time.Duration(getEnvInt("RECOVERY_INTER_SESSION_DELAY_SEC", 5)) * time.Second,
			BootDelay:         time.Duration(getEnvInt("RECOVERY_BOOT_DELAY_SEC", 5)) * time.Second,
		},
		Retention: RetentionConfig{
			TriggerGB:    getEnvFloat("RETENTION_TRIGGER_GB", 8.0),
			TargetGB:     getEnvFloat("RETENTION_TARGET_GB", 6.0),
			FreeTierGB:   getEnvFloat("RETENTION_FREE_TIER_GB", 10.0),
			RecheckEvery: getEnvInt("RETENTION_RECHECK_EVERY", 3),
			Interval:     time.Duration(getEnvInt("JANITOR_INTERVAL_HOURS", 24)) * time.Hour,
			RawExtension: getEnv("RETENTION_RAW_EXTENSION", ".flac"),
			MasterSuffix: getEnv("RETENTION_MASTER_SUFFIX", "_master.mp3"),
		},
	}

	if cfg.Retention.TargetGB >= cfg.Retention.TriggerGB {
		return nil, fmt.Errorf("retention target (%.1f GB) must be below trigger (%.1f GB)", cfg.Retention.TargetGB, cfg.Retention.TriggerGB)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
