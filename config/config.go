package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	AWS      AWSConfig
	Media    MediaConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
	PublicBaseURL      string // used when building stream URLs in responses
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

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AWSConfig holds AWS credentials, bucket names and object-store policy.
type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	// BackupBuckets receive best-effort replicas after a primary upload
	// succeeds; outcomes are logged, never awaited.
	BackupBuckets []string
	// ObjectLimitMB is the per-object size ceiling; larger files are
	// split into ordered parts.
	ObjectLimitMB int
}

// MediaConfig holds transcoding tools, on-disk layout and pipeline policy.
type MediaConfig struct {
	FFmpegPath  string
	FFprobePath string
	UploadDir   string // originals, per-video subdirectory
	HLSDir      string // generated segments, per-video subdirectory
	TempDir     string
	// BackupSegments enables best-effort cloud backup of segment files
	// after encoding.
	BackupSegments bool
	// ForceCleanup deletes local artifacts even when their cloud copy is
	// unconfirmed.
	ForceCleanup bool
	// PreferSegmentsOverMB: chunked cloud records larger than this are
	// served via the local manifest (when one exists) instead of being
	// streamed part-by-part from the store.
	PreferSegmentsOverMB int
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// ObjectLimit returns the per-object ceiling in bytes.
func (c AWSConfig) ObjectLimit() int64 {
	return int64(c.ObjectLimitMB) * 1024 * 1024
}

// PreferSegmentsOver returns the segmented-delivery threshold in bytes.
func (c MediaConfig) PreferSegmentsOver() int64 {
	return int64(c.PreferSegmentsOverMB) * 1024 * 1024
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "300"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
			PublicBaseURL:      getEnv("PUBLIC_BASE_URL", ""),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", "postgres://localhost:5432/streamvault?sslmode=disable"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "streamvault"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			Bucket:          getEnv("AWS_S3_BUCKET", "streamvault-videos"),
			BackupBuckets:   splitTrim(getEnv("AWS_S3_BACKUP_BUCKETS", ""), ","),
			ObjectLimitMB:   getEnvInt("AWS_S3_OBJECT_LIMIT_MB", 50),
		},
		Media: MediaConfig{
			FFmpegPath:           getEnv("FFMPEG_PATH", "ffmpeg"),
			FFprobePath:          getEnv("FFPROBE_PATH", "ffprobe"),
			UploadDir:            getEnv("UPLOAD_DIR", "data/uploads"),
			HLSDir:               getEnv("HLS_DIR", "data/hls"),
			TempDir:              getEnv("TEMP_DIR", "data/temp"),
			BackupSegments:       getEnvBool("BACKUP_SEGMENTS", true),
			ForceCleanup:         getEnvBool("FORCE_CLEANUP", false),
			PreferSegmentsOverMB: getEnvInt("PREFER_SEGMENTS_OVER_MB", 500),
		},
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

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}
