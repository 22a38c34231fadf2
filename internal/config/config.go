package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds runtime configuration for the nodepilot daemon.
type Config struct {
	Environment      string
	Addr             string
	RootDir          string
	DatabasePath     string
	APIToken         string
	EncryptionKey    string
	GitBinary        string
	PM2Binary        string
	InstallTimeout   time.Duration
	BuildTimeout     time.Duration
	CloneTimeout     time.Duration
	StepOutputLimit  int
	VerifyGrace      time.Duration
	VerifyInterval   time.Duration
	SnapshotRetain   time.Duration
	MaxPipelineTime  time.Duration
	NginxConfigDir   string
	NginxReloadCmd   string
	EventBuffer      int
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	WebhookRateLimit int
	SyncOnStart      bool
}

// Load constructs a Config from environment variables.
func Load() Config {
	return Config{
		Environment:      GetString("APP_ENV", "development"),
		Addr:             GetString("NODEPILOT_ADDR", ":4100"),
		RootDir:          GetString("NODEPILOT_ROOT_DIR", "/var/lib/nodepilot"),
		DatabasePath:     GetString("NODEPILOT_DB_PATH", ""),
		APIToken:         GetString("NODEPILOT_API_TOKEN", ""),
		EncryptionKey:    GetString("NODEPILOT_ENCRYPTION_KEY", "supersecuresecret"),
		GitBinary:        GetString("NODEPILOT_GIT_BIN", "git"),
		PM2Binary:        GetString("NODEPILOT_PM2_BIN", "pm2"),
		InstallTimeout:   time.Duration(GetInt("INSTALL_TIMEOUT_SECONDS", 300)) * time.Second,
		BuildTimeout:     time.Duration(GetInt("BUILD_TIMEOUT_SECONDS", 600)) * time.Second,
		CloneTimeout:     time.Duration(GetInt("CLONE_TIMEOUT_SECONDS", 120)) * time.Second,
		StepOutputLimit:  GetInt("STEP_OUTPUT_LIMIT_BYTES", 64*1024),
		VerifyGrace:      time.Duration(GetInt("VERIFY_GRACE_SECONDS", 10)) * time.Second,
		VerifyInterval:   time.Duration(GetInt("VERIFY_POLL_MILLIS", 500)) * time.Millisecond,
		SnapshotRetain:   time.Duration(GetInt("SNAPSHOT_RETENTION_SECONDS", 60)) * time.Second,
		MaxPipelineTime:  time.Duration(GetInt("MAX_PIPELINE_SECONDS", 1800)) * time.Second,
		NginxConfigDir:   GetString("NGINX_CONFIG_DIR", ""),
		NginxReloadCmd:   GetString("NGINX_RELOAD_COMMAND", "nginx -s reload"),
		EventBuffer:      GetInt("WS_EVENT_BUFFER", 100),
		RedisAddr:        GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RedisPassword:    GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RedisDB:          GetInt("RATE_LIMIT_REDIS_DB", 0),
		WebhookRateLimit: GetInt("WEBHOOK_RATE_LIMIT", 30),
		SyncOnStart:      GetBool("SYNC_STATUS_ON_START", true),
	}
}

// GetString retrieves an environment variable or returns a fallback when unset.
func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetInt retrieves an environment variable as integer or returns fallback.
func GetInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// GetBool retrieves an environment variable as bool or returns fallback.
func GetBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}
