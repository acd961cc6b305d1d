package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Database
	SQLiteDBPath string

	// File store
	FileStoreBackend   string
	FileStoreDir       string
	GCSBucket          string
	GCSPrefix          string
	GCSCredentialsFile string

	// AMQP, disabled when AMQPURL is empty
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Imports
	ImportTimeout      time.Duration
	ImportStuckTimeout time.Duration
	ImportPollInterval time.Duration

	// Summaries
	SummaryInterval     time.Duration
	SummaryFullInterval time.Duration

	// Auto clean
	AutoCleanInterval   time.Duration
	AutoCleanRetainDays int

	// Scheduled backups, off when BackupInterval is zero
	BackupInterval time.Duration
	BackupCompress bool

	// Logging
	LogLevel  string
	LogFormat string
}

func Load() *Config {
	return &Config{
		SQLiteDBPath: getEnv("SQLITE_DB_PATH", "./data/ledger.db"),

		FileStoreBackend:   getEnv("FILE_STORE_BACKEND", "local"),
		FileStoreDir:       getEnv("FILE_STORE_DIR", "./data/files"),
		GCSBucket:          getEnv("GCS_BUCKET", ""),
		GCSPrefix:          getEnv("GCS_PREFIX", ""),
		GCSCredentialsFile: getEnv("GCS_CREDENTIALS_FILE", ""),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "ledger"),
		AMQPQueue:    getEnv("AMQP_QUEUE", "import_ready"),

		ImportTimeout:      getEnvDuration("IMPORT_TIMEOUT", 2*time.Minute),
		ImportStuckTimeout: getEnvDuration("IMPORT_STUCK_TIMEOUT", 15*time.Minute),
		ImportPollInterval: getEnvDuration("IMPORT_POLL_INTERVAL", 30*time.Second),

		SummaryInterval:     getEnvDuration("SUMMARY_INTERVAL", 5*time.Minute),
		SummaryFullInterval: getEnvDuration("SUMMARY_FULL_INTERVAL", time.Hour),

		AutoCleanInterval:   getEnvDuration("AUTO_CLEAN_INTERVAL", 24*time.Hour),
		AutoCleanRetainDays: getEnvInt("AUTO_CLEAN_RETAIN_DAYS", 7),

		BackupInterval: getEnvDuration("BACKUP_INTERVAL", 0),
		BackupCompress: getEnvBool("BACKUP_COMPRESS", true),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	if c.SQLiteDBPath == "" {
		errors = append(errors, "SQLite database path cannot be empty")
	} else if err := ensureDir(filepath.Dir(c.SQLiteDBPath)); err != nil {
		errors = append(errors, fmt.Sprintf("cannot create SQLite database directory: %v", err))
	}

	validBackends := []string{"local", "gcs"}
	if !slices.Contains(validBackends, c.FileStoreBackend) {
		errors = append(errors, fmt.Sprintf("invalid file store backend '%s': must be one of %v", c.FileStoreBackend, validBackends))
	}
	switch c.FileStoreBackend {
	case "local":
		if c.FileStoreDir == "" {
			errors = append(errors, "FILE_STORE_DIR cannot be empty when using local file store")
		}
	case "gcs":
		if c.GCSBucket == "" {
			errors = append(errors, "GCS_BUCKET is required when using gcs file store")
		}
		if c.GCSCredentialsFile != "" {
			if _, err := os.Stat(c.GCSCredentialsFile); os.IsNotExist(err) {
				errors = append(errors, fmt.Sprintf("GCS credentials file does not exist: %s", c.GCSCredentialsFile))
			}
		}
	}

	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	if c.ImportTimeout < time.Second {
		errors = append(errors, fmt.Sprintf("invalid import timeout %v: must be at least 1 second", c.ImportTimeout))
	}
	if c.ImportStuckTimeout <= c.ImportTimeout {
		errors = append(errors, fmt.Sprintf("invalid import stuck timeout %v: must be longer than the import timeout %v", c.ImportStuckTimeout, c.ImportTimeout))
	}

	intervals := []struct {
		name  string
		value time.Duration
	}{
		{"import poll", c.ImportPollInterval},
		{"summary", c.SummaryInterval},
		{"summary full", c.SummaryFullInterval},
		{"auto clean", c.AutoCleanInterval},
	}
	for _, iv := range intervals {
		if iv.value < time.Second {
			errors = append(errors, fmt.Sprintf("invalid %s interval %v: must be at least 1 second", iv.name, iv.value))
		} else if iv.value > 7*24*time.Hour {
			errors = append(errors, fmt.Sprintf("invalid %s interval %v: must be at most 7 days", iv.name, iv.value))
		}
	}

	if c.AutoCleanRetainDays < 0 {
		errors = append(errors, fmt.Sprintf("invalid auto clean retain days %d: cannot be negative", c.AutoCleanRetainDays))
	}
	if c.BackupInterval != 0 && c.BackupInterval < time.Minute {
		errors = append(errors, fmt.Sprintf("invalid backup interval %v: must be 0 or at least 1 minute", c.BackupInterval))
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.LogLevel)) {
		errors = append(errors, fmt.Sprintf("invalid log level '%s'", c.LogLevel))
	}
	if !slices.Contains([]string{"text", "json"}, strings.ToLower(c.LogFormat)) {
		errors = append(errors, fmt.Sprintf("invalid log format '%s': must be text or json", c.LogFormat))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

func ensureDir(dir string) error {
	if dir == "." || dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
