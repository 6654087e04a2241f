package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port    string
	DBPath  string
	DataDir string
	Workers int

	// Chunked uploads
	ChunkSize      int64
	MaxUploadSize  int64
	SmallFileLimit int64
	TransferTTL    time.Duration

	// Image downloads
	DownloadRetries int
	RetryBackoff    time.Duration
	StallTimeout    time.Duration

	// Credential pool: wake backed-off workers when the pool is reloaded
	// with fresh credentials instead of waiting out the backoff window.
	WakeOnReload bool

	ProviderBaseURL string
}

func Load() Config {
	return Config{
		Port:            getEnv("PORT", "8080"),
		DBPath:          getEnv("DB_PATH", "labelling.db"),
		DataDir:         getEnv("DATA_DIR", "data"),
		Workers:         getEnvInt("WORKERS", 5),
		ChunkSize:       getEnvInt64("CHUNK_SIZE", 5*1024*1024),
		MaxUploadSize:   getEnvInt64("MAX_UPLOAD_SIZE", 512*1024*1024),
		SmallFileLimit:  getEnvInt64("SMALL_FILE_LIMIT", 1024*1024),
		TransferTTL:     getEnvDuration("TRANSFER_TTL", 24*time.Hour),
		DownloadRetries: getEnvInt("DOWNLOAD_RETRIES", 3),
		RetryBackoff:    getEnvDuration("RETRY_BACKOFF", 2*time.Second),
		StallTimeout:    getEnvDuration("STALL_TIMEOUT", 15*time.Minute),
		WakeOnReload:    getEnvBool("WAKE_ON_RELOAD", true),
		ProviderBaseURL: getEnv("PROVIDER_BASE_URL", "https://maps.googleapis.com/maps/api/streetview"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
