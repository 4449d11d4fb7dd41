// Package config loads the scanner's runtime configuration from the
// environment (optionally backed by a .env file in development),
// following the teacher's getEnv/getEnvInt/getEnvBool convention.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

func generateWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "scanner"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

// Config is the scanner process's full runtime configuration.
type Config struct {
	Environment string
	WorkerID    string

	// Ingress (§6.1)
	ListenAddr  string
	ScanTimeout time.Duration

	// Ingress guard (pkg/ratelimit): global concurrency cap, per-source-IP
	// rate, per-queue-id debounce
	IngressMaxConcurrent    int
	IngressRequestsPerSec   int
	IngressBurstSize        int
	IngressDebounceSec      int
	IngressMaxHeaderRepeats int

	// Fuzzy worker (§4.5/§6.2)
	FuzzyListenAddr  string
	FuzzyAllowedCIDR []string
	FuzzySyncPeers   []string
	FuzzyHashTTL     time.Duration

	// KV backend upstream pool (§4.7 component G)
	UpstreamStrategy    string
	UpstreamAddrs       []string
	UpstreamSlaveAddrs  []string
	UpstreamMaxErrors   int
	UpstreamDeadTimeSec int

	// pkg/connpool (component H)
	ConnPoolMaxPerBucket int
	ConnPoolIdleTimeout  time.Duration

	// Statistical classifier (component F)
	ClassifierMinTokens  int
	ClassifierMaxTokens  int
	ClassifierOSBWindow  int
	ClassifierWeight     float64
	ClassifierLearnCache int

	LogLevel string
}

// Load reads configuration from the environment, loading a .env file
// first when present (development convenience; silently ignored in
// production where no file exists).
func Load() (*Config, error) {
	_ = godotenv.Load()

	return &Config{
		Environment: getEnv("ENV", "development"),
		WorkerID:    getEnv("WORKER_ID", generateWorkerID()),

		ListenAddr:  getEnv("LISTEN_ADDR", ":11333"),
		ScanTimeout: time.Duration(getEnvInt("SCAN_TIMEOUT_SEC", 10)) * time.Second,

		IngressMaxConcurrent:    getEnvInt("INGRESS_MAX_CONCURRENT", 100),
		IngressRequestsPerSec:   getEnvInt("INGRESS_REQUESTS_PER_SEC", 10),
		IngressBurstSize:        getEnvInt("INGRESS_BURST_SIZE", 20),
		IngressDebounceSec:      getEnvInt("INGRESS_DEBOUNCE_SEC", 60),
		IngressMaxHeaderRepeats: getEnvInt("INGRESS_MAX_HEADER_REPEATS", 50),

		FuzzyListenAddr:  getEnv("FUZZY_LISTEN_ADDR", ":11335"),
		FuzzyAllowedCIDR: getEnvSlice("FUZZY_ALLOWED_CIDR", []string{"127.0.0.1/32"}),
		FuzzySyncPeers:   getEnvSlice("FUZZY_SYNC_PEERS", nil),
		FuzzyHashTTL:     time.Duration(getEnvInt("FUZZY_HASH_TTL_DAYS", 30)) * 24 * time.Hour,

		UpstreamStrategy:    getEnv("UPSTREAM_STRATEGY", "round_robin"),
		UpstreamAddrs:       getEnvSlice("UPSTREAM_ADDRS", []string{"127.0.0.1:6379"}),
		UpstreamSlaveAddrs:  getEnvSlice("UPSTREAM_SLAVE_ADDRS", nil),
		UpstreamMaxErrors:   getEnvInt("UPSTREAM_MAX_ERRORS", 5),
		UpstreamDeadTimeSec: getEnvInt("UPSTREAM_DEAD_TIME_SEC", 30),

		ConnPoolMaxPerBucket: getEnvInt("CONN_POOL_MAX_PER_BUCKET", 100),
		ConnPoolIdleTimeout:  time.Duration(getEnvInt("CONN_POOL_IDLE_TIMEOUT_SEC", 60)) * time.Second,

		ClassifierMinTokens:  getEnvInt("CLASSIFIER_MIN_TOKENS", 11),
		ClassifierMaxTokens:  getEnvInt("CLASSIFIER_MAX_TOKENS", 10000),
		ClassifierOSBWindow:  getEnvInt("CLASSIFIER_OSB_WINDOW", 5),
		ClassifierWeight:     getEnvFloat("CLASSIFIER_WEIGHT", 5.0),
		ClassifierLearnCache: getEnvInt("CLASSIFIER_LEARN_CACHE_SIZE", 4096),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// IsDevelopment reports whether the scanner is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction reports whether the scanner is running in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
