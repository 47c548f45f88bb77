package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// StoreBackend selects the Store Adapter implementation at process start.
// Core logic never branches on the active backend.
type StoreBackend string

const (
	BackendMemory   StoreBackend = "memory"
	BackendDynamoDB StoreBackend = "dynamodb"
)

// Config holds all application configuration. Every business value the sync
// engine enforces is tunable here; nothing is hard-coded in core logic.
type Config struct {
	// Server configuration
	ServerAddress string
	Environment   string
	LogLevel      string

	// Store backend selection
	StoreBackend StoreBackend

	// AWS configuration (dynamodb backend)
	AWSRegion     string
	DynamoDBTable string
	OwnerIndex    string // GSI - per-owner record listing for quota accounting

	// Write-protection limits. Overridable at runtime via the limits file.
	LimitsFile         string
	RatePerMinute      int
	RatePerHour        int
	RatePerDay         int
	MaxLabelLength     int
	MaxPropertyBytes   int
	MaxNodesPerUser    int
	MaxEdgesPerUser    int
	QuotaRefreshPeriod time.Duration
	StoreWarnBytes     int64
	StoreMaxBytes      int64

	// Session behavior
	HistoryWindow    int           // recent committed events kept per scope for catch-up
	SendTimeout      time.Duration // per-connection write deadline
	SendBuffer       int           // outbound frames buffered per connection
	HeartbeatPeriod  time.Duration
	MaxFrameBytes    int64
	MaxClockDrift    time.Duration // client timestamps further ahead are clamped
	AckTimeout       time.Duration // client-side pending event timeout
	DebounceInterval time.Duration // client-side coalescing quiet period

	// Store resilience
	StoreRetryAttempts int
	StoreRetryBaseWait time.Duration

	// Audit retention
	AuditRetention time.Duration
	AuditSweep     time.Duration

	// Feature flags
	EnableMetrics bool
	EnableCORS    bool
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ServerAddress: getEnv("SERVER_ADDRESS", ":8080"),
		Environment:   getEnv("ENVIRONMENT", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		StoreBackend: StoreBackend(getEnv("STORE_BACKEND", string(BackendMemory))),

		AWSRegion:     getEnv("AWS_REGION", "us-west-2"),
		DynamoDBTable: getEnv("DYNAMODB_TABLE", "daygraph"),
		OwnerIndex:    getEnv("OWNER_INDEX_NAME", "OwnerIndex"),

		LimitsFile:         getEnv("LIMITS_FILE", ""),
		RatePerMinute:      getEnvInt("RATE_PER_MINUTE", 60),
		RatePerHour:        getEnvInt("RATE_PER_HOUR", 600),
		RatePerDay:         getEnvInt("RATE_PER_DAY", 3000),
		MaxLabelLength:     getEnvInt("MAX_LABEL_LENGTH", 200),
		MaxPropertyBytes:   getEnvInt("MAX_PROPERTY_BYTES", 10*1024),
		MaxNodesPerUser:    getEnvInt("MAX_NODES_PER_USER", 1000),
		MaxEdgesPerUser:    getEnvInt("MAX_EDGES_PER_USER", 2000),
		QuotaRefreshPeriod: getEnvDuration("QUOTA_REFRESH_PERIOD", 30*time.Second),
		StoreWarnBytes:     getEnvInt64("STORE_WARN_BYTES", 400*1024*1024),
		StoreMaxBytes:      getEnvInt64("STORE_MAX_BYTES", 500*1024*1024),

		HistoryWindow:    getEnvInt("HISTORY_WINDOW", 100),
		SendTimeout:      getEnvDuration("SEND_TIMEOUT", 5*time.Second),
		SendBuffer:       getEnvInt("SEND_BUFFER", 256),
		HeartbeatPeriod:  getEnvDuration("HEARTBEAT_PERIOD", 30*time.Second),
		MaxFrameBytes:    getEnvInt64("MAX_FRAME_BYTES", 64*1024),
		MaxClockDrift:    getEnvDuration("MAX_CLOCK_DRIFT", 30*time.Second),
		AckTimeout:       getEnvDuration("ACK_TIMEOUT", 5*time.Second),
		DebounceInterval: getEnvDuration("DEBOUNCE_INTERVAL", 300*time.Millisecond),

		StoreRetryAttempts: getEnvInt("STORE_RETRY_ATTEMPTS", 3),
		StoreRetryBaseWait: getEnvDuration("STORE_RETRY_BASE_WAIT", 100*time.Millisecond),

		AuditRetention: getEnvDuration("AUDIT_RETENTION", 90*24*time.Hour),
		AuditSweep:     getEnvDuration("AUDIT_SWEEP_PERIOD", time.Hour),

		EnableMetrics: getEnvBool("ENABLE_METRICS", true),
		EnableCORS:    getEnvBool("ENABLE_CORS", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory, BackendDynamoDB:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.StoreBackend == BackendDynamoDB && c.DynamoDBTable == "" {
		return fmt.Errorf("DYNAMODB_TABLE is required for the dynamodb backend")
	}
	if c.StoreWarnBytes > c.StoreMaxBytes {
		return fmt.Errorf("STORE_WARN_BYTES must not exceed STORE_MAX_BYTES")
	}
	if c.RatePerMinute <= 0 || c.RatePerHour <= 0 || c.RatePerDay <= 0 {
		return fmt.Errorf("rate limit caps must be positive")
	}
	return nil
}

// Limits extracts the runtime-tunable protection limits.
func (c *Config) Limits() Limits {
	return Limits{
		RatePerMinute:    c.RatePerMinute,
		RatePerHour:      c.RatePerHour,
		RatePerDay:       c.RatePerDay,
		MaxLabelLength:   c.MaxLabelLength,
		MaxPropertyBytes: c.MaxPropertyBytes,
		MaxNodesPerUser:  c.MaxNodesPerUser,
		MaxEdgesPerUser:  c.MaxEdgesPerUser,
		StoreWarnBytes:   c.StoreWarnBytes,
		StoreMaxBytes:    c.StoreMaxBytes,
	}
}

// IsDevelopment checks if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction checks if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
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
