package config

import (
	"os"
	"strconv"
)

// Config is the flat set of settings the jobtk front-ends read at
// startup, each with an env var and a sane fallback.
type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	RedisAddr string

	EtcdEndpoints []string

	// Backend selects which backend.Backend implementation the CLI
	// and worker entrypoints construct: "local" or "grid".
	Backend string

	LocalConcurrency int

	GridQSubPath     string
	GridQDelPath     string
	GridWrapperPath  string
	GridDefaultQueue string

	LogDirRoot string

	LogLevel    string
	LogEncoding string

	APIPort string

	S3LogBucket string
	S3Region    string
	S3Endpoint  string

	TracingEnabled  bool
	TracingEndpoint string
	Environment     string
}

func LoadConfig() *Config {
	return &Config{
		DBHost:     getEnv("JOBTK_DB_HOST", "localhost"),
		DBPort:     getEnv("JOBTK_DB_PORT", "5432"),
		DBUser:     getEnv("JOBTK_DB_USER", "jobtk"),
		DBPassword: getEnv("JOBTK_DB_PASSWORD", "password"),
		DBName:     getEnv("JOBTK_DB_NAME", "jobtk"),

		RedisAddr: getEnv("JOBTK_REDIS_ADDR", "localhost:6379"),

		EtcdEndpoints: []string{getEnv("JOBTK_ETCD_ENDPOINTS", "localhost:2379")},

		Backend:          getEnv("JOBTK_BACKEND", "local"),
		LocalConcurrency: getEnvAsInt("JOBTK_LOCAL_CONCURRENCY", 0),

		GridQSubPath:     getEnv("JOBTK_GRID_QSUB", "qsub"),
		GridQDelPath:     getEnv("JOBTK_GRID_QDEL", "qdel"),
		GridWrapperPath:  getEnv("JOBTK_GRID_WRAPPER", "/usr/local/bin/jobtk"),
		GridDefaultQueue: getEnv("JOBTK_GRID_QUEUE", "all.q"),

		LogDirRoot: getEnv("JOBTK_LOG_DIR", ""),

		LogLevel:    getEnv("JOBTK_LOG_LEVEL", "info"),
		LogEncoding: getEnv("JOBTK_LOG_ENCODING", "console"),

		APIPort: getEnv("JOBTK_API_PORT", "8080"),

		S3LogBucket: getEnv("JOBTK_S3_LOG_BUCKET", ""),
		S3Region:    getEnv("JOBTK_S3_REGION", "us-east-1"),
		S3Endpoint:  getEnv("JOBTK_S3_ENDPOINT", ""),

		TracingEnabled:  getEnvAsBool("JOBTK_TRACING_ENABLED", false),
		TracingEndpoint: getEnv("JOBTK_TRACING_ENDPOINT", "localhost:4318"),
		Environment:     getEnv("JOBTK_ENVIRONMENT", "development"),
	}
}

// DSN renders the Postgres connection string GORM expects.
func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + c.DBPort +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=disable"
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}
