package config

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
	"time"
)

type EnvConfig struct {
	Database struct {
		Driver     string // postgres | sqlite
		SQLitePath string
	}
	Postgres struct {
		HOST     string
		Database string
		Username string
		Password string
		Port     string
	}
	JWT struct {
		SecretKey string
		Algorithm string
		Expire    int
	}
	CORS struct {
		AllowDomains string
		GlobalDomain string
	}
	Redis struct {
		Password  string
		Database  int
		RedisHost string
		RedisPort string
	}
	RabbitMQ struct {
		Host     string
		Port     string
		Username string
		Password string
	}
	Blob struct {
		Backend string // minio | s3
		Bucket  string
	}
	Minio struct {
		Endpoint     string
		RootUser     string
		RootPassword string
		Secure       bool
	}
	S3 struct {
		Region    string
		Endpoint  string
		AccessKey string
		SecretKey string
	}
	Cromwell struct {
		Host    string
		Port    int
		Timeout time.Duration
	}
	Monitor struct {
		User                 string
		Interval             time.Duration
		LookbackDays         int
		MetadataCacheSeconds int
		RateLimitCapacity    int
		RateLimitWindow      time.Duration
		LabelAttempts        int
		ConfigFile           string
	}
	Grafana struct {
		OTLPEndpoint string
		ServiceName  string
	}

	Environment struct {
		Mode  string
		Group string
	}
	DomainName string
}

func LoadEnvConfig() *EnvConfig {
	var config EnvConfig

	// Database
	config.Database.Driver = os.Getenv("DB_DRIVER")
	if config.Database.Driver == "" {
		config.Database.Driver = "sqlite"
	}
	config.Database.SQLitePath = os.Getenv("SQLITE_PATH")
	if config.Database.SQLitePath == "" {
		config.Database.SQLitePath = "workflow.db"
	}

	// Postgres
	config.Postgres.HOST = os.Getenv("PGPOOL_HOST")
	config.Postgres.Database = os.Getenv("PGPOOL_DB")
	config.Postgres.Username = os.Getenv("PGPOOL_USER")
	config.Postgres.Password = os.Getenv("PGPOOL_PASSWORD")
	config.Postgres.Port = os.Getenv("PGPOOL_PORT")
	if config.Postgres.Port == "" {
		config.Postgres.Port = "5432"
	}

	// JWT
	config.JWT.SecretKey = os.Getenv("JWT_SECRET_KEY")
	config.JWT.Algorithm = os.Getenv("JWT_ALGORITHM")
	if config.JWT.Algorithm == "" {
		config.JWT.Algorithm = "HS256"
	}

	if val := os.Getenv("JWT_EXPIRE"); val != "" {
		fmt.Sscanf(val, "%d", &config.JWT.Expire)
	} else {
		config.JWT.Expire = 3600 * 24 * 7
	}

	config.CORS.AllowDomains = os.Getenv("ALLOWED_DOMAINS")
	config.CORS.GlobalDomain = os.Getenv("GLOBAL_DOMAIN")

	config.Redis.Password = os.Getenv("REDIS_PASSWORD")
	config.Redis.Database, _ = strconv.Atoi(os.Getenv("REDIS_DB"))
	config.Redis.RedisHost = os.Getenv("REDIS_HOST")
	config.Redis.RedisPort = os.Getenv("REDIS_PORT")
	if config.Redis.RedisPort == "" {
		config.Redis.RedisPort = "6379"
	}

	// RabbitMQ
	config.RabbitMQ.Host = os.Getenv("RABBITMQ_HOST")
	if config.RabbitMQ.Host == "" {
		config.RabbitMQ.Host = "localhost"
	}
	config.RabbitMQ.Port = os.Getenv("RABBITMQ_PORT")
	if config.RabbitMQ.Port == "" {
		config.RabbitMQ.Port = "5672"
	}
	config.RabbitMQ.Username = os.Getenv("RABBITMQ_USER")
	if config.RabbitMQ.Username == "" {
		config.RabbitMQ.Username = "guest"
	}
	config.RabbitMQ.Password = os.Getenv("RABBITMQ_PASSWORD")
	if config.RabbitMQ.Password == "" {
		config.RabbitMQ.Password = "guest"
	}

	// Object storage
	config.Blob.Backend = os.Getenv("BLOB_BACKEND")
	if config.Blob.Backend == "" {
		config.Blob.Backend = "minio"
	}
	config.Blob.Bucket = os.Getenv("BLOB_BUCKET")
	if config.Blob.Bucket == "" {
		config.Blob.Bucket = "workflow-artifacts"
	}

	config.Minio.Endpoint = os.Getenv("MINIO_ENDPOINT")
	config.Minio.RootUser = os.Getenv("MINIO_ROOT_USER")
	config.Minio.RootPassword = os.Getenv("MINIO_ROOT_PASSWORD")
	config.Minio.Secure = os.Getenv("MINIO_SECURE") == "true"

	config.S3.Region = os.Getenv("S3_REGION")
	if config.S3.Region == "" {
		config.S3.Region = "us-east-1"
	}
	config.S3.Endpoint = os.Getenv("S3_ENDPOINT")
	config.S3.AccessKey = os.Getenv("S3_ACCESS_KEY")
	config.S3.SecretKey = os.Getenv("S3_SECRET_KEY")

	// Cromwell
	config.Cromwell.Host = os.Getenv("CROMWELL_HOST")
	if config.Cromwell.Host == "" {
		config.Cromwell.Host = "localhost"
	}
	config.Cromwell.Port = envInt("CROMWELL_PORT", 8000)
	config.Cromwell.Timeout = time.Duration(envInt("CROMWELL_TIMEOUT_SECONDS", 60)) * time.Second

	// Monitor
	config.Monitor.User = os.Getenv("MONITOR_USER")
	if config.Monitor.User == "" {
		config.Monitor.User = currentUsername()
	}
	config.Monitor.Interval = time.Duration(envInt("MONITOR_INTERVAL_SECONDS", 30)) * time.Second
	config.Monitor.LookbackDays = envInt("MONITOR_LOOKBACK_DAYS", 7)
	config.Monitor.MetadataCacheSeconds = envInt("METADATA_CACHE_SECONDS", 15)
	config.Monitor.RateLimitCapacity = envInt("METADATA_RATE_LIMIT", 300)
	config.Monitor.RateLimitWindow = time.Duration(envInt("METADATA_RATE_WINDOW_SECONDS", 60)) * time.Second
	config.Monitor.LabelAttempts = envInt("LABEL_PATCH_ATTEMPTS", 4)
	config.Monitor.ConfigFile = os.Getenv("MONITOR_CONFIG_FILE")

	// Grafana/OpenTelemetry
	// Empty endpoint keeps telemetry local (noop exporters)
	grafanaEndpoint := os.Getenv("GRAFANA_OTLP_ENDPOINT")
	if strings.HasPrefix(grafanaEndpoint, "https://") {
		config.Grafana.OTLPEndpoint = strings.TrimPrefix(grafanaEndpoint, "https://")
	} else if strings.HasPrefix(grafanaEndpoint, "http://") {
		config.Grafana.OTLPEndpoint = strings.TrimPrefix(grafanaEndpoint, "http://")
	} else {
		config.Grafana.OTLPEndpoint = grafanaEndpoint
	}
	config.Grafana.ServiceName = os.Getenv("SERVICE_NAME")
	if config.Grafana.ServiceName == "" {
		config.Grafana.ServiceName = "gau-workflow-monitor"
	}

	config.Environment.Mode = os.Getenv("DEPLOY_ENV")
	if config.Environment.Mode == "" {
		config.Environment.Mode = "development"
	}

	config.Environment.Group = os.Getenv("GROUP_NAME")
	if config.Environment.Group == "" {
		config.Environment.Group = "local"
	}

	config.DomainName = os.Getenv("DOMAIN_NAME")
	if config.DomainName == "" {
		config.DomainName = "localhost:8080"
	}

	return &config
}

func envInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func currentUsername() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "unknown"
}
