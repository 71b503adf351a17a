package infra

import (
	"context"
	"log"
	"time"

	"github.com/tnqbao/gau-workflow-monitor/config"
	"github.com/tnqbao/gau-workflow-monitor/infra/produce"
)

type Infra struct {
	Database  *DatabaseClient
	Redis     *RedisClient
	Logger    *LoggerClient
	Telemetry *Telemetry
	RabbitMQ  *RabbitMQClient
	Produce   *produce.Produce
	Blob      BlobStore
	Cromwell  *CromwellClient
}

var infraInstance *Infra

func InitInfra(cfg *config.Config) *Infra {
	if infraInstance != nil {
		return infraInstance
	}

	logger := InitLoggerClient(cfg.EnvConfig)
	if logger == nil {
		panic("Failed to initialize Logger service")
	}

	telemetry := InitTelemetry(cfg.EnvConfig)
	if telemetry == nil {
		panic("Failed to initialize Telemetry service")
	}

	database := InitDatabaseClient(cfg.EnvConfig)
	if database == nil {
		panic("Failed to initialize Database service")
	}

	// Redis is optional; without it the metadata cache and tick lease stay in-process
	redis := InitRedisClient(cfg.EnvConfig)

	var produceService *produce.Produce
	rabbitMQ := InitRabbitMQClient(cfg.EnvConfig)
	if rabbitMQ != nil {
		produceService = produce.InitProduce(rabbitMQ.Channel)
	}

	blob := InitBlobStore(cfg.EnvConfig)

	var cache MetadataCache = NewMemoryMetadataCache()
	if redis != nil {
		cache = NewRedisMetadataCache(redis, 10*time.Minute, logger)
	}

	cromwell := InitCromwellClient(cfg.EnvConfig, cache, NewBlobLogReader(blob), logger, telemetry)

	infraInstance = &Infra{
		Database:  database,
		Redis:     redis,
		Logger:    logger,
		Telemetry: telemetry,
		RabbitMQ:  rabbitMQ,
		Produce:   produceService,
		Blob:      blob,
		Cromwell:  cromwell,
	}

	return infraInstance
}

// InitBlobStore picks the configured object store. It returns nil when none is configured.
func InitBlobStore(cfg *config.EnvConfig) BlobStore {
	switch cfg.Blob.Backend {
	case "s3":
		return InitS3Client(cfg)
	case "minio":
		if cfg.Minio.Endpoint == "" {
			log.Println("Warning: MinIO endpoint not configured, object downloads disabled")
			return nil
		}
		return InitMinioClient(cfg)
	default:
		log.Printf("Warning: unknown blob backend %q, object downloads disabled", cfg.Blob.Backend)
		return nil
	}
}

func GetClient() *Infra {
	if infraInstance == nil {
		panic("Infra not initialized. Call InitInfra() first.")
	}
	return infraInstance
}

func (i *Infra) Close(ctx context.Context) {
	if i.RabbitMQ != nil {
		_ = i.RabbitMQ.Close()
	}
	if i.Redis != nil {
		_ = i.Redis.Close()
	}
	if i.Database != nil {
		_ = i.Database.Close()
	}
	_ = i.Telemetry.Shutdown(ctx)
	_ = i.Logger.Shutdown(ctx)
}
