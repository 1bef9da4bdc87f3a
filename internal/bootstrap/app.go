package bootstrap

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"docuchat/internal/ai"
	"docuchat/internal/config"
	"docuchat/internal/ingest"
	"docuchat/internal/memory"
	"docuchat/internal/model"
	"docuchat/internal/platform/logger"
	mysqlClient "docuchat/internal/platform/mysql"
	rabbitmqClient "docuchat/internal/platform/rabbitmq"
	redisClient "docuchat/internal/platform/redis"
	"docuchat/internal/worker"
)

type App struct {
	Config          *config.Config
	Log             *logger.Logger
	MySQL           *gorm.DB
	Redis           *redis.Client
	MQConn          *amqp.Connection
	Provider        *ai.OpenAICompatibleClient
	Memory          memory.Store
	Ingestor        *ingest.Ingestor
	IngestPublisher *rabbitmqClient.IngestPublisher
	IngestWorker    *worker.IngestWorker

	StartedAt time.Time
}

func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}

	log, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, fmt.Errorf("build logger failed: %w", err)
	}

	mysqlDB, err := mysqlClient.New(ctx, cfg.MySQLDSN())
	if err != nil {
		return nil, err
	}
	if err := mysqlDB.AutoMigrate(
		&model.User{},
		&model.Conversation{},
		&model.Document{},
		&model.Chunk{},
		&model.Message{},
		&model.DocumentMatch{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate tables failed: %w", err)
	}

	redisCli, err := redisClient.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}

	mqConn, err := rabbitmqClient.New(ctx, cfg.RabbitMQ.URL)
	if err != nil {
		return nil, err
	}

	endpoint, err := ai.ResolveEndpoint(cfg.LLM)
	if err != nil {
		return nil, err
	}
	provider := ai.NewOpenAICompatibleClient(endpoint)

	memoryStore := memory.NewRedisStore(
		redisCli,
		cfg.Memory.MaxTurns,
		time.Duration(cfg.Memory.TTLSeconds)*time.Second,
	)

	repos := NewRepositories(mysqlDB)
	ingestor := ingest.NewIngestor(
		repos.Documents,
		repos.Chunks,
		provider,
		ingest.NewChunker(cfg.RAG.ChunkSize, cfg.RAG.ChunkOverlap),
		cfg.RAG.EmbedBatchSize,
		cfg.RAG.ProviderAttempts,
		log,
	)

	ingestPublisher := rabbitmqClient.NewIngestPublisher(mqConn, cfg.RabbitMQ.IngestQueue)
	ingestWorker := worker.NewIngestWorker(mqConn, ingestor, cfg.RabbitMQ.IngestQueue, log)
	if err := ingestWorker.Start(ctx); err != nil {
		return nil, fmt.Errorf("start ingest worker failed: %w", err)
	}

	return &App{
		Config:          cfg,
		Log:             log,
		MySQL:           mysqlDB,
		Redis:           redisCli,
		MQConn:          mqConn,
		Provider:        provider,
		Memory:          memoryStore,
		Ingestor:        ingestor,
		IngestPublisher: ingestPublisher,
		IngestWorker:    ingestWorker,
		StartedAt:       time.Now(),
	}, nil
}

func (a *App) Close() error {
	var closeErr error
	if a.IngestWorker != nil {
		a.IngestWorker.Close()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MQConn != nil {
		if err := a.MQConn.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MySQL != nil {
		sqlDB, err := a.MySQL.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				closeErr = err
			}
		}
	}
	if a.Log != nil {
		a.Log.Sync()
	}
	return closeErr
}
