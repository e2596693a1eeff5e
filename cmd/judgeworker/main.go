package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"tuis-judge/core"
	"tuis-judge/internal/blobstore"
	"tuis-judge/internal/dispatch"
	"tuis-judge/internal/outbox"
	"tuis-judge/internal/sandbox"
)

func main() {
	cfg := core.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	zapLogger, logCloser, err := core.SetupLogging(cfg, "judgeworker.log")
	if err != nil {
		log.Fatalf("failed to setup logging: %v", err)
	}
	defer logCloser.Close()
	defer zapLogger.Sync()

	db, err := core.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}
	defer db.Close()

	redisClient, err := core.NewRedisClient(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect redis: %v", err)
	}
	defer redisClient.Close()

	conn, err := amqp.Dial(cfg.BrokerURL)
	if err != nil {
		log.Fatalf("failed to connect broker: %v", err)
	}
	defer conn.Close()

	blobs, err := blobstore.NewS3Store(ctx, blobstore.S3Config{
		Bucket:   cfg.ObjectStoreBucket,
		Region:   cfg.ObjectStoreRegion,
		Endpoint: cfg.ObjectStoreEndpoint,
	})
	if err != nil {
		log.Fatalf("failed to init object store: %v", err)
	}

	sandboxDriver, err := sandbox.NewIsolateDriver(cfg.SandboxBinaryPath)
	if err != nil {
		log.Fatalf("failed to init sandbox driver: %v", err)
	}

	outboxStore := outbox.NewPgStore(db)
	broker, err := outbox.NewAMQPBroker(conn, outbox.DomainExchangeName, dispatch.Exchange)
	if err != nil {
		log.Fatalf("failed to init outbox broker: %v", err)
	}
	defer broker.Close()

	publisher := outbox.NewPublisher(outboxStore, broker, zapLogger, outbox.PublisherConfig{
		PollInterval:     cfg.OutboxPollInterval,
		BatchSize:        cfg.OutboxBatchSize,
		DomainExchange:   outbox.DomainExchangeName,
		DispatchExchange: dispatch.Exchange,
	})

	consumer, err := dispatch.NewAMQPConsumer(conn)
	if err != nil {
		log.Fatalf("failed to init dispatch consumer: %v", err)
	}
	defer consumer.Close()

	submissionRepo := core.NewPgSubmissionRepository(db, outboxStore)
	validator := core.NewResourceValidator(cfg.ContentServiceURL, 0)

	workerID := core.NewWorkerID()
	hostname, _ := os.Hostname()
	heartbeat := core.NewHeartbeatState(workerID, hostname, cfg.JudgeWorkerCount)
	go heartbeat.Start(ctx, redisClient)

	log.Printf("judgeworker started. id=%s workers=%d broker=%s db=connected", workerID, cfg.JudgeWorkerCount, cfg.BrokerURL)

	pool := &core.JudgeWorkerPool{
		Workers:       cfg.JudgeWorkerCount,
		Sandbox:       sandboxDriver,
		Store:         submissionRepo,
		Blobs:         blobs,
		Validator:     validator,
		Dispatch:      consumer,
		Heartbeat:     heartbeat,
		CompileWallMs: cfg.CompileWallMs,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		publisher.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := pool.Run(ctx); err != nil {
			zapLogger.Error("judge worker pool stopped", zap.Error(err))
		}
	}()

	wg.Wait()
	log.Printf("judgeworker %s shut down cleanly", workerID)
}
