package main

import (
	"context"
	"database/sql"
	"fmt"
	"github.com/redis/go-redis/v9"
	"log"
	"os"
	"purchasekit/internal/config"
	"purchasekit/internal/handlers"
	"purchasekit/internal/purchase"
	"purchasekit/internal/receipt"
	"purchasekit/internal/repositories"
	"purchasekit/internal/services"
	"purchasekit/internal/storeapi"
	"time"
)

type application struct {
	errorLog *log.Logger
	infoLog  *log.Logger
	logger   stdLogger

	jwtSecret []byte
	interval  time.Duration
	limiter   *clientLimiter

	storeClient     *storeapi.Client
	coordinator     *purchase.Coordinator
	transactionRepo *repositories.TransactionRepository
	purchaseHandler *handlers.PurchaseHandler
}

// stdLogger adapts the main loggers to the Infof/Errorf interface used by
// the internal packages.
type stdLogger struct {
	info *log.Logger
	err  *log.Logger
}

func (l stdLogger) Infof(format string, args ...interface{}) {
	l.info.Output(2, fmt.Sprintf(format, args...))
}

func (l stdLogger) Errorf(format string, args ...interface{}) {
	l.err.Output(2, fmt.Sprintf(format, args...))
}

func initializeApp(ctx context.Context, cfg config.Config, db *sql.DB, rdb *redis.Client, errorLog, infoLog *log.Logger) (*application, error) {
	logger := stdLogger{info: infoLog, err: errorLog}

	// Receipts
	fileStore, err := receipt.NewFileStore(cfg.Receipt.Path)
	if err != nil {
		return nil, err
	}
	var receipts receipt.Store = fileStore
	if cfg.Receipt.S3.Bucket != "" {
		s3Store, err := receipt.NewS3Store(receipt.S3Config{
			Bucket:    cfg.Receipt.S3.Bucket,
			Prefix:    cfg.Receipt.S3.Prefix,
			Region:    cfg.Receipt.S3.Region,
			Endpoint:  cfg.Receipt.S3.Endpoint,
			AccessKey: cfg.Receipt.S3.AccessKey,
			SecretKey: cfg.Receipt.S3.SecretKey,
		})
		if err != nil {
			return nil, err
		}
		receipts = receipt.Mirror{Primary: fileStore, Backup: s3Store}
	}

	// Repositories
	transactionRepo := repositories.NewTransactionRepository(db, cfg.Database.Driver)

	// Services
	transactionService := &services.TransactionService{
		Store:   transactionRepo,
		Logger:  logger,
		Timeout: 10 * time.Second,
	}
	if rdb != nil {
		transactionService.Seen = repositories.NewTransactionCache(rdb, cfg.Redis.SeenTTL)
	}
	if cfg.FCM.Topic != "" {
		creds, err := os.ReadFile(cfg.FCM.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read fcm credentials: %w", err)
		}
		notifier, err := services.NewNotificationService(ctx, services.NotificationConfig{
			ProjectID:       cfg.FCM.ProjectID,
			CredentialsJSON: string(creds),
			Topic:           cfg.FCM.Topic,
		})
		if err != nil {
			return nil, err
		}
		transactionService.Notifier = notifier
	}

	// Store backend
	storeClient, err := storeapi.NewClient(storeapi.Config{
		BaseURL:        cfg.Store.BaseURL,
		IssuerID:       cfg.Store.IssuerID,
		KeyID:          cfg.Store.KeyID,
		BundleID:       cfg.Store.BundleID,
		PrivateKey:     cfg.Store.PrivateKey,
		AllowUnsigned:  cfg.Store.AllowUnsigned,
		RequestTimeout: cfg.Store.RequestTimeout,
	}, receipts, logger)
	if err != nil {
		return nil, err
	}

	coordinator, err := purchase.New(storeClient, receipts, logger, purchase.Options{
		PurchaseTimeout: cfg.Purchase.Timeout,
		Recorder:        transactionService,
	})
	if err != nil {
		return nil, err
	}

	// Handlers
	wait := cfg.Purchase.Timeout
	if wait > 0 {
		wait += 5 * time.Second
	}
	purchaseHandler := handlers.NewPurchaseHandler(coordinator, transactionRepo, wait)

	return &application{
		errorLog:        errorLog,
		infoLog:         infoLog,
		logger:          logger,
		jwtSecret:       []byte(cfg.Server.JWTSecret),
		limiter:         newClientLimiter(cfg.Server.RateLimit.RPS, cfg.Server.RateLimit.Burst),
		interval:        cfg.Reporter.Interval,
		storeClient:     storeClient,
		coordinator:     coordinator,
		transactionRepo: transactionRepo,
		purchaseHandler: purchaseHandler,
	}, nil
}

func (app *application) startWorkers(ctx context.Context) {
	go func() {
		if err := app.storeClient.Run(ctx); err != nil && ctx.Err() == nil {
			app.errorLog.Printf("transaction feed stopped: %v", err)
		}
	}()
	startLedgerReporter(ctx, app.transactionRepo, app.interval, app.infoLog, app.errorLog)
}
