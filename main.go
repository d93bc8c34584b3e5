package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/recycle-check/internal/auth"
	"github.com/example/recycle-check/internal/blobstore"
	"github.com/example/recycle-check/internal/config"
	"github.com/example/recycle-check/internal/grpcclient"
	"github.com/example/recycle-check/internal/handlers"
	"github.com/example/recycle-check/internal/imageprocessor"
	"github.com/example/recycle-check/internal/logging"
	"github.com/example/recycle-check/internal/recycling"
	"github.com/example/recycle-check/internal/repository"
	"github.com/example/recycle-check/internal/usecase"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "recycle-check",
		Short:         "Classify recyclable items from photographs",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	serve := newServeCommand()
	root.AddCommand(serve, newClassifyCommand())
	root.RunE = serve.RunE
	return root
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			logger, err := logging.NewLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			return runServer(cmd.Context(), cfg, logger)
		},
	}
}

func runServer(parent context.Context, cfg config.Config, logger *zap.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, 15*time.Second)
	defer cancel()

	db, err := initDatabase(ctx, cfg.DatabaseDSN, logger)
	if err != nil {
		return err
	}
	repo := repository.NewItemRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient, err := initRedis(redisCtx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	classifier, closeClassifier, err := buildClassifier(ctx, cfg.Classifier, logger)
	if err != nil {
		return err
	}
	defer closeClassifier()

	blobs, err := buildBlobStore(cfg.Blob)
	if err != nil {
		return err
	}

	pipeline := recycling.NewPipeline(classifier, recycling.NewMapper(recycling.FallbackByName(cfg.Classifier.LabelFallback)), logger)
	uc := usecase.NewItemUseCase(repo, usecase.NewRedisCache(redisClient), blobs, pipeline, cfg.Classifier.Timeout, logger)

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger), handlers.CORS(cfg.CORSOrigins))
	r.MaxMultipartMemory = handlers.MaxUploadSize

	opts := handlers.Options{Logger: logger}
	if local, ok := blobs.(*blobstore.LocalStore); ok {
		opts.UploadDir = local.Dir()
		opts.PublicPrefix = local.PublicPrefix()
	}
	if cfg.Auth.Enabled() {
		opts.UploadMiddleware = append(opts.UploadMiddleware, auth.JWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience, logger))
		logger.Info("upload authentication enabled")
	}
	handlers.RegisterRoutes(r, uc, opts)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("recycling API listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("classifier", cfg.Classifier.Backend),
		zap.String("blob_backend", cfg.Blob.Backend),
		zap.String("label_fallback", cfg.Classifier.LabelFallback),
	)
	return serveHTTPServer(server, cfg.ShutdownTimeout, logger)
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("access db handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping: %w", err)
	}
	zapLogger.Info("database connected")
	return db, nil
}

func initRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection: %w", err)
	}
	return client, nil
}

// buildClassifier returns the configured backend and a release func that is
// safe to call once the process is done with it.
func buildClassifier(ctx context.Context, cfg config.ClassifierConfig, logger *zap.Logger) (imageprocessor.Client, func(), error) {
	var (
		client imageprocessor.Client
		closer io.Closer
	)

	switch cfg.Backend {
	case "grpc":
		remote, conn, err := grpcclient.DialClassifier(ctx, cfg.Addr, cfg.TopK, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to classifier: %w", err)
		}
		client, closer = remote, conn
	case "onnx", "":
		build := func() (imageprocessor.Client, error) {
			index, err := imageprocessor.LoadClassIndex(cfg.ClassIndexPath)
			if err != nil {
				return nil, err
			}
			return imageprocessor.NewONNXClient(imageprocessor.ONNXOptions{
				ModelPath:      cfg.WeightsPath,
				RuntimeLibPath: cfg.RuntimeLibPath,
				ClassIndex:     index,
				TopK:           cfg.TopK,
			})
		}
		if cfg.Lazy {
			lazy := imageprocessor.NewLazy(build)
			client, closer = lazy, lazy
		} else {
			local, err := build()
			if err != nil {
				return nil, nil, fmt.Errorf("load classifier: %w", err)
			}
			client = local
			closer, _ = local.(io.Closer)
		}
	default:
		return nil, nil, fmt.Errorf("unknown classifier backend %q", cfg.Backend)
	}

	if cfg.Serialize {
		client = imageprocessor.Serialize(client)
	}

	release := func() {
		if closer == nil {
			return
		}
		if err := closer.Close(); err != nil {
			logger.Warn("failed to release classifier", zap.Error(err))
		}
	}
	return client, release, nil
}

func buildBlobStore(cfg config.BlobConfig) (blobstore.Store, error) {
	switch cfg.Backend {
	case "s3":
		s3cfg := blobstore.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			PublicURL: cfg.S3PublicURL,
		}
		return blobstore.NewS3Store(blobstore.Connect(s3cfg), s3cfg)
	case "local", "":
		return blobstore.NewLocalStore(cfg.UploadDir, cfg.PublicPrefix)
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.Backend)
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
