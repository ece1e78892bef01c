// Command transcoder runs a standalone transcode worker. It shares the Redis
// Streams job queue with the API server, so extra workers can be added on
// hosts with spare encode capacity without running the HTTP surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"vodforge/internal/observability/logging"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/storage"
	"vodforge/internal/transcode"
)

func main() {
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	outputDir := flag.String("transcode-output-dir", "", "directory for transcoded renditions")
	ffmpegBinary := flag.String("ffmpeg-bin", "", "path to the ffmpeg binary")
	ffprobeBinary := flag.String("ffprobe-bin", "", "path to the ffprobe binary")
	ffmpegMaxProcesses := flag.Int("ffmpeg-max-processes", 0, "maximum concurrent ffmpeg processes")
	workers := flag.Int("transcode-workers", 0, "number of transcode job workers")
	timeout := flag.Duration("transcode-timeout", 0, "timeout for a full transcode batch")
	redisAddr := flag.String("queue-redis-addr", "", "Redis address for the transcode queue")
	redisAddrs := flag.String("queue-redis-addrs", "", "comma separated Redis addresses for the transcode queue")
	redisUsername := flag.String("queue-redis-username", "", "Redis username for the transcode queue")
	redisPassword := flag.String("queue-redis-password", "", "Redis password for the transcode queue")
	redisStream := flag.String("queue-redis-stream", "", "Redis stream key for transcode jobs")
	redisGroup := flag.String("queue-redis-group", "", "Redis consumer group for transcode workers")
	redisMasterName := flag.String("queue-redis-sentinel-master", "", "Redis sentinel master name for the transcode queue")
	redisPoolSize := flag.Int("queue-redis-pool-size", 0, "maximum Redis connections for the transcode queue")
	redisBlock := flag.Duration("queue-redis-block-timeout", 0, "block timeout for Redis stream reads")
	redisTLSCA := flag.String("queue-redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSCert := flag.String("queue-redis-tls-cert", "", "path to Redis TLS client certificate")
	redisTLSKey := flag.String("queue-redis-tls-key", "", "path to Redis TLS client key")
	redisTLSServerName := flag.String("queue-redis-tls-server-name", "", "override Redis TLS server name")
	redisTLSSkipVerify := flag.Bool("queue-redis-tls-skip-verify", false, "skip Redis TLS verification")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log output format (json or text)")
	flag.Parse()

	logger := logging.New(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("VODFORGE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("VODFORGE_LOG_FORMAT")),
	})

	store, err := openRepository(*storageDriver, *dataPath, *postgresDSN)
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	prober := transcode.NewFFprobe(firstNonEmpty(*ffprobeBinary, os.Getenv("VODFORGE_FFPROBE_BIN")))
	runner := transcode.NewFFmpegRunner(
		firstNonEmpty(*ffmpegBinary, os.Getenv("VODFORGE_FFMPEG_BIN")),
		int64(resolveInt(*ffmpegMaxProcesses, "VODFORGE_FFMPEG_MAX_PROCESSES")),
		logging.WithComponent(logger, "ffmpeg"),
	)
	orchestrator, err := transcode.NewOrchestrator(transcode.OrchestratorConfig{
		Prober:    prober,
		Runner:    runner,
		OutputDir: firstNonEmpty(*outputDir, os.Getenv("VODFORGE_TRANSCODE_OUTPUT_DIR")),
		Logger:    logging.WithComponent(logger, "orchestrator"),
	})
	if err != nil {
		logger.Error("failed to configure transcode orchestrator", "error", err)
		os.Exit(1)
	}

	queueCfg := transcode.RedisQueueConfig{
		Addr:         firstNonEmpty(*redisAddr, os.Getenv("VODFORGE_QUEUE_REDIS_ADDR")),
		Addrs:        splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("VODFORGE_QUEUE_REDIS_ADDRS"))),
		Username:     firstNonEmpty(*redisUsername, os.Getenv("VODFORGE_QUEUE_REDIS_USERNAME")),
		Password:     firstNonEmpty(*redisPassword, os.Getenv("VODFORGE_QUEUE_REDIS_PASSWORD")),
		Stream:       firstNonEmpty(*redisStream, os.Getenv("VODFORGE_QUEUE_REDIS_STREAM")),
		Group:        firstNonEmpty(*redisGroup, os.Getenv("VODFORGE_QUEUE_REDIS_GROUP")),
		MasterName:   firstNonEmpty(*redisMasterName, os.Getenv("VODFORGE_QUEUE_REDIS_SENTINEL_MASTER")),
		PoolSize:     resolveInt(*redisPoolSize, "VODFORGE_QUEUE_REDIS_POOL_SIZE"),
		BlockTimeout: resolveDuration(*redisBlock, "VODFORGE_QUEUE_REDIS_BLOCK_TIMEOUT", 0),
		Logger:       logging.WithComponent(logger, "transcode-queue"),
		TLS: transcode.RedisTLSConfig{
			CAFile:             firstNonEmpty(*redisTLSCA, os.Getenv("VODFORGE_QUEUE_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*redisTLSCert, os.Getenv("VODFORGE_QUEUE_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*redisTLSKey, os.Getenv("VODFORGE_QUEUE_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*redisTLSServerName, os.Getenv("VODFORGE_QUEUE_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*redisTLSSkipVerify, "VODFORGE_QUEUE_REDIS_TLS_SKIP_VERIFY"),
		},
	}
	if len(queueCfg.Addrs) == 0 && queueCfg.Addr == "" {
		logger.Error("standalone workers need the shared queue: set --queue-redis-addr or VODFORGE_QUEUE_REDIS_ADDR")
		os.Exit(1)
	}
	queue, err := transcode.NewRedisQueue(queueCfg)
	if err != nil {
		logger.Error("failed to connect transcode queue", "error", err)
		os.Exit(1)
	}

	processor := transcode.NewProcessor(transcode.ProcessorConfig{
		Store:       store,
		Queue:       queue,
		Transformer: orchestrator,
		Workers:     resolveInt(*workers, "VODFORGE_TRANSCODE_WORKERS"),
		Timeout:     resolveDuration(*timeout, "VODFORGE_TRANSCODE_TIMEOUT", 0),
		Logger:      logging.WithComponent(logger, "transcode"),
		Metrics:     metrics.Default(),
	})
	processor.Start()
	logger.Info("transcode worker started", "stream", queueCfg.Stream, "group", queueCfg.Group)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("received shutdown signal", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := processor.Shutdown(ctx); err != nil {
		logger.Warn("failed to stop transcode processor", "error", err)
	}
	if err := queue.Close(); err != nil {
		logger.Warn("failed to close transcode queue", "error", err)
	}
	if closer, ok := store.(interface{ Close(context.Context) error }); ok {
		if err := closer.Close(ctx); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	} else if closer, ok := store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	}
	logger.Info("transcode worker stopped")
}

// openRepository resolves the same datastore the API server uses; workers need
// it to mark sessions failed and to recover interrupted transcodes.
func openRepository(flagDriver, flagData, flagDSN string) (storage.Repository, error) {
	dsn := strings.TrimSpace(firstNonEmpty(flagDSN, os.Getenv("VODFORGE_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
	driver := strings.ToLower(strings.TrimSpace(firstNonEmpty(flagDriver, os.Getenv("VODFORGE_STORAGE_DRIVER"))))
	if driver == "" {
		if dsn != "" {
			driver = "postgres"
		} else {
			driver = "json"
		}
	}
	switch driver {
	case "json":
		dataFile := firstNonEmpty(flagData, os.Getenv("VODFORGE_DATA"))
		if dataFile == "" {
			dataFile = "data/store.json"
		}
		return storage.NewJSONRepository(dataFile)
	case "postgres":
		if dsn == "" {
			return nil, fmt.Errorf("postgres storage selected without DSN")
		}
		return storage.NewPostgresRepository(dsn)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
