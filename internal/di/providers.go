package di

import (
	"context"
	"fmt"
	"time"

	"TickMill/internal/domain/repository"
	mid "TickMill/internal/middleware"
	internalrepo "TickMill/internal/repository"
	"TickMill/internal/service/pollsource"
	"TickMill/internal/service/pushsource"
	"TickMill/internal/usecase"
	pkgcache "TickMill/pkg/cache"
	pkgch "TickMill/pkg/clickhouse"
	"TickMill/pkg/config"
	pkgkafka "TickMill/pkg/kafka"
	applogger "TickMill/pkg/logger"
	"TickMill/pkg/metrics"
	"TickMill/pkg/server"

	kafkago "github.com/segmentio/kafka-go"
)

// ProvideLogger creates the application logger.
func ProvideLogger(cfg *config.Config) (*applogger.Logger, error) {
	lc := &applogger.Config{Level: "info", Format: "json", Output: "stdout"}
	if cfg.Environment == "development" {
		lc.Level = "debug"
		lc.Format = "console"
	}
	return applogger.New(lc)
}

// ProvideClickHouseClient creates a ClickHouse client and ensures the
// pipeline schema exists. Both tables are ReplacingMergeTree so batch
// upserts stay idempotent on their ordering key.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout, cfg.ClickHouse.WriteTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db := cfg.ClickHouse.Database
	if err := client.InitSchema(ctx, []string{
		"CREATE DATABASE IF NOT EXISTS " + db,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.ticks (
			symbol LowCardinality(String),
			ts_ms Int64,
			price Float64,
			source LowCardinality(String)
		) ENGINE = ReplacingMergeTree
		ORDER BY (symbol, ts_ms, source)`, db),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.candles (
			symbol LowCardinality(String),
			interval_s Int64,
			bucket_ms Int64,
			open Float64,
			high Float64,
			low Float64,
			close Float64,
			volume UInt64,
			source LowCardinality(String)
		) ENGINE = ReplacingMergeTree
		ORDER BY (symbol, interval_s, bucket_ms, source)`, db),
	}); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}

	return client, nil
}

// ProvideKafkaProducer creates a Kafka producer with per-symbol ordering.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, error) {
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithBatchSize(cfg.Kafka.Producer.BatchSize),
		pkgkafka.WithBatchBytes(cfg.Kafka.Producer.BatchBytes),
		pkgkafka.WithBatchTimeout(cfg.Kafka.Producer.Linger),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.ReadTimeout),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithAsync(cfg.Kafka.Producer.Async),
		pkgkafka.WithHashByKey(true),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

// ProvideMetrics creates the Prometheus metrics recorder.
func ProvideMetrics() repository.Metrics {
	return metrics.New()
}

// ProvideTickStore creates the ClickHouse tick table repository.
func ProvideTickStore(chClient *pkgch.Client, cfg *config.Config) repository.TickStore {
	return internalrepo.NewClickHouseTickStore(chClient.DB(), cfg.ClickHouse.Database+".ticks")
}

// ProvideCandleStore creates the ClickHouse candle table repository. The
// legacy bars table is optional; empty disables the fallback tier.
func ProvideCandleStore(chClient *pkgch.Client, cfg *config.Config) repository.CandleStore {
	return internalrepo.NewClickHouseCandleStore(
		chClient.DB(),
		cfg.ClickHouse.Database+".candles",
		cfg.Resampler.LegacyTable,
	)
}

// ProvideTickPublisher creates the Kafka tick mirror publisher.
func ProvideTickPublisher(producer *pkgkafka.Producer, cfg *config.Config) repository.Publisher {
	return internalrepo.NewKafkaMirror(producer, cfg.Kafka.MirrorTopic)
}

// ProvideKafkaConsumer creates the bulk-import consumer.
func ProvideKafkaConsumer(cfg *config.Config) (*pkgkafka.Consumer, error) {
	if len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.ImportTopic == "" {
		return nil, nil
	}
	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cfg.Kafka.Consumer.GroupID),
		pkgkafka.WithConsumerWorkers(cfg.Kafka.Consumer.Workers),
		pkgkafka.WithConsumerBufferSize(cfg.Kafka.Consumer.BufferSize),
		pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.RetryMax, cfg.Kafka.Consumer.BackoffMin, cfg.Kafka.Consumer.BackoffMax),
		pkgkafka.WithConsumerDLQ(cfg.Kafka.Consumer.DLQTopic),
		pkgkafka.WithConsumerFetch(cfg.Kafka.Consumer.MinBytes, cfg.Kafka.Consumer.MaxBytes),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	return consumer, nil
}

// ProvideMarketStream creates the push (WebSocket) observation source.
func ProvideMarketStream(cfg *config.Config, log *applogger.Logger) repository.MarketStream {
	return pushsource.New(
		cfg.Stream.APIKey,
		cfg.Stream.URL,
		cfg.Stream.Symbols,
		cfg.Stream.ReconnectDelay,
		cfg.Stream.PingInterval,
		log,
	)
}

// ProvideQuoteSource creates the poll (REST) observation source.
func ProvideQuoteSource(cfg *config.Config) repository.QuoteSource {
	return pollsource.New(cfg.Poll.BaseURL, cfg.Poll.APIKey, cfg.Poll.Timeout)
}

// ProvideTickBuffer creates the batching tick buffer.
func ProvideTickBuffer(
	store repository.TickStore,
	m repository.Metrics,
	log *applogger.Logger,
	cfg *config.Config,
) *usecase.TickBuffer {
	return usecase.NewTickBuffer(store, m, log, usecase.BufferPolicy{
		SampleInterval:    cfg.Buffer.SampleInterval,
		BatchSize:         cfg.Buffer.BatchSize,
		FlushInterval:     cfg.Buffer.FlushInterval,
		MaxTicks:          cfg.Buffer.MaxTicks,
		MaxAge:            cfg.Buffer.MaxAge,
		RetentionInterval: cfg.Buffer.RetentionInterval,
	})
}

// ProvideMirrorPipeline creates the Kafka mirror sink.
func ProvideMirrorPipeline(pub repository.Publisher, m repository.Metrics) *mid.MirrorPipeline {
	return mid.NewMirrorPipeline(pub, m, mid.WithMirrorBufferSize(2000))
}

// ProvideCollector creates the dual-source collector with the buffer and
// the mirror pipeline attached as sinks.
func ProvideCollector(
	stream repository.MarketStream,
	quotes repository.QuoteSource,
	m repository.Metrics,
	log *applogger.Logger,
	buffer *usecase.TickBuffer,
	mirror *mid.MirrorPipeline,
	cfg *config.Config,
) *usecase.DualSourceCollector {
	c := usecase.NewDualSourceCollector(stream, quotes, m, log, usecase.CollectorConfig{
		Symbols:              cfg.Stream.Symbols,
		Throttle:             cfg.Collector.Throttle,
		ObserverTimeout:      cfg.Collector.ObserverTimeout,
		IdlePollInterval:     cfg.Collector.IdlePollInterval,
		FallbackPollInterval: cfg.Collector.FallbackPollInterval,
		Interval:             repository.NormalizeInterval(cfg.Collector.CandleInterval),
		SubscriberWarnAt:     cfg.Collector.SubscriberWarnAt,
	})
	c.AddSink(buffer)
	c.AddSink(mirror)
	return c
}

// ProvideResampler creates the lazy candle materializer.
func ProvideResampler(
	ticks repository.TickStore,
	candles repository.CandleStore,
	m repository.Metrics,
	log *applogger.Logger,
	cfg *config.Config,
) *usecase.Resampler {
	return usecase.NewResampler(ticks, candles, m, log, cfg.Resampler.MarkTTL)
}

// ProvideCandlesUseCase wraps the resampler with request-level bounds.
func ProvideCandlesUseCase(r *usecase.Resampler) *usecase.CandlesUseCase {
	return usecase.NewCandlesUseCase(r)
}

// ProvideImportHandler registers the bulk-import handler on the import topic.
func ProvideImportHandler(buffer *usecase.TickBuffer, m repository.Metrics, cfg *config.Config) *usecase.ImportHandler {
	return usecase.NewImportHandler(cfg.Kafka.ImportTopic, buffer, m)
}

// ProvideResponseCache creates the layered candle response cache, or nil
// when Redis is disabled.
func ProvideResponseCache(cfg *config.Config) (*pkgcache.LayeredCache, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}
	host, port := splitHostPort(cfg.Redis.Addr)
	rc, err := pkgcache.NewRedisCache(
		pkgcache.WithRedisHost(host),
		pkgcache.WithRedisPort(port),
		pkgcache.WithRedisPassword(cfg.Redis.Password),
		pkgcache.WithRedisDB(cfg.Redis.DB),
	)
	if err != nil {
		return nil, fmt.Errorf("redis cache: %w", err)
	}
	return pkgcache.NewLayeredCache(rc, pkgcache.WithLayeredMemorySize(1000)), nil
}

func splitHostPort(addr string) (string, int) {
	host, port := "localhost", 6379
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			host = addr[:i]
			p := 0
			for _, ch := range addr[i+1:] {
				if ch < '0' || ch > '9' {
					return host, port
				}
				p = p*10 + int(ch-'0')
			}
			if p > 0 {
				port = p
			}
			return host, port
		}
	}
	if addr != "" {
		host = addr
	}
	return host, port
}

// ProvideApp assembles the application server.
func ProvideApp(
	cfg *config.Config,
	log *applogger.Logger,
	collector *usecase.DualSourceCollector,
	buffer *usecase.TickBuffer,
	mirror *mid.MirrorPipeline,
	consumer *pkgkafka.Consumer,
	importHandler *usecase.ImportHandler,
	candles *usecase.CandlesUseCase,
	ticks repository.TickStore,
	candleStore repository.CandleStore,
	respCache *pkgcache.LayeredCache,
	producer *pkgkafka.Producer,
	chClient *pkgch.Client,
) *server.App {
	if consumer != nil {
		// Stamp handling start time on every import message so hooks and
		// handlers share one latency reference.
		consumer.WithConsumerHook(pkgkafka.HookFuncs{
			Before: func(ctx context.Context, topic string, km kafkago.Message, data []byte) (context.Context, kafkago.Message, []byte, error) {
				ctx = pkgkafka.WithStartTime(ctx, time.Now())
				if id := pkgkafka.ExtractTraceID(km); id != "" {
					ctx = pkgkafka.WithTraceID(ctx, id)
				}
				return ctx, km, data, nil
			},
		})
	}
	return server.New(cfg, log, collector, buffer, mirror, consumer, importHandler,
		candles, ticks, candleStore, respCache, producer, chClient)
}
