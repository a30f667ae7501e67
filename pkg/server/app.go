package server

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"TickMill/internal/domain/models"
	"TickMill/internal/domain/repository"
	"TickMill/internal/handler/api"
	mid "TickMill/internal/middleware"
	"TickMill/internal/usecase"
	pkgcache "TickMill/pkg/cache"
	pkgch "TickMill/pkg/clickhouse"
	"TickMill/pkg/config"
	xhttp "TickMill/pkg/http"
	pkgkafka "TickMill/pkg/kafka"
	applogger "TickMill/pkg/logger"
)

// App encapsulates the entire application lifecycle.
type App struct {
	cfg           *config.Config
	log           *applogger.Logger
	collector     *usecase.DualSourceCollector
	buffer        *usecase.TickBuffer
	mirror        *mid.MirrorPipeline
	consumer      *pkgkafka.Consumer
	importHandler *usecase.ImportHandler
	candles       *usecase.CandlesUseCase
	ticks         repository.TickStore
	candleStore   repository.CandleStore
	respCache     *pkgcache.LayeredCache
	producer      *pkgkafka.Producer
	chClient      *pkgch.Client

	httpServer  *xhttp.Server
	unsubscribe func()
}

// New creates a new App instance with all dependencies.
func New(
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
) *App {
	return &App{
		cfg:           cfg,
		log:           log,
		collector:     collector,
		buffer:        buffer,
		mirror:        mirror,
		consumer:      consumer,
		importHandler: importHandler,
		candles:       candles,
		ticks:         ticks,
		candleStore:   candleStore,
		respCache:     respCache,
		producer:      producer,
		chClient:      chClient,
	}
}

// logPublisher adapts the Kafka producer to the log collector's transport.
type logPublisher struct {
	producer *pkgkafka.Producer
}

func (p *logPublisher) PublishMessage(ctx context.Context, topic string, payload interface{}) error {
	return p.producer.Publish(ctx, topic, nil, payload)
}

// Run starts the application and blocks until interrupted.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Aggregate repeated error logs into Kafka batches when a log topic is
	// configured.
	if a.producer != nil && a.cfg.Kafka.LogTopic != "" {
		a.log.AddCollector(&applogger.CollectionConfig{
			TimeInterval:   time.Minute,
			CountThreshold: 100,
			Topic:          a.cfg.Kafka.LogTopic,
			Publisher:      &logPublisher{producer: a.producer},
		})
	}

	// HTTP surface: ops API + metrics endpoint.
	handler := api.NewPipelineHandler(a.log, a.candles, a.buffer, a.collector, a.ticks, a.candleStore)
	if a.respCache != nil {
		handler.SetCache(a.respCache, a.cfg.Redis.CandleTTL)
	}
	a.httpServer = xhttp.NewServer(handler,
		xhttp.WithPort(a.cfg.Server.Port),
		xhttp.WithTimeouts(a.cfg.Server.ReadTimeout, a.cfg.Server.WriteTimeout, a.cfg.Server.ShutdownTimeout),
		xhttp.WithRequestMetrics(a.log, time.Second),
	)

	// Persist live candles as they finalize. Resampled reads answer from the
	// same table under a different source tag.
	a.unsubscribe = a.collector.Subscribe(func(symbol string, b *models.CandleBucket) {
		wctx, wcancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer wcancel()
		if err := a.candleStore.UpsertCandles(wctx, []*models.CandleBucket{b}); err != nil {
			a.log.Error("live candle persist failed",
				applogger.String("symbol", symbol),
				applogger.Int64("bucket_ms", b.BucketStartMs),
				applogger.Error(err),
			)
		}
	})

	a.mirror.Start(ctx)
	a.buffer.Start(ctx)

	if err := a.collector.Start(ctx); err != nil {
		a.log.Error("collector start error", applogger.Error(err))
		return err
	}
	a.log.Info("collector started", applogger.Strings("symbols", a.cfg.Stream.Symbols))

	if a.consumer != nil && a.importHandler != nil {
		a.consumer.RegisterHandler(a.importHandler)
		go func() {
			if err := a.consumer.Start(); err != nil {
				a.log.Error("kafka consumer error", applogger.Error(err))
			}
		}()
		a.log.Info("import consumer started", applogger.String("topic", a.importHandler.Topic()))
	}

	if err := a.httpServer.Start(); err != nil {
		a.log.Error("http server start error", applogger.Error(err))
		return err
	}
	a.log.Info("http server started", applogger.Int("port", a.cfg.Server.Port))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	a.log.Info("shutdown signal received")
	return a.shutdown(ctx)
}

// shutdown gracefully stops all services. Order matters: sources stop first
// so the final buffer flush sees every accepted tick.
func (a *App) shutdown(ctx context.Context) error {
	if err := a.collector.Stop(); err != nil {
		a.log.Warn("collector stop error", applogger.Error(err))
	}
	if a.unsubscribe != nil {
		a.unsubscribe()
	}

	if a.consumer != nil {
		if err := a.consumer.Stop(ctx); err != nil {
			a.log.Warn("kafka consumer stop error", applogger.Error(err))
		}
	}

	stopCtx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
	defer cancel()
	a.buffer.Stop(stopCtx)
	a.mirror.Stop()

	if a.httpServer != nil {
		if err := a.httpServer.Stop(stopCtx); err != nil {
			a.log.Error("http shutdown error", applogger.Error(err))
		}
	}

	if a.respCache != nil {
		if err := a.respCache.Close(); err != nil {
			a.log.Warn("cache close error", applogger.Error(err))
		}
	}
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.log.Warn("kafka producer close error", applogger.Error(err))
		}
	}
	if a.chClient != nil {
		if err := a.chClient.Close(); err != nil {
			a.log.Warn("clickhouse close error", applogger.Error(err))
		}
	}

	a.log.RemoveCollector()
	a.log.Info("shutdown complete")
	return nil
}
