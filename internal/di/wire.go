//go:build wireinject
// +build wireinject

package di

import (
	"TickMill/pkg/config"
	"TickMill/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		// Observability
		ProvideLogger,
		ProvideMetrics,

		// Infrastructure clients
		ProvideClickHouseClient,
		ProvideKafkaProducer,
		ProvideKafkaConsumer,
		ProvideResponseCache,

		// Repositories
		ProvideTickStore,
		ProvideCandleStore,
		ProvideTickPublisher,
		ProvideMarketStream,
		ProvideQuoteSource,

		// Use cases
		ProvideTickBuffer,
		ProvideMirrorPipeline,
		ProvideCollector,
		ProvideResampler,
		ProvideCandlesUseCase,
		ProvideImportHandler,

		// Application server
		ProvideApp,
	)
	return &server.App{}, nil
}
