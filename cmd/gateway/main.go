// The gateway binary bridges an external message broker to the in-process
// task execution engine. It loads the handler configuration, connects the
// selected data plane (MQTT or Google Pub/Sub), and serves the operational
// HTTP surface until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"

	"github.com/illmade-knight/go-event-gateway/pkg/artifactstore"
	"github.com/illmade-knight/go-event-gateway/pkg/auditstore"
	"github.com/illmade-knight/go-event-gateway/pkg/expression"
	"github.com/illmade-knight/go-event-gateway/pkg/gateway"
	"github.com/illmade-knight/go-event-gateway/pkg/identity"
	"github.com/illmade-knight/go-event-gateway/pkg/messaging"
	"github.com/illmade-knight/go-event-gateway/pkg/microservice"
	"github.com/illmade-knight/go-event-gateway/pkg/mqttbroker"
	"github.com/illmade-knight/go-event-gateway/pkg/taskengine"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "service.yaml", "path to the service configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatal().Err(err).Msg("Gateway exited with error")
	}
}

func run(configPath string) error {
	appCfg, err := LoadAppConfig(configPath)
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(appCfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().
		Timestamp().
		Str("service", appCfg.ServiceName).
		Logger()

	gatewayCfg, err := gateway.LoadConfig(appCfg.GatewayConfig)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var clientOpts []option.ClientOption
	if appCfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(appCfg.CredentialsFile))
	}

	consumerFactory, publisherFactory, err := brokerFactories(ctx, appCfg, logger, clientOpts)
	if err != nil {
		return err
	}
	dataPlane := gateway.NewDataPlaneManager(gateway.DataPlaneConfig{}, gatewayCfg, consumerFactory, publisherFactory, logger)

	translator := gateway.NewTranslator(expression.NewMessageEvaluator(), logger)
	verifierClose, err := wireIdentity(ctx, appCfg, translator, logger, clientOpts)
	if err != nil {
		return err
	}
	defer verifierClose()

	engine := taskengine.NewLocalEngine(taskengine.LocalEngineConfig{
		NumWorkers: appCfg.Engine.NumWorkers,
		QueueSize:  appCfg.Engine.QueueSize,
	}, logger)

	svc, err := buildService(ctx, appCfg, gatewayCfg, dataPlane, translator, engine, logger, clientOpts)
	if err != nil {
		return err
	}
	engine.OnCompletion(svc.OnTaskCompletion)

	auditStop, err := wireAudit(ctx, appCfg, svc, logger, clientOpts)
	if err != nil {
		return err
	}

	var ready atomic.Bool
	server := microservice.NewBaseServer(logger, appCfg.HTTPPort, ready.Load)
	if err := server.Start(); err != nil {
		return err
	}

	engine.Start(ctx)
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway service: %w", err)
	}
	ready.Store(true)
	logger.Info().Str("http_port", server.GetHTTPPort()).Str("broker", appCfg.Broker.Kind).Msg("Gateway is running.")

	<-ctx.Done()
	ready.Store(false)
	logger.Info().Msg("Shutdown signal received.")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()

	svc.Stop(stopCtx)
	if err := engine.Stop(stopCtx); err != nil {
		logger.Warn().Err(err).Msg("Execution engine did not stop cleanly.")
	}
	auditStop(stopCtx)
	if err := server.Shutdown(stopCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP server did not stop cleanly.")
	}
	return nil
}

// brokerFactories builds the data-plane client factories for the configured
// broker kind. The factories are invoked lazily by the data-plane manager.
func brokerFactories(
	ctx context.Context,
	appCfg *AppConfig,
	logger zerolog.Logger,
	clientOpts []option.ClientOption,
) (gateway.ConsumerFactory, gateway.PublisherFactory, error) {
	switch appCfg.Broker.Kind {
	case BrokerMQTT:
		clientCfg := mqttbroker.LoadClientConfigWithEnv()
		clientCfg.BrokerURL = appCfg.Broker.MQTT.BrokerURL
		clientCfg.Username = os.Getenv("MQTT_USERNAME")
		clientCfg.Password = os.Getenv("MQTT_PASSWORD")
		clientCfg.CACertFile = appCfg.Broker.MQTT.CACertFile
		clientCfg.ClientCertFile = appCfg.Broker.MQTT.ClientCertFile
		clientCfg.ClientKeyFile = appCfg.Broker.MQTT.ClientKeyFile
		if appCfg.Broker.MQTT.ClientIDPrefix != "" {
			clientCfg.ClientIDPrefix = appCfg.Broker.MQTT.ClientIDPrefix
		}
		// Deferred acknowledgment relies on broker-side redelivery of
		// unacked messages across session resumption.
		clientCfg.CleanSession = false

		consumerFactory := func(_ context.Context) (messaging.MessageConsumer, error) {
			return mqttbroker.NewConsumer(clientCfg, logger)
		}
		publisherFactory := func(_ context.Context) (messaging.MessagePublisher, error) {
			return mqttbroker.NewPublisher(clientCfg, appCfg.Broker.MQTT.PublishQoS, logger)
		}
		return consumerFactory, publisherFactory, nil

	case BrokerPubsub:
		client, err := pubsub.NewClient(ctx, appCfg.ProjectID, clientOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Pub/Sub client: %w", err)
		}
		consumerCfg := messaging.NewGooglePubsubConsumerDefaults(appCfg.ProjectID)
		if appCfg.Broker.Pubsub != nil {
			if appCfg.Broker.Pubsub.MaxOutstandingMessages > 0 {
				consumerCfg.MaxOutstandingMessages = appCfg.Broker.Pubsub.MaxOutstandingMessages
			}
			if appCfg.Broker.Pubsub.NumGoroutines > 0 {
				consumerCfg.NumGoroutines = appCfg.Broker.Pubsub.NumGoroutines
			}
		}
		consumerFactory := func(_ context.Context) (messaging.MessageConsumer, error) {
			return messaging.NewGooglePubsubConsumer(consumerCfg, client, logger)
		}
		publisherFactory := func(_ context.Context) (messaging.MessagePublisher, error) {
			return messaging.NewGooglePubsubPublisher(messaging.NewGooglePubsubPublisherDefaults(), client, logger)
		}
		return consumerFactory, publisherFactory, nil
	}
	return nil, nil, fmt.Errorf("unknown broker kind %q", appCfg.Broker.Kind)
}

// wireIdentity installs principal verification on the translator when a
// Firestore collection is configured. Returns a close function for the
// resolver chain.
func wireIdentity(
	ctx context.Context,
	appCfg *AppConfig,
	translator *gateway.Translator,
	logger zerolog.Logger,
	clientOpts []option.ClientOption,
) (func(), error) {
	if appCfg.Identity.FirestoreCollection == "" {
		return func() {}, nil
	}

	fsClient, err := firestore.NewClient(ctx, appCfg.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}
	source, err := identity.NewFirestoreSource(&identity.FirestoreConfig{
		ProjectID:      appCfg.ProjectID,
		CollectionName: appCfg.Identity.FirestoreCollection,
	}, fsClient, logger)
	if err != nil {
		_ = fsClient.Close()
		return nil, err
	}

	var resolver identity.Resolver = source
	if appCfg.Identity.RedisAddr != "" {
		ttl := time.Duration(appCfg.Identity.CacheTTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		resolver, err = identity.NewRedisResolver(ctx, &identity.RedisConfig{
			Addr:     appCfg.Identity.RedisAddr,
			Password: os.Getenv("REDIS_PASSWORD"),
			CacheTTL: ttl,
		}, source, logger)
		if err != nil {
			_ = fsClient.Close()
			return nil, fmt.Errorf("failed to create Redis principal cache: %w", err)
		}
	}

	translator.SetIdentityVerifier(identity.NewVerifier(resolver, logger))
	return func() {
		_ = resolver.Close()
		_ = fsClient.Close()
	}, nil
}

// buildService assembles the gateway service, including the output router
// and optional GCS artifact offloading.
func buildService(
	ctx context.Context,
	appCfg *AppConfig,
	gatewayCfg *gateway.Config,
	dataPlane *gateway.DataPlaneManager,
	translator *gateway.Translator,
	engine taskengine.Engine,
	logger zerolog.Logger,
	clientOpts []option.ClientOption,
) (*gateway.Service, error) {
	var artifacts gateway.ArtifactWriter
	if appCfg.Output.ArtifactBucket != "" {
		gcsClient, err := storage.NewClient(ctx, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCS client: %w", err)
		}
		artifacts, err = artifactstore.NewGCSArtifactWriter(
			artifactstore.NewGCSClientAdapter(gcsClient),
			artifactstore.GCSArtifactWriterConfig{
				BucketName:   appCfg.Output.ArtifactBucket,
				ObjectPrefix: appCfg.Output.ArtifactPrefix,
			}, logger)
		if err != nil {
			return nil, err
		}
	}

	router, err := gateway.NewOutputRouter(
		gateway.OutputRouterConfig{InlinePayloadLimit: appCfg.Output.InlinePayloadLimit},
		gatewayCfg.OutputHandlers,
		gateway.DeferredPublisher(dataPlane),
		artifacts,
		logger)
	if err != nil {
		return nil, err
	}
	return gateway.NewDefaultService(gatewayCfg, dataPlane, translator, engine, router, logger)
}

// wireAudit registers the BigQuery settlement audit hook when configured.
// Returns a stop function for the batching worker.
func wireAudit(
	ctx context.Context,
	appCfg *AppConfig,
	svc *gateway.Service,
	logger zerolog.Logger,
	clientOpts []option.ClientOption,
) (func(context.Context), error) {
	if appCfg.Audit.DatasetID == "" {
		return func(context.Context) {}, nil
	}

	bqClient, err := auditstore.NewProductionBigQueryClient(ctx, appCfg.ProjectID, appCfg.CredentialsFile, logger)
	if err != nil {
		return nil, err
	}
	inserter, err := auditstore.NewBigQueryInserter(ctx, bqClient, &auditstore.BigQueryConfig{
		DatasetID: appCfg.Audit.DatasetID,
		TableID:   appCfg.Audit.TableID,
	}, logger)
	if err != nil {
		_ = bqClient.Close()
		return nil, err
	}
	auditor := auditstore.NewBatchAuditor(&auditstore.BatchAuditorConfig{
		BatchSize:     appCfg.Audit.BatchSize,
		FlushInterval: appCfg.AuditFlushInterval(),
		InsertTimeout: 30 * time.Second,
	}, inserter, logger)
	auditor.Start(ctx)

	svc.AckEngine().AddSettlementHook(func(rec gateway.SettlementRecord) {
		auditor.Record(auditstore.SettlementRow{
			TaskID:    rec.TaskID,
			Handler:   rec.Handler,
			Success:   rec.Success,
			Outcome:   rec.Outcome,
			Reason:    rec.Reason,
			Deferred:  rec.Deferred,
			CreatedAt: rec.CreatedAt,
			SettledAt: rec.SettledAt,
		})
	})

	return func(stopCtx context.Context) {
		if err := auditor.Stop(stopCtx); err != nil {
			logger.Warn().Err(err).Msg("Audit batcher did not stop cleanly.")
		}
		_ = bqClient.Close()
	}, nil
}
