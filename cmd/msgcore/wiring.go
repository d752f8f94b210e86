package main

import (
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/flarerelay/msgcore/internal/admission"
	"github.com/flarerelay/msgcore/internal/collaborator"
	"github.com/flarerelay/msgcore/internal/config"
	"github.com/flarerelay/msgcore/internal/delivery"
	"github.com/flarerelay/msgcore/internal/httpapi"
	"github.com/flarerelay/msgcore/internal/infrastructure/async"
	"github.com/flarerelay/msgcore/internal/registry"
	"github.com/flarerelay/msgcore/internal/router"
	"github.com/flarerelay/msgcore/internal/stream"
	"github.com/flarerelay/msgcore/internal/syncsvc"
)

// busConfig translates cfg.Kafka into the stream package's full BusConfig,
// filling in the producer/consumer knobs the config surface doesn't expose
// per-field with the same defaults NewEventBus's callers use elsewhere.
func busConfig(cfg config.KafkaConfig) stream.BusConfig {
	return stream.BusConfig{
		Brokers:        cfg.Brokers,
		ClientID:       "msgcore",
		ConnectTimeout: 15 * time.Second,
		ProducerConfig: stream.ProducerConfig{
			RequiredAcks:     -1,
			EnableIdempotent: true,
			CompressionType:  "snappy",
			MaxMessageBytes: 1 << 20,
			BatchSize:       100,
			LingerMS:        cfg.ProducerFlushMS,
		},
		ConsumerConfig: stream.ConsumerConfig{
			GroupID:          cfg.ConsumerGroup,
			AutoOffsetReset:  "latest",
			EnableAutoCommit: false,
			MaxPollRecords:   500,
			FetchMaxWaitMS:   500,
		},
		MetricsEnabled: true,
	}
}

// newEventBus builds the real Kafka-backed bus unless useStub requests the
// in-memory stand-in, used by the local-dev single-process path.
func newEventBus(cfg config.KafkaConfig, useStub bool) (stream.EventBus, error) {
	if useStub {
		return stream.NewStubBus(stream.DefaultStubConfig())
	}
	return stream.NewEventBus(stream.BusTypeKafka, busConfig(cfg))
}

func newRedisClient(cfg config.RedisConfig) *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// components bundles every wired pipeline stage so each subcommand can
// pick the subset it drives.
type components struct {
	cfg        config.Config
	bus        stream.EventBus
	redis      *goredis.Client
	registry   *registry.Registry
	admission  *admission.Stage
	router     *router.Router
	sync       *syncsvc.Service
	worker     *delivery.Worker
	publisher  *delivery.TopicPublisher
	httpServer *httpapi.Server
}

// buildComponents wires every pipeline stage from cfg. useStub selects the
// in-memory event bus for local development instead of real Kafka.
func buildComponents(cfg config.Config, useStub bool) (*components, error) {
	bus, err := newEventBus(cfg.Kafka, useStub)
	if err != nil {
		return nil, fmt.Errorf("build event bus: %w", err)
	}

	redisClient := newRedisClient(cfg.Redis)
	sessionRegistry := registry.New(redisClient, cfg.Heartbeat.HeartbeatTimeout())

	// Content moderation, group membership, friend graph, and ban status
	// are external collaborator services (out of this core's scope); the
	// in-memory fakes stand in for whatever gRPC/HTTP clients a real
	// deployment wires here.
	collaborators, _, _, _, _ := collaborator.NewFakeSet()

	admissionStage := admission.NewStage(*collaborators, cfg)

	syncStore := syncsvc.NewInMemoryStore()
	syncService := syncsvc.New(redisClient, syncStore, sessionRegistry, bus, cfg.Kafka.TopicDistribution)

	routerStage := router.New(bus, cfg.Kafka.TopicMessageStore, cfg.Kafka.TopicDistribution, syncService)

	connPool := async.NewConnectionPool(async.DefaultPoolConfig())
	gatewayPusher := delivery.NewHTTPGatewayPusher(connPool, "/internal/push")
	topicPublisher := delivery.NewTopicPublisher(bus, cfg.Kafka.TopicOfflineNotify, cfg.Kafka.TopicMessageStatus)

	worker := delivery.New(bus, sessionRegistry, collaborators.Groups, gatewayPusher, topicPublisher, topicPublisher, cfg.Kafka.TopicDistribution, cfg.Delivery, cfg.Retry)

	httpServer := httpapi.NewServer(httpapi.DefaultConfig(cfg.HTTP.ListenAddr), bus, admissionStage)

	return &components{
		cfg:        cfg,
		bus:        bus,
		redis:      redisClient,
		registry:   sessionRegistry,
		admission:  admissionStage,
		router:     routerStage,
		sync:       syncService,
		worker:     worker,
		publisher:  topicPublisher,
		httpServer: httpServer,
	}, nil
}
