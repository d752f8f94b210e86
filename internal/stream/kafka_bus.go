package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Shopify/sarama"
)

// KafkaBus implements EventBus over a real Shopify/sarama producer and
// consumer-group client. Publish uses a synchronous producer so the
// caller observes partition/offset placement immediately; Subscribe runs
// a sarama consumer group session per (topic, group) pair.
type KafkaBus struct {
	config BusConfig

	mu       sync.RWMutex
	started  bool
	client   sarama.Client
	producer sarama.SyncProducer
	admin    sarama.ClusterAdmin
	cancels  []context.CancelFunc
	metrics  HealthMetrics
}

// NewKafkaBus constructs a KafkaBus. The sarama client itself connects in
// Start, not here, so construction never blocks on broker reachability.
func NewKafkaBus(config BusConfig) (EventBus, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers must be specified")
	}
	return &KafkaBus{
		config:  config,
		metrics: HealthMetrics{ConnectedBrokers: len(config.Brokers)},
	}, nil
}

func (k *KafkaBus) saramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = k.config.ClientID
	cfg.Version = sarama.V2_8_0_0

	switch k.config.ProducerConfig.RequiredAcks {
	case 0:
		cfg.Producer.RequiredAcks = sarama.NoResponse
	case -1:
		cfg.Producer.RequiredAcks = sarama.WaitForAll
	default:
		cfg.Producer.RequiredAcks = sarama.WaitForLocal
	}
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Idempotent = k.config.ProducerConfig.EnableIdempotent
	if cfg.Producer.Idempotent {
		cfg.Net.MaxOpenRequests = 1
		cfg.Producer.RequiredAcks = sarama.WaitForAll
	}
	if k.config.ProducerConfig.LingerMS > 0 {
		cfg.Producer.Flush.Frequency = time.Duration(k.config.ProducerConfig.LingerMS) * time.Millisecond
	}
	switch k.config.ProducerConfig.CompressionType {
	case "gzip":
		cfg.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		cfg.Producer.Compression = sarama.CompressionZSTD
	default:
		cfg.Producer.Compression = sarama.CompressionNone
	}

	cfg.Consumer.Offsets.AutoCommit.Enable = k.config.ConsumerConfig.EnableAutoCommit
	if k.config.ConsumerConfig.AutoOffsetReset == "earliest" {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	if k.config.ConsumerConfig.SessionTimeoutMS > 0 {
		cfg.Consumer.Group.Session.Timeout = time.Duration(k.config.ConsumerConfig.SessionTimeoutMS) * time.Millisecond
	}
	if k.config.ConsumerConfig.HeartbeatIntervalMS > 0 {
		cfg.Consumer.Group.Heartbeat.Interval = time.Duration(k.config.ConsumerConfig.HeartbeatIntervalMS) * time.Millisecond
	}

	return cfg
}

// Start connects the underlying sarama client, synchronous producer, and
// cluster admin handle.
func (k *KafkaBus) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.started {
		return nil
	}

	cfg := k.saramaConfig()

	client, err := sarama.NewClient(k.config.Brokers, cfg)
	if err != nil {
		return fmt.Errorf("connect kafka client: %w", err)
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return fmt.Errorf("create sync producer: %w", err)
	}

	admin, err := sarama.NewClusterAdminFromClient(client)
	if err != nil {
		producer.Close()
		client.Close()
		return fmt.Errorf("create cluster admin: %w", err)
	}

	k.client = client
	k.producer = producer
	k.admin = admin
	k.started = true

	if k.config.MetricsCallback != nil {
		k.config.MetricsCallback("stream_bus_started", 1, map[string]string{"type": "kafka"})
	}
	return nil
}

// Stop cancels all active subscriptions and closes the sarama handles.
func (k *KafkaBus) Stop(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.started {
		return nil
	}

	for _, cancel := range k.cancels {
		cancel()
	}
	k.cancels = nil

	var firstErr error
	if k.admin != nil {
		if err := k.admin.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if k.producer != nil {
		if err := k.producer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if k.client != nil {
		if err := k.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	k.started = false
	return firstErr
}

// Publish sends one message synchronously, waiting for broker acks per
// ProducerConfig.RequiredAcks.
func (k *KafkaBus) Publish(ctx context.Context, topic, key string, payload []byte) error {
	k.mu.RLock()
	producer := k.producer
	started := k.started
	k.mu.RUnlock()

	if !started {
		return ErrBusNotStarted
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	}

	partition, offset, err := producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	if k.config.MetricsCallback != nil {
		k.config.MetricsCallback("stream_publish_total", 1, map[string]string{"topic": topic})
		k.config.MetricsCallback("stream_publish_bytes", len(payload), map[string]string{"topic": topic})
	}
	_ = partition
	_ = offset
	return nil
}

// PublishBatch sends every message through SendMessages, preserving
// per-message topic/key/payload but not offering cross-topic atomicity
// (sarama transactions would; not required by this bus's at-least-once
// contract).
func (k *KafkaBus) PublishBatch(ctx context.Context, messages []Message) error {
	k.mu.RLock()
	producer := k.producer
	started := k.started
	k.mu.RUnlock()

	if !started {
		return ErrBusNotStarted
	}

	batch := make([]*sarama.ProducerMessage, len(messages))
	for i, m := range messages {
		batch[i] = &sarama.ProducerMessage{
			Topic: m.Topic,
			Key:   sarama.StringEncoder(m.Key),
			Value: sarama.ByteEncoder(m.Payload),
		}
	}

	if err := producer.SendMessages(batch); err != nil {
		return fmt.Errorf("publish batch: %w", err)
	}

	if k.config.MetricsCallback != nil {
		k.config.MetricsCallback("stream_publish_batch_total", len(messages), map[string]string{"type": "kafka"})
	}
	return nil
}

// consumerGroupHandler adapts a MessageHandler to sarama's
// ConsumerGroupHandler interface.
type consumerGroupHandler struct {
	handler MessageHandler
	bus     *KafkaBus
	topic   string
	group   string
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		m := &Message{
			ID:        fmt.Sprintf("%s-%d-%d", msg.Topic, msg.Partition, msg.Offset),
			Topic:     msg.Topic,
			Key:       string(msg.Key),
			Payload:   msg.Value,
			Timestamp: msg.Timestamp,
			Partition: msg.Partition,
			Offset:    msg.Offset,
		}

		err := h.handler(sess.Context(), m)
		switch {
		case err == nil:
			if h.bus.config.MetricsCallback != nil {
				h.bus.config.MetricsCallback("stream_consume_total", 1, map[string]string{"topic": h.topic, "group": h.group})
			}
			sess.MarkMessage(msg, "")
		case IsPoisonMessage(err):
			// Undecodable payload: nothing about retrying it would ever
			// succeed, so advance past it rather than wedge the
			// partition behind a record that can never be processed.
			if h.bus.config.MetricsCallback != nil {
				h.bus.config.MetricsCallback("stream_poison_message_total", 1, map[string]string{"topic": h.topic, "group": h.group})
			}
			sess.MarkMessage(msg, "")
		default:
			// Processing failure: the caller's handler (internal/delivery)
			// owns retry/dead-letter policy and has already durably
			// re-appended or dead-lettered this message as needed. The
			// record is not marked here, but a later MarkMessage on the
			// same partition commits past it, so it is redelivered only
			// if the session ends first; duplicate delivery of the same
			// server_msg_id is tolerated by design (gateways dedupe on
			// server_msg_id + device_id).
			if h.bus.config.MetricsCallback != nil {
				h.bus.config.MetricsCallback("stream_handler_error_total", 1, map[string]string{
					"topic": h.topic, "group": h.group, "error": err.Error(),
				})
			}
		}
	}
	return nil
}

// Subscribe starts a consumer group goroutine for (topic, group). It runs
// until ctx is canceled or Stop is called.
func (k *KafkaBus) Subscribe(ctx context.Context, topic, group string, handler MessageHandler) error {
	k.mu.Lock()
	if !k.started {
		k.mu.Unlock()
		return ErrBusNotStarted
	}

	cfg := k.saramaConfig()
	consumerGroup, err := sarama.NewConsumerGroup(k.config.Brokers, group, cfg)
	if err != nil {
		k.mu.Unlock()
		return fmt.Errorf("create consumer group %s: %w", group, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	k.cancels = append(k.cancels, cancel)
	k.metrics.ActiveConsumers++
	k.mu.Unlock()

	h := &consumerGroupHandler{handler: handler, bus: k, topic: topic, group: group}

	go func() {
		defer consumerGroup.Close()
		for {
			if err := consumerGroup.Consume(subCtx, []string{topic}, h); err != nil {
				if k.config.MetricsCallback != nil {
					k.config.MetricsCallback("stream_consume_error_total", 1, map[string]string{"topic": topic, "group": group, "error": err.Error()})
				}
			}
			if subCtx.Err() != nil {
				return
			}
		}
	}()

	if k.config.MetricsCallback != nil {
		k.config.MetricsCallback("stream_subscribe_total", 1, map[string]string{"topic": topic, "group": group})
	}
	return nil
}

// SubscribeWithFilter subscribes with a handler that skips records
// filter rejects before invoking the caller's handler.
func (k *KafkaBus) SubscribeWithFilter(ctx context.Context, topic, group string, filter MessageFilter, handler MessageHandler) error {
	filtered := func(ctx context.Context, message *Message) error {
		if filter(message) {
			return handler(ctx, message)
		}
		return nil
	}
	return k.Subscribe(ctx, topic, group, filtered)
}

// CreateTopic creates topic via the cluster admin client.
func (k *KafkaBus) CreateTopic(ctx context.Context, config TopicConfig) error {
	k.mu.RLock()
	admin := k.admin
	started := k.started
	k.mu.RUnlock()

	if !started {
		return ErrBusNotStarted
	}

	detail := &sarama.TopicDetail{
		NumPartitions:     config.Partitions,
		ReplicationFactor: config.ReplicationFactor,
		ConfigEntries:     map[string]*string{},
	}
	if err := admin.CreateTopic(config.Name, detail, false); err != nil {
		return fmt.Errorf("create topic %s: %w", config.Name, err)
	}

	if k.config.MetricsCallback != nil {
		k.config.MetricsCallback("stream_topic_created", 1, map[string]string{"topic": config.Name})
	}
	return nil
}

// DeleteTopic deletes topic via the cluster admin client.
func (k *KafkaBus) DeleteTopic(ctx context.Context, topic string) error {
	k.mu.RLock()
	admin := k.admin
	started := k.started
	k.mu.RUnlock()

	if !started {
		return ErrBusNotStarted
	}
	if err := admin.DeleteTopic(topic); err != nil {
		return fmt.Errorf("delete topic %s: %w", topic, err)
	}
	return nil
}

// GetTopicInfo reports partition metadata for topic.
func (k *KafkaBus) GetTopicInfo(ctx context.Context, topic string) (*TopicInfo, error) {
	k.mu.RLock()
	client := k.client
	started := k.started
	k.mu.RUnlock()

	if !started {
		return nil, ErrBusNotStarted
	}

	partitions, err := client.Partitions(topic)
	if err != nil {
		return nil, fmt.Errorf("partitions for %s: %w", topic, err)
	}

	infos := make([]PartitionInfo, len(partitions))
	for i, p := range partitions {
		leader, err := client.Leader(topic, p)
		leaderID := int32(-1)
		if err == nil && leader != nil {
			leaderID = leader.ID()
		}
		replicas, _ := client.Replicas(topic, p)
		isr, _ := client.InSyncReplicas(topic, p)
		infos[i] = PartitionInfo{ID: p, Leader: leaderID, Replicas: replicas, ISR: isr}
	}

	return &TopicInfo{
		Name:       topic,
		Partitions: infos,
		CreatedAt:  time.Now(),
	}, nil
}

// Health reports whether the bus is started and connected.
func (k *KafkaBus) Health() HealthStatus {
	k.mu.RLock()
	defer k.mu.RUnlock()

	status := HealthStatus{
		Healthy:   k.started,
		Metrics:   k.metrics,
		LastCheck: time.Now(),
	}
	if k.started {
		status.Status = "running"
	} else {
		status.Status = "stopped"
		status.Errors = append(status.Errors, "bus not started")
	}
	return status
}

// DefaultKafkaConfig returns sensible defaults for a production Kafka bus.
func DefaultKafkaConfig() BusConfig {
	return BusConfig{
		Brokers:          []string{"localhost:9092"},
		ClientID:         "msgcore",
		SecurityProtocol: "PLAINTEXT",
		ConnectTimeout:   30 * time.Second,
		ProducerConfig: ProducerConfig{
			RequiredAcks:     1,
			CompressionType:  "snappy",
			MaxMessageBytes:  1048576,
			BatchSize:        16384,
			LingerMS:         5,
			EnableIdempotent: true,
		},
		ConsumerConfig: ConsumerConfig{
			GroupID:              "msgcore-consumers",
			AutoOffsetReset:      "latest",
			EnableAutoCommit:     false,
			AutoCommitIntervalMS: 5000,
			SessionTimeoutMS:     30000,
			HeartbeatIntervalMS:  3000,
			MaxPollRecords:       500,
			FetchMinBytes:        1,
			FetchMaxWaitMS:       500,
		},
		RetryConfig: RetryConfig{
			MaxRetries:    3,
			InitialDelay:  100 * time.Millisecond,
			MaxDelay:      10 * time.Second,
			BackoffFactor: 2.0,
			JitterEnabled: true,
		},
		DeadLetterConfig: DeadLetterConfig{
			Enabled:         true,
			Topic:           "dead_letter",
			MaxRetries:      3,
			RetentionTime:   24 * time.Hour,
			QuarantineAfter: 5,
		},
		MetricsEnabled: true,
	}
}
