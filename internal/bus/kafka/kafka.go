// Package kafka implements bus.PubSub over Apache Kafka via
// github.com/IBM/sarama, adapted directly from the teacher's
// internal/sinks/kafka_sink.go: an AsyncProducer for publish, a
// ConsumerGroup for subscribe, the same SASL/TLS/compression/
// partitioner configuration surface, carried over from LogEntry
// batching to single wire.Value publishes.
//
// Every wire.Value is produced onto one shared topic, partitioned by
// its full running id (the teacher's determinePartitionKey pattern);
// Subscribe filters the consumer group's stream down to the full
// running ids the caller asked for, since Kafka itself has no
// per-key subscription.
package kafka

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"ias/internal/apperr"
	"ias/internal/bus"
	"ias/internal/metrics"
	"ias/internal/wire"
)

// AuthConfig configures SASL authentication, carried over from the
// teacher's KafkaSinkConfig.Auth.
type AuthConfig struct {
	Enabled   bool
	Username  string
	Password  string
	Mechanism string // "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512"
}

// TLSConfig configures transport encryption.
type TLSConfig struct {
	Enabled bool
}

// Config configures a Bus instance.
type Config struct {
	Brokers         []string
	Topic           string
	ConsumerGroupID string
	Compression     string // "gzip", "snappy", "lz4", "zstd", ""
	Partitioner     string // "hash", "round-robin", "random"
	RequiredAcks    sarama.RequiredAcks
	RetryMax        int
	Timeout         time.Duration
	Auth            AuthConfig
	TLS             TLSConfig
}

func (c Config) buildSaramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	if c.RequiredAcks != 0 {
		cfg.Producer.RequiredAcks = c.RequiredAcks
	}

	switch strings.ToLower(c.Compression) {
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

	switch strings.ToLower(c.Partitioner) {
	case "round-robin":
		cfg.Producer.Partitioner = sarama.NewRoundRobinPartitioner
	case "random":
		cfg.Producer.Partitioner = sarama.NewRandomPartitioner
	default:
		cfg.Producer.Partitioner = sarama.NewHashPartitioner
	}

	if c.RetryMax > 0 {
		cfg.Producer.Retry.Max = c.RetryMax
	}
	if c.Timeout > 0 {
		cfg.Net.DialTimeout = c.Timeout
		cfg.Net.ReadTimeout = c.Timeout
		cfg.Net.WriteTimeout = c.Timeout
	}

	if c.Auth.Enabled {
		cfg.Net.SASL.Enable = true
		cfg.Net.SASL.User = c.Auth.Username
		cfg.Net.SASL.Password = c.Auth.Password
		switch strings.ToUpper(c.Auth.Mechanism) {
		case "SCRAM-SHA-256":
			cfg.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
			cfg.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &xdgSCRAMClient{HashGeneratorFcn: sha256Generator}
			}
		case "SCRAM-SHA-512":
			cfg.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
			cfg.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &xdgSCRAMClient{HashGeneratorFcn: sha512Generator}
			}
		default:
			cfg.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		}
	}
	if c.TLS.Enabled {
		cfg.Net.TLS.Enable = true
	}
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	return cfg
}

// Bus is a bus.PubSub backed by Kafka.
type Bus struct {
	config   Config
	logger   *logrus.Logger
	producer sarama.AsyncProducer
	client   sarama.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	groups []sarama.ConsumerGroup
}

// New builds a Bus connected to config.Brokers.
func New(config Config, logger *logrus.Logger) (*Bus, error) {
	const op = "New"
	if len(config.Brokers) == 0 {
		return nil, apperr.New(apperr.CodeConfigInvalid, "bus/kafka", op, "no brokers configured")
	}
	if config.Topic == "" {
		return nil, apperr.New(apperr.CodeConfigInvalid, "bus/kafka", op, "no topic configured")
	}

	saramaConfig := config.buildSaramaConfig()
	client, err := sarama.NewClient(config.Brokers, saramaConfig)
	if err != nil {
		return nil, apperr.New(apperr.CodeConfigInvalid, "bus/kafka", op, "connecting to brokers").Wrap(err)
	}
	producer, err := sarama.NewAsyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, apperr.New(apperr.CodeConfigInvalid, "bus/kafka", op, "creating producer").Wrap(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{config: config, logger: logger, producer: producer, client: client, ctx: ctx, cancel: cancel}

	b.wg.Add(1)
	go b.handleProducerResponses()
	return b, nil
}

func (b *Bus) handleProducerResponses() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case success := <-b.producer.Successes():
			if success != nil {
				b.logger.WithFields(logrus.Fields{
					"topic": success.Topic, "partition": success.Partition, "offset": success.Offset,
				}).Trace("value delivered to kafka")
			}
		case err := <-b.producer.Errors():
			if err != nil {
				b.logger.WithError(err.Err).WithField("topic", err.Msg.Topic).Error("failed to produce value")
				metrics.BusPublishErrorsTotal.WithLabelValues("kafka", err.Msg.Topic).Inc()
			}
		}
	}
}

// Publish encodes v and sends it onto the configured topic, keyed by
// v.FullRunningID so related values land on the same partition.
func (b *Bus) Publish(ctx context.Context, v wire.Value) error {
	const op = "Publish"
	payload, err := wire.Encode(v)
	if err != nil {
		return apperr.New(apperr.CodeBusPublishFailed, "bus/kafka", op, "encoding value").Wrap(err)
	}

	msg := &sarama.ProducerMessage{
		Topic: b.config.Topic,
		Key:   sarama.StringEncoder(v.FullRunningID),
		Value: sarama.ByteEncoder(payload),
	}
	select {
	case b.producer.Input() <- msg:
		return nil
	case <-ctx.Done():
		metrics.BusPublishErrorsTotal.WithLabelValues("kafka", b.config.Topic).Inc()
		return apperr.New(apperr.CodeBusPublishFailed, "bus/kafka", op, "context cancelled").Wrap(ctx.Err())
	}
}

// Subscribe joins the configured consumer group and delivers, to
// handler, every decoded value whose FullRunningID is in topics.
func (b *Bus) Subscribe(ctx context.Context, topics []string, handler bus.Handler) error {
	const op = "Subscribe"
	group, err := sarama.NewConsumerGroupFromClient(b.config.ConsumerGroupID, b.client)
	if err != nil {
		metrics.BusSubscribeErrorsTotal.WithLabelValues("kafka", b.config.Topic).Inc()
		return apperr.New(apperr.CodeBusSubscribeFailed, "bus/kafka", op, "joining consumer group").Wrap(err)
	}

	wanted := make(map[string]bool, len(topics))
	for _, t := range topics {
		wanted[t] = true
	}

	b.mu.Lock()
	b.groups = append(b.groups, group)
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	h := &consumerHandler{bus: b, wanted: wanted, handler: handler}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer cancel()
		for {
			if err := group.Consume(ctx, []string{b.config.Topic}, h); err != nil {
				if ctx.Err() != nil {
					return
				}
				b.logger.WithError(err).Warn("kafka consumer group session ended, retrying")
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}()

	go func() {
		for err := range group.Errors() {
			b.logger.WithError(err).Error("kafka consumer group error")
		}
	}()

	return nil
}

type consumerHandler struct {
	bus     *Bus
	wanted  map[string]bool
	handler bus.Handler
}

func (h *consumerHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *consumerHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			v, err := wire.Decode(msg.Value)
			if err != nil {
				h.bus.logger.WithError(err).Warn("failed to decode kafka message")
				sess.MarkMessage(msg, "")
				continue
			}
			if h.wanted[v.FullRunningID] {
				h.handler([]wire.Value{v})
			}
			sess.MarkMessage(msg, "")
		case <-sess.Context().Done():
			return nil
		}
	}
}

// Close shuts down every consumer group, the producer, and the client.
func (b *Bus) Close() error {
	b.cancel()
	b.mu.RLock()
	groups := append([]sarama.ConsumerGroup(nil), b.groups...)
	b.mu.RUnlock()
	for _, g := range groups {
		g.Close()
	}
	b.wg.Wait()

	if err := b.producer.Close(); err != nil {
		b.logger.WithError(err).Error("error closing kafka producer")
	}
	return b.client.Close()
}

var _ bus.PubSub = (*Bus)(nil)
