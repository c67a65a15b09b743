package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaProducer is the subset of *kgo.Client used by KafkaSink.
type KafkaProducer interface {
	Produce(ctx context.Context, record *kgo.Record, fn func(*kgo.Record, error))
}

type KafkaSinkConfig struct {
	Logger   *slog.Logger
	Producer KafkaProducer
	Topic    string
}

func (c *KafkaSinkConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Producer == nil {
		return errors.New("producer is required")
	}
	if c.Topic == "" {
		return errors.New("topic is required")
	}
	return nil
}

// KafkaSink mirrors events to a Kafka topic keyed by session id, so one
// session's events land in a single partition in order. Delivery failures are
// logged and never reach the turn.
type KafkaSink struct {
	log *slog.Logger
	cfg KafkaSinkConfig
}

func NewKafkaSink(cfg KafkaSinkConfig) (*KafkaSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate kafka sink config: %w", err)
	}
	return &KafkaSink{log: cfg.Logger, cfg: cfg}, nil
}

func (k *KafkaSink) Publish(ctx context.Context, ev Event) {
	data, err := ev.Marshal()
	if err != nil {
		k.log.Error("stream/kafka: failed to encode event", "error", err, "event", ev.String())
		return
	}
	rec := &kgo.Record{
		Topic: k.cfg.Topic,
		Key:   []byte(ev.SessionID),
		Value: data,
		Headers: []kgo.RecordHeader{
			{Key: "type", Value: []byte(ev.Type)},
		},
	}
	k.cfg.Producer.Produce(context.WithoutCancel(ctx), rec, func(r *kgo.Record, err error) {
		if err != nil {
			k.log.Warn("stream/kafka: failed to mirror event", "error", err, "topic", r.Topic, "session", ev.SessionID, "seq", ev.Seq)
		}
	})
}

// NewKafkaClient builds a producer client for the event mirror.
func NewKafkaClient(brokers []string) (*kgo.Client, error) {
	if len(brokers) == 0 {
		return nil, errors.New("brokers are required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(100*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return client, nil
}

// EnsureTopic creates the topic if it does not exist yet.
func EnsureTopic(ctx context.Context, client *kgo.Client, topic string, partitions int, replication int) error {
	adm := kadm.NewClient(client)
	_, err := adm.CreateTopic(ctx, int32(partitions), int16(replication), nil, topic)
	if err != nil {
		if strings.Contains(err.Error(), "TOPIC_ALREADY_EXISTS") {
			return nil
		}
		return fmt.Errorf("failed to create topic: %w", err)
	}
	return nil
}
