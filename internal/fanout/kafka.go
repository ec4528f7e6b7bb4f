package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/soyeahso/unibox/internal/config"
	"github.com/soyeahso/unibox/internal/logging"
)

// KafkaSink publishes events to one topic, keyed by account id so each
// account's events stay ordered within a partition.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
	log      *logging.Logger
}

// NewKafkaSink dials the configured brokers.
func NewKafkaSink(cfg *config.KafkaConfig, log *logging.Logger) (*KafkaSink, error) {
	sc := sarama.NewConfig()
	sc.ClientID = "unibox"
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 3
	sc.Producer.Return.Successes = true
	sc.Producer.Compression = sarama.CompressionSnappy
	sc.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	log.Sub("kafka").Info().Strs("brokers", cfg.Brokers).Str("topic", cfg.Topic).Msg("kafka sink ready")
	return NewKafkaSinkWithProducer(producer, cfg.Topic, log), nil
}

// NewKafkaSinkWithProducer wraps an existing producer.
func NewKafkaSinkWithProducer(p sarama.SyncProducer, topic string, log *logging.Logger) *KafkaSink {
	return &KafkaSink{producer: p, topic: topic, log: log.Sub("kafka")}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Publish(_ context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte("kind"), Value: []byte(ev.Kind)},
		},
	}
	if ev.AccountID != "" {
		msg.Key = sarama.StringEncoder(ev.AccountID)
	}

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return err
	}
	k.log.Trace().Str("kind", string(ev.Kind)).Int32("partition", partition).Int64("offset", offset).Msg("event sent")
	return nil
}

func (k *KafkaSink) Close() error {
	if k.producer == nil {
		return nil
	}
	return k.producer.Close()
}
