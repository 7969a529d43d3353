// Copyright (C) 2025 Yelp, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Yelp/logfeeder/internal/feeder"
	"github.com/Yelp/logfeeder/internal/logctx"
)

// kafkaWriteGroup is how many messages the sink hands the writer per
// call; the writer batches on the wire by its own size and timeout.
const kafkaWriteGroup = 100

// KafkaConfig configures the Kafka queue sink.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration

	// SASL/SCRAM authentication
	SASLEnabled   bool
	SASLMechanism string
	SASLUsername  string
	SASLPassword  string

	// TLS configuration
	TLSEnabled    bool
	TLSSkipVerify bool
}

// messageWriter is the slice of kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink delivers records to a Kafka topic. Messages are keyed by
// sub-feed so each sub-feed keeps partition affinity and per-partition
// ordering.
type KafkaSink struct {
	writer messageWriter
}

func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	transport, err := newKafkaTransport(cfg)
	if err != nil {
		return nil, err
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = kafkaWriteGroup
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = time.Second
	}
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    batchSize,
		BatchTimeout: batchTimeout,
		RequiredAcks: kafka.RequireAll,
		Transport:    transport,
		Compression:  kafka.Snappy,
	}}, nil
}

func newKafkaTransport(cfg KafkaConfig) (*kafka.Transport, error) {
	transport := &kafka.Transport{}
	if cfg.SASLEnabled {
		mechanism, err := saslMechanism(cfg)
		if err != nil {
			return nil, err
		}
		transport.SASL = mechanism
	}
	if cfg.TLSEnabled {
		transport.TLS = &tls.Config{
			InsecureSkipVerify: cfg.TLSSkipVerify,
		}
	}
	return transport, nil
}

func saslMechanism(cfg KafkaConfig) (sasl.Mechanism, error) {
	switch cfg.SASLMechanism {
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, cfg.SASLUsername, cfg.SASLPassword)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, cfg.SASLUsername, cfg.SASLPassword)
	case "PLAIN":
		return plain.Mechanism{
			Username: cfg.SASLUsername,
			Password: cfg.SASLPassword,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %s", cfg.SASLMechanism)
	}
}

var _ feeder.Sink = (*KafkaSink)(nil)

func (s *KafkaSink) Deliver(ctx context.Context, stream *feeder.RecordStream, subFeed string) error {
	key := []byte(subFeed)
	msgs := make([]kafka.Message, 0, kafkaWriteGroup)
	sent := 0
	for {
		rec, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		body, err := marshalQueueMessage(ctx, rec)
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{Key: key, Value: body})
		if len(msgs) == kafkaWriteGroup {
			if err := s.write(ctx, msgs); err != nil {
				return err
			}
			sent += len(msgs)
			msgs = msgs[:0]
		}
	}
	if len(msgs) > 0 {
		if err := s.write(ctx, msgs); err != nil {
			return err
		}
		sent += len(msgs)
	}

	queueMessagesSent.Add(ctx, int64(sent), metric.WithAttributes(attribute.String("backend", "kafka")))
	logctx.FromContext(ctx).Info("kafka messages sent",
		slog.Int("messages", sent),
		slog.String("subFeed", subFeed))
	return nil
}

func (s *KafkaSink) write(ctx context.Context, msgs []kafka.Message) error {
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("writing kafka messages: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
