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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/Yelp/logfeeder/internal/awsclient"
	"github.com/Yelp/logfeeder/internal/feeder"
	"github.com/Yelp/logfeeder/internal/logctx"
)

const (
	// sqsMaxBatchBytes is the SendMessageBatch payload limit; a batch
	// is flushed before a record that would push it past the cap.
	sqsMaxBatchBytes   = 256 * 1024
	sqsMaxBatchEntries = 10
)

// SQSConfig configures the SQS queue sink.
type SQSConfig struct {
	QueueName string
	// QueueURL skips name resolution when set.
	QueueURL string
	Region   string
}

// sendQueue is the slice of the SQS API the sink uses.
type sendQueue interface {
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
}

// SQSSink delivers records as individual JSON messages through
// SendMessageBatch, three senders at a time.
type SQSSink struct {
	cfg      SQSConfig
	queue    sendQueue
	queueURL string
}

func NewSQSSink(ctx context.Context, cfg SQSConfig, mgr *awsclient.Manager) (*SQSSink, error) {
	var opts []awsclient.SQSOption
	if cfg.Region != "" {
		opts = append(opts, awsclient.WithSQSRegion(cfg.Region))
	}
	client, err := mgr.GetSQS(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating SQS client: %w", err)
	}
	return &SQSSink{cfg: cfg, queue: client.Client, queueURL: cfg.QueueURL}, nil
}

var _ feeder.Sink = (*SQSSink)(nil)

func (s *SQSSink) Deliver(ctx context.Context, stream *feeder.RecordStream, subFeed string) error {
	queueURL, err := s.resolveQueueURL(ctx)
	if err != nil {
		return err
	}

	claim := &recordClaimer{stream: stream}
	var sent atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < queueSenders; i++ {
		g.Go(func() error {
			return s.sendLoop(gctx, queueURL, claim, &sent)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	queueMessagesSent.Add(ctx, sent.Load(), metric.WithAttributes(attribute.String("backend", "sqs")))
	logctx.FromContext(ctx).Info("sqs messages sent",
		slog.Int64("messages", sent.Load()),
		slog.String("subFeed", subFeed))
	return nil
}

// resolveQueueURL looks the queue up by name once and keeps the answer
// for subsequent batches. Deliver calls are sequential, so the cache
// needs no lock.
func (s *SQSSink) resolveQueueURL(ctx context.Context) (string, error) {
	if s.queueURL != "" {
		return s.queueURL, nil
	}
	out, err := s.queue.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(s.cfg.QueueName)})
	if err != nil {
		return "", fmt.Errorf("SQS queue %s not found: %w", s.cfg.QueueName, err)
	}
	s.queueURL = aws.ToString(out.QueueUrl)
	return s.queueURL, nil
}

func (s *SQSSink) sendLoop(ctx context.Context, queueURL string, claim *recordClaimer, sent *atomic.Int64) error {
	var batch []string
	batchBytes := 0
	for {
		rec, err := claim.next()
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
		if len(batch) > 0 && (len(batch) == sqsMaxBatchEntries || batchBytes+len(body) > sqsMaxBatchBytes) {
			if err := s.sendBatch(ctx, queueURL, batch); err != nil {
				return err
			}
			sent.Add(int64(len(batch)))
			batch = nil
			batchBytes = 0
		}
		batch = append(batch, string(body))
		batchBytes += len(body)
	}
	if len(batch) > 0 {
		if err := s.sendBatch(ctx, queueURL, batch); err != nil {
			return err
		}
		sent.Add(int64(len(batch)))
	}
	return nil
}

func (s *SQSSink) sendBatch(ctx context.Context, queueURL string, bodies []string) error {
	entries := make([]sqstypes.SendMessageBatchRequestEntry, len(bodies))
	for i, body := range bodies {
		entries[i] = sqstypes.SendMessageBatchRequestEntry{
			Id:          aws.String(strconv.Itoa(i)),
			MessageBody: aws.String(body),
		}
	}
	out, err := s.queue.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
		QueueUrl: aws.String(queueURL),
		Entries:  entries,
	})
	if err != nil {
		return fmt.Errorf("sending message batch: %w", err)
	}
	if len(out.Failed) > 0 {
		return fmt.Errorf("%d of %d messages failed to send", len(out.Failed), len(entries))
	}
	return nil
}
