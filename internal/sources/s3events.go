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

package sources

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Yelp/logfeeder/internal/awsclient"
	"github.com/Yelp/logfeeder/internal/feeder"
	"github.com/Yelp/logfeeder/internal/logctx"
	"github.com/Yelp/logfeeder/internal/ratelimit"
)

// ObjectParser decodes one decompressed log object into raw rows.
type ObjectParser func(r io.Reader) ([]feeder.Row, error)

// S3EventsConfig configures an S3EventSource.
type S3EventsConfig struct {
	// QueueName is the SQS queue receiving the bucket's ObjectCreated
	// notifications. QueueOwnerID is set when another account owns it.
	QueueName    string
	QueueOwnerID string
	Region       string

	// RoleARN, when set, is assumed for the bucket reads. The queue is
	// read with the ambient credentials either way.
	RoleARN string

	// MaxMessages caps one notification receive; at most ten, default
	// one.
	MaxMessages int32

	Parse ObjectParser
}

// S3EventSource drains S3 ObjectCreated notifications from an SQS queue
// and turns each announced object into one batch of rows. Listing a
// high-write bucket for deltas is far slower than being told what
// arrived, which is the whole point of the notification queue.
//
// A group of notifications is deleted from the queue only after the
// batches for all of its objects have been handed out, so an
// interrupted run redelivers instead of losing records. Event-time
// checkpointing is disabled; the queue is the progress marker.
type S3EventSource struct {
	cfg     S3EventsConfig
	mgr     *awsclient.Manager
	limiter *ratelimit.Limiter
}

func NewS3EventSource(cfg S3EventsConfig, mgr *awsclient.Manager, limiter *ratelimit.Limiter) *S3EventSource {
	return &S3EventSource{cfg: cfg, mgr: mgr, limiter: limiter}
}

var _ feeder.Source = (*S3EventSource)(nil)

func (s *S3EventSource) TracksEventTime() bool { return false }

func (s *S3EventSource) Fetch(ctx context.Context, _ feeder.FetchRequest) (feeder.BatchIter, error) {
	ll := logctx.FromContext(ctx)

	var sqsOpts []awsclient.SQSOption
	if s.cfg.Region != "" {
		sqsOpts = append(sqsOpts, awsclient.WithSQSRegion(s.cfg.Region))
	}
	sqsClient, err := s.mgr.GetSQS(ctx, sqsOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating SQS client: %w", err)
	}

	var s3Opts []awsclient.S3Option
	if s.cfg.Region != "" {
		s3Opts = append(s3Opts, awsclient.WithRegion(s.cfg.Region))
	}
	if s.cfg.RoleARN != "" {
		ll.Info("assuming role for bucket reads", slog.String("roleArn", s.cfg.RoleARN))
		s3Opts = append(s3Opts, awsclient.WithRole(s.cfg.RoleARN))
	}
	s3Client, err := s.mgr.GetS3(ctx, s3Opts...)
	if err != nil {
		return nil, fmt.Errorf("creating S3 client: %w", err)
	}

	in := &sqs.GetQueueUrlInput{QueueName: aws.String(s.cfg.QueueName)}
	if s.cfg.QueueOwnerID != "" {
		in.QueueOwnerAWSAccountId = aws.String(s.cfg.QueueOwnerID)
	}
	out, err := sqsClient.Client.GetQueueUrl(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("SQS queue %s not found: %w", s.cfg.QueueName, err)
	}

	maxMessages := s.cfg.MaxMessages
	if maxMessages <= 0 {
		maxMessages = 1
	}
	return &s3EventIter{
		src:         s,
		queue:       sqsClient.Client,
		downloader:  manager.NewDownloader(s3Client.Client),
		tracer:      s3Client.Tracer,
		queueURL:    aws.ToString(out.QueueUrl),
		maxMessages: maxMessages,
		now:         time.Now,
	}, nil
}

// notificationQueue is the slice of the SQS API the iterator uses.
type notificationQueue interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
}

// objectDownloader is the slice of the S3 download manager the iterator
// uses.
type objectDownloader interface {
	Download(ctx context.Context, w io.WriterAt, input *s3.GetObjectInput, options ...func(*manager.Downloader)) (int64, error)
}

type s3ObjectRef struct {
	bucket string
	key    string
}

type s3EventIter struct {
	src         *S3EventSource
	queue       notificationQueue
	downloader  objectDownloader
	tracer      trace.Tracer
	queueURL    string
	maxMessages int32
	now         func() time.Time

	objects    []s3ObjectRef
	pending    []sqstypes.Message
	groupStart time.Time
	done       bool
}

// Next yields the rows of one announced object. When the current
// notification group has no objects left it is acknowledged, the next
// group is received, and the queue coming up empty ends the iteration.
func (it *s3EventIter) Next(ctx context.Context) ([]feeder.Row, error) {
	for {
		if len(it.objects) > 0 {
			obj := it.objects[0]
			it.objects = it.objects[1:]
			return it.fetchObject(ctx, obj)
		}

		if err := it.ackPending(ctx); err != nil {
			return nil, err
		}
		if it.done {
			return nil, io.EOF
		}

		it.groupStart = it.now()
		msgs, err := it.receive(ctx)
		if err != nil {
			return nil, err
		}
		if len(msgs) == 0 {
			it.done = true
			continue
		}
		notificationsReceived.Add(ctx, int64(len(msgs)))
		it.pending = msgs

		objects, err := notificationObjects(ctx, msgs)
		if err != nil {
			return nil, err
		}
		it.objects = objects
	}
}

func (it *s3EventIter) Close() error { return nil }

func (it *s3EventIter) receive(ctx context.Context) ([]sqstypes.Message, error) {
	var out *sqs.ReceiveMessageOutput
	err := callWithRetries(ctx, it.src.limiter, "receive s3 event notifications", func() error {
		var err error
		out, err = it.queue.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(it.queueURL),
			MaxNumberOfMessages: it.maxMessages,
		})
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		logctx.FromContext(ctx).Error("giving up on notification receive", slog.Any("error", err))
		return nil, nil
	}
	return out.Messages, nil
}

// ackPending deletes the previous notification group and reports its
// processing time.
func (it *s3EventIter) ackPending(ctx context.Context) error {
	if len(it.pending) == 0 {
		return nil
	}
	entries := make([]sqstypes.DeleteMessageBatchRequestEntry, len(it.pending))
	for i, m := range it.pending {
		entries[i] = sqstypes.DeleteMessageBatchRequestEntry{
			Id:            aws.String(strconv.Itoa(i)),
			ReceiptHandle: m.ReceiptHandle,
		}
	}
	out, err := it.queue.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
		QueueUrl: aws.String(it.queueURL),
		Entries:  entries,
	})
	if err != nil {
		return fmt.Errorf("deleting processed notifications: %w", err)
	}
	ll := logctx.FromContext(ctx)
	if len(out.Failed) > 0 {
		ll.Warn("some notifications were not deleted", slog.Int("failed", len(out.Failed)))
	}

	elapsed := it.now().Sub(it.groupStart)
	ll.Info("message batch processed",
		slog.Duration("elapsed", elapsed),
		slog.Int("messages", len(it.pending)),
		slog.Float64("averageSecondsPerMessage", elapsed.Seconds()/float64(len(it.pending))))
	it.pending = nil
	return nil
}

func (it *s3EventIter) fetchObject(ctx context.Context, obj s3ObjectRef) ([]feeder.Row, error) {
	logctx.FromContext(ctx).Debug("reading s3 object",
		slog.String("bucket", obj.bucket),
		slog.String("key", obj.key))

	f, err := os.CreateTemp("", "*-"+filepath.Base(obj.key))
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}()

	ctx, span := it.tracer.Start(ctx, "sources.fetchLogObject",
		trace.WithAttributes(
			attribute.String("bucket", obj.bucket),
			attribute.String("key", obj.key),
		),
	)
	defer span.End()

	// A failed download fails the fetch; its notification group stays
	// on the queue and redelivers.
	err = callWithRetries(ctx, it.src.limiter, "download "+obj.bucket+"/"+obj.key, func() error {
		if err := f.Truncate(0); err != nil {
			return err
		}
		size, err := it.downloader.Download(ctx, f, &s3.GetObjectInput{
			Bucket: aws.String(obj.bucket),
			Key:    aws.String(obj.key),
		})
		if err != nil {
			return err
		}
		objectDownloadCount.Add(ctx, 1, metric.WithAttributes(attribute.String("bucket", obj.bucket)))
		objectDownloadBytes.Add(ctx, size, metric.WithAttributes(attribute.String("bucket", obj.bucket)))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("download %s/%s: %w", obj.bucket, obj.key, err)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind temp file: %w", err)
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("gunzip %s/%s: %w", obj.bucket, obj.key, err)
	}
	defer func() { _ = gz.Close() }()

	rows, err := it.src.cfg.Parse(gz)
	if err != nil {
		return nil, fmt.Errorf("parsing %s/%s: %w", obj.bucket, obj.key, err)
	}
	return rows, nil
}

type s3NotificationRecord struct {
	S3 struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key string `json:"key"`
		} `json:"object"`
	} `json:"s3"`
}

type s3Notification struct {
	Records []s3NotificationRecord `json:"Records"`
	Message string                 `json:"Message"`
}

// parseNotification extracts the object records from one notification
// body, whether the records sit at the top level or inside an SNS
// Message wrapper.
func parseNotification(body string) ([]s3NotificationRecord, error) {
	var note s3Notification
	if err := json.Unmarshal([]byte(body), &note); err != nil {
		return nil, fmt.Errorf("decoding S3 event notification: %w", err)
	}
	if len(note.Records) == 0 && note.Message != "" {
		var inner s3Notification
		if err := json.Unmarshal([]byte(note.Message), &inner); err != nil {
			return nil, fmt.Errorf("decoding wrapped S3 event notification: %w", err)
		}
		note.Records = inner.Records
	}
	return note.Records, nil
}

func notificationObjects(ctx context.Context, msgs []sqstypes.Message) ([]s3ObjectRef, error) {
	var refs []s3ObjectRef
	for _, msg := range msgs {
		records, err := parseNotification(aws.ToString(msg.Body))
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			// Test events and subscription confirmations name no
			// objects.
			logctx.FromContext(ctx).Warn("notification carried no object records")
			continue
		}
		for _, rec := range records {
			key, err := url.PathUnescape(rec.S3.Object.Key)
			if err != nil {
				key = rec.S3.Object.Key
			}
			refs = append(refs, s3ObjectRef{bucket: rec.S3.Bucket.Name, key: key})
		}
	}
	return refs, nil
}
