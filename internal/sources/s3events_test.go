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
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/Yelp/logfeeder/internal/feeder"
)

type fakeNotificationQueue struct {
	receives     [][]sqstypes.Message
	receiveErr   error
	receiveCalls int
	lastReceive  *sqs.ReceiveMessageInput
	deletes      []*sqs.DeleteMessageBatchInput
}

func (q *fakeNotificationQueue) ReceiveMessage(_ context.Context, params *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	q.receiveCalls++
	q.lastReceive = params
	if q.receiveErr != nil {
		return nil, q.receiveErr
	}
	if len(q.receives) == 0 {
		return &sqs.ReceiveMessageOutput{}, nil
	}
	msgs := q.receives[0]
	q.receives = q.receives[1:]
	return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
}

func (q *fakeNotificationQueue) DeleteMessageBatch(_ context.Context, params *sqs.DeleteMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error) {
	q.deletes = append(q.deletes, params)
	return &sqs.DeleteMessageBatchOutput{}, nil
}

type fakeObjectDownloader struct {
	objects   map[string][]byte
	failures  map[string]int
	downloads []string
}

func (d *fakeObjectDownloader) Download(_ context.Context, w io.WriterAt, input *s3.GetObjectInput, _ ...func(*manager.Downloader)) (int64, error) {
	ref := aws.ToString(input.Bucket) + "/" + aws.ToString(input.Key)
	d.downloads = append(d.downloads, ref)
	if d.failures[ref] > 0 {
		d.failures[ref]--
		return 0, errors.New("connection reset")
	}
	data, ok := d.objects[ref]
	if !ok {
		return 0, fmt.Errorf("no such object %s", ref)
	}
	n, err := w.WriteAt(data, 0)
	return int64(n), err
}

func gzipBytes(t *testing.T, data string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func notificationBody(t *testing.T, refs ...s3ObjectRef) string {
	t.Helper()
	records := make([]map[string]any, 0, len(refs))
	for _, ref := range refs {
		records = append(records, map[string]any{
			"s3": map[string]any{
				"bucket": map[string]any{"name": ref.bucket},
				"object": map[string]any{"key": ref.key},
			},
		})
	}
	body, err := json.Marshal(map[string]any{"Records": records})
	require.NoError(t, err)
	return string(body)
}

func notificationMessage(t *testing.T, refs ...s3ObjectRef) sqstypes.Message {
	t.Helper()
	return sqstypes.Message{
		Body:          aws.String(notificationBody(t, refs...)),
		ReceiptHandle: aws.String("rh-" + refs[0].key),
	}
}

// parseLines is the object parser for tests: one row per line.
func parseLines(r io.Reader) ([]feeder.Row, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var rows []feeder.Row
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line != "" {
			rows = append(rows, feeder.Row{"line": line})
		}
	}
	return rows, nil
}

func newTestS3EventIter(queue notificationQueue, dl objectDownloader) *s3EventIter {
	src := NewS3EventSource(S3EventsConfig{QueueName: "audit-events", Parse: parseLines}, nil, testLimiter())
	return &s3EventIter{
		src:         src,
		queue:       queue,
		downloader:  dl,
		tracer:      otel.Tracer("test"),
		queueURL:    "https://sqs.test/123/audit-events",
		maxMessages: 1,
		now:         time.Now,
	}
}

func batchLines(rows []feeder.Row) []string {
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		line, _ := row["line"].(string)
		lines = append(lines, line)
	}
	return lines
}

// One notification group naming two objects yields one batch per object,
// and the group is deleted only after both batches have been handed out.
func TestS3EventIterYieldsOneBatchPerObject(t *testing.T) {
	queue := &fakeNotificationQueue{
		receives: [][]sqstypes.Message{
			{notificationMessage(t,
				s3ObjectRef{bucket: "audit-logs", key: "day1/a.log.gz"},
				s3ObjectRef{bucket: "audit-logs", key: "day1/b.log.gz"},
			)},
		},
	}
	dl := &fakeObjectDownloader{objects: map[string][]byte{
		"audit-logs/day1/a.log.gz": gzipBytes(t, "a1\na2"),
		"audit-logs/day1/b.log.gz": gzipBytes(t, "b1"),
	}}
	iter := newTestS3EventIter(queue, dl)

	rows, err := iter.Next(testCtx())
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, batchLines(rows))
	assert.Empty(t, queue.deletes)

	rows, err = iter.Next(testCtx())
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, batchLines(rows))
	assert.Empty(t, queue.deletes, "group must stay on the queue until its last batch is consumed")

	_, err = iter.Next(testCtx())
	assert.ErrorIs(t, err, io.EOF)

	require.Len(t, queue.deletes, 1)
	del := queue.deletes[0]
	assert.Equal(t, "https://sqs.test/123/audit-events", aws.ToString(del.QueueUrl))
	require.Len(t, del.Entries, 1)
	assert.Equal(t, "0", aws.ToString(del.Entries[0].Id))
	assert.Equal(t, "rh-day1/a.log.gz", aws.ToString(del.Entries[0].ReceiptHandle))

	require.NotNil(t, queue.lastReceive)
	assert.Equal(t, int32(1), queue.lastReceive.MaxNumberOfMessages)
}

// Each group is acknowledged before the next one is received, so an
// interruption redelivers at most one group.
func TestS3EventIterAcksBetweenGroups(t *testing.T) {
	queue := &fakeNotificationQueue{
		receives: [][]sqstypes.Message{
			{notificationMessage(t, s3ObjectRef{bucket: "audit-logs", key: "a.gz"})},
			{notificationMessage(t, s3ObjectRef{bucket: "audit-logs", key: "b.gz"})},
		},
	}
	dl := &fakeObjectDownloader{objects: map[string][]byte{
		"audit-logs/a.gz": gzipBytes(t, "a"),
		"audit-logs/b.gz": gzipBytes(t, "b"),
	}}
	iter := newTestS3EventIter(queue, dl)

	rows, err := iter.Next(testCtx())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, batchLines(rows))
	assert.Empty(t, queue.deletes)

	rows, err = iter.Next(testCtx())
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, batchLines(rows))
	require.Len(t, queue.deletes, 1)
	assert.Equal(t, "rh-a.gz", aws.ToString(queue.deletes[0].Entries[0].ReceiptHandle))

	_, err = iter.Next(testCtx())
	assert.ErrorIs(t, err, io.EOF)
	require.Len(t, queue.deletes, 2)
	assert.Equal(t, "rh-b.gz", aws.ToString(queue.deletes[1].Entries[0].ReceiptHandle))
}

func TestS3EventIterSNSWrappedNotification(t *testing.T) {
	inner := notificationBody(t, s3ObjectRef{bucket: "audit-logs", key: "wrapped.gz"})
	outer, err := json.Marshal(map[string]any{"Type": "Notification", "Message": inner})
	require.NoError(t, err)

	queue := &fakeNotificationQueue{
		receives: [][]sqstypes.Message{
			{{Body: aws.String(string(outer)), ReceiptHandle: aws.String("rh-1")}},
		},
	}
	dl := &fakeObjectDownloader{objects: map[string][]byte{
		"audit-logs/wrapped.gz": gzipBytes(t, "w1"),
	}}
	iter := newTestS3EventIter(queue, dl)

	rows, err := iter.Next(testCtx())
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, batchLines(rows))
}

// Notification keys arrive URL-encoded; '+' must survive because the
// encoding is path-style, not form-style.
func TestS3EventIterUnescapesObjectKeys(t *testing.T) {
	queue := &fakeNotificationQueue{
		receives: [][]sqstypes.Message{
			{notificationMessage(t,
				s3ObjectRef{bucket: "audit-logs", key: "day%3D2026-03-01/a.gz"},
				s3ObjectRef{bucket: "audit-logs", key: "b+c.gz"},
			)},
		},
	}
	dl := &fakeObjectDownloader{objects: map[string][]byte{
		"audit-logs/day=2026-03-01/a.gz": gzipBytes(t, "a"),
		"audit-logs/b+c.gz":              gzipBytes(t, "b"),
	}}
	iter := newTestS3EventIter(queue, dl)

	rows, err := iter.Next(testCtx())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, batchLines(rows))

	rows, err = iter.Next(testCtx())
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, batchLines(rows))

	assert.Equal(t, []string{
		"audit-logs/day=2026-03-01/a.gz",
		"audit-logs/b+c.gz",
	}, dl.downloads)
}

func TestS3EventIterEmptyQueueEndsIteration(t *testing.T) {
	queue := &fakeNotificationQueue{}
	iter := newTestS3EventIter(queue, &fakeObjectDownloader{})

	_, err := iter.Next(testCtx())
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 1, queue.receiveCalls)

	// The iterator stays drained.
	_, err = iter.Next(testCtx())
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 1, queue.receiveCalls)
}

// A receive that keeps failing is treated as a drained queue; the next
// run will try again.
func TestS3EventIterDegradesWhenReceiveFails(t *testing.T) {
	queue := &fakeNotificationQueue{receiveErr: errors.New("throttled")}
	iter := newTestS3EventIter(queue, &fakeObjectDownloader{})

	_, err := iter.Next(testCtx())
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, maxAttempts, queue.receiveCalls)
}

func TestS3EventIterRetriesFailedDownload(t *testing.T) {
	queue := &fakeNotificationQueue{
		receives: [][]sqstypes.Message{
			{notificationMessage(t, s3ObjectRef{bucket: "audit-logs", key: "a.gz"})},
		},
	}
	dl := &fakeObjectDownloader{
		objects:  map[string][]byte{"audit-logs/a.gz": gzipBytes(t, "a")},
		failures: map[string]int{"audit-logs/a.gz": 2},
	}
	iter := newTestS3EventIter(queue, dl)

	rows, err := iter.Next(testCtx())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, batchLines(rows))
	assert.Len(t, dl.downloads, 3)
}

// An object that cannot be downloaded fails the fetch; acknowledging its
// group anyway would drop its records for good.
func TestS3EventIterFailsWhenDownloadExhausted(t *testing.T) {
	queue := &fakeNotificationQueue{
		receives: [][]sqstypes.Message{
			{notificationMessage(t, s3ObjectRef{bucket: "audit-logs", key: "a.gz"})},
		},
	}
	dl := &fakeObjectDownloader{
		failures: map[string]int{"audit-logs/a.gz": maxAttempts + 1},
	}
	iter := newTestS3EventIter(queue, dl)

	_, err := iter.Next(testCtx())
	require.Error(t, err)
	assert.ErrorContains(t, err, "download audit-logs/a.gz")
	assert.Empty(t, queue.deletes)
}

// Bucket test events carry no object records; they are acknowledged with
// the rest of their group without producing a batch.
func TestS3EventIterSkipsNotificationsWithoutRecords(t *testing.T) {
	queue := &fakeNotificationQueue{
		receives: [][]sqstypes.Message{
			{
				{Body: aws.String(`{"Event": "s3:TestEvent"}`), ReceiptHandle: aws.String("rh-test")},
				notificationMessage(t, s3ObjectRef{bucket: "audit-logs", key: "a.gz"}),
			},
		},
	}
	dl := &fakeObjectDownloader{objects: map[string][]byte{
		"audit-logs/a.gz": gzipBytes(t, "a"),
	}}
	iter := newTestS3EventIter(queue, dl)

	rows, err := iter.Next(testCtx())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, batchLines(rows))

	_, err = iter.Next(testCtx())
	assert.ErrorIs(t, err, io.EOF)
	require.Len(t, queue.deletes, 1)
	assert.Len(t, queue.deletes[0].Entries, 2)
}

func TestParseNotification(t *testing.T) {
	refs, err := parseNotification(notificationBody(t, s3ObjectRef{bucket: "b", key: "k"}))
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "b", refs[0].S3.Bucket.Name)
	assert.Equal(t, "k", refs[0].S3.Object.Key)

	_, err = parseNotification("not json at all")
	assert.ErrorContains(t, err, "decoding S3 event notification")

	_, err = parseNotification(`{"Message": "not json either"}`)
	assert.ErrorContains(t, err, "decoding wrapped S3 event notification")
}
