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

// Package delivery implements the sinks behind feeder.Sink: batched
// queue delivery to SQS or Kafka, mirrored bulk indexing into
// Elasticsearch, and a stdout sink for dry runs.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Yelp/logfeeder/internal/feeder"
	"github.com/Yelp/logfeeder/internal/logctx"
)

const (
	// maxMessageBytes caps one serialized record on a queue. Oversized
	// records are truncated rather than dropped, and the loss is
	// reported.
	maxMessageBytes = 64 * 1024

	// queueSenders is the size of the sender pool drawing from one
	// record stream.
	queueSenders = 3
)

// recordClaimer hands out records from a shared stream to the sender
// pool. The mutex covers only the claim; serialization and sends happen
// outside it.
type recordClaimer struct {
	mu     sync.Mutex
	stream *feeder.RecordStream
}

func (c *recordClaimer) next() (feeder.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream.Next()
}

// marshalQueueMessage serializes one record for a queue backend,
// truncating at the per-message cap.
func marshalQueueMessage(ctx context.Context, rec feeder.Record) ([]byte, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("serializing record: %w", err)
	}
	if len(body) > maxMessageBytes {
		logctx.FromContext(ctx).Warn("message truncated",
			slog.Int("truncatedSize", maxMessageBytes),
			slog.Int("actualSize", len(body)),
			slog.String("recordEventTime", rec.EventTime))
		messagesTruncated.Add(ctx, 1)
		body = body[:maxMessageBytes]
	}
	return body, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
