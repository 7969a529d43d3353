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
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/hashicorp/go-multierror"
	"github.com/ncruces/go-strftime"

	"github.com/Yelp/logfeeder/internal/feeder"
	"github.com/Yelp/logfeeder/internal/logctx"
)

const (
	esDefaultChunkSize = 10000
	esMaxAttempts      = 5
	esRequestTimeout   = 90 * time.Second
)

// ElasticsearchConfig configures the search sink.
type ElasticsearchConfig struct {
	// Endpoints are base URLs. Every endpoint receives every bulk
	// request; the clusters are mirrors, not a pool.
	Endpoints []string

	// Index is the strftime pattern bulk targets derive from, such as
	// "logfeeder-%Y.%m.%d".
	Index string

	ChunkSize int

	// InOrder enables the single-bucket fast path for chunks whose
	// records arrive in timestamp order.
	InOrder bool
}

// ElasticsearchSink bulk-indexes records into time-partitioned indices
// with content-derived document ids, so redelivered records become
// create conflicts instead of duplicates.
type ElasticsearchSink struct {
	cfg       ElasticsearchConfig
	endpoints []string
	clients   map[string]*elasticsearch.Client

	// Enrich, when set, applies feed-specific document tweaks after the
	// common metadata fields and before serialization.
	Enrich func(subFeed string, doc map[string]any)

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

func NewElasticsearchSink(cfg ElasticsearchConfig) (*ElasticsearchSink, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("elasticsearch sink needs at least one endpoint")
	}
	if cfg.Index == "" {
		return nil, errors.New("elasticsearch sink needs an index pattern")
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = esDefaultChunkSize
	}

	clients := make(map[string]*elasticsearch.Client, len(cfg.Endpoints))
	for _, endpoint := range cfg.Endpoints {
		client, err := elasticsearch.NewClient(elasticsearch.Config{
			Addresses: []string{endpoint},
			// Retries are handled here, with back-off, per endpoint.
			DisableRetry: true,
		})
		if err != nil {
			return nil, fmt.Errorf("creating elasticsearch client for %s: %w", endpoint, err)
		}
		clients[endpoint] = client
	}
	return &ElasticsearchSink{
		cfg:       cfg,
		endpoints: cfg.Endpoints,
		clients:   clients,
		now:       time.Now,
		sleep:     sleepContext,
	}, nil
}

var _ feeder.Sink = (*ElasticsearchSink)(nil)

func (s *ElasticsearchSink) Deliver(ctx context.Context, stream *feeder.RecordStream, subFeed string) error {
	for {
		chunk, err := nextChunk(stream, s.cfg.ChunkSize)
		if err != nil {
			return err
		}
		if len(chunk) == 0 {
			return nil
		}
		if err := s.deliverChunk(ctx, chunk, subFeed); err != nil {
			return err
		}
		documentsSent.Add(ctx, int64(len(chunk)))
		logctx.FromContext(ctx).Info("es documents sent",
			slog.Int("documents", len(chunk)),
			slog.String("subFeed", subFeed))
		if len(chunk) < s.cfg.ChunkSize {
			return nil
		}
	}
}

func nextChunk(stream *feeder.RecordStream, n int) ([]feeder.Record, error) {
	var chunk []feeder.Record
	for len(chunk) < n {
		rec, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		chunk = append(chunk, rec)
	}
	return chunk, nil
}

func (s *ElasticsearchSink) deliverChunk(ctx context.Context, chunk []feeder.Record, subFeed string) error {
	buckets, err := s.bucketByIndex(ctx, chunk)
	if err != nil {
		return err
	}
	for _, bucket := range buckets {
		payload, err := s.renderBulk(bucket.index, bucket.records, subFeed)
		if err != nil {
			return err
		}
		if err := s.mirrorBulk(ctx, bucket.index, payload); err != nil {
			return err
		}
	}
	return nil
}

type indexBucket struct {
	index   string
	records []feeder.Record
}

// bucketByIndex groups a chunk by derived index name. An in-order chunk
// whose first and last records share an index is a single bucket; a
// record out of timestamp order disproves the assumption, so the chunk
// is rebucketed record by record rather than misrouted.
func (s *ElasticsearchSink) bucketByIndex(ctx context.Context, chunk []feeder.Record) ([]indexBucket, error) {
	first, err := s.indexFor(chunk[0])
	if err != nil {
		return nil, err
	}
	last, err := s.indexFor(chunk[len(chunk)-1])
	if err != nil {
		return nil, err
	}
	if s.cfg.InOrder && first == last {
		ordered := true
		for i := 1; i < len(chunk); i++ {
			if chunk[i].EventTime < chunk[i-1].EventTime {
				ordered = false
				break
			}
		}
		if ordered {
			return []indexBucket{{index: first, records: chunk}}, nil
		}
		logctx.FromContext(ctx).Warn("records not in timestamp order, bucketing individually")
	}

	var buckets []indexBucket
	pos := make(map[string]int)
	for _, rec := range chunk {
		idx, err := s.indexFor(rec)
		if err != nil {
			return nil, err
		}
		i, ok := pos[idx]
		if !ok {
			i = len(buckets)
			pos[idx] = i
			buckets = append(buckets, indexBucket{index: idx})
		}
		buckets[i].records = append(buckets[i].records, rec)
	}
	return buckets, nil
}

func (s *ElasticsearchSink) indexFor(rec feeder.Record) (string, error) {
	ts, _, err := parseEventTime(rec.EventTime)
	if err != nil {
		return "", fmt.Errorf("deriving index for event time %q: %w", rec.EventTime, err)
	}
	return strftime.Format(s.cfg.Index, ts.UTC()), nil
}

// parseEventTime reads a canonical event time. offsetAware reports
// whether the value carried a UTC offset; without one the ingestion
// delta cannot be computed.
func parseEventTime(value string) (ts time.Time, offsetAware bool, err error) {
	if ts, err = time.Parse(time.RFC3339, value); err == nil {
		return ts, true, nil
	}
	if ts, err = time.Parse("2006-01-02T15:04:05", value); err == nil {
		return ts, false, nil
	}
	return time.Time{}, false, fmt.Errorf("unparseable timestamp %q", value)
}

// renderBulk builds the NDJSON body for one index bucket: a create
// action line naming the index and document id, then the document.
func (s *ElasticsearchSink) renderBulk(index string, records []feeder.Record, subFeed string) (string, error) {
	now := s.now().UTC()
	ingestion := now.Format("2006-01-02T15:04:05.000000") + "Z"

	var b strings.Builder
	for _, rec := range records {
		doc := rec.Document()
		doc["@timestamp"] = rec.EventTime
		doc["@ingestionTime"] = ingestion
		if ts, aware, err := parseEventTime(rec.EventTime); err == nil && aware {
			doc["@time_delta_seconds"] = int64(math.Floor(now.Sub(ts).Seconds()))
		}
		if s.Enrich != nil {
			s.Enrich(subFeed, doc)
		}

		id, err := recordID(rec)
		if err != nil {
			return "", err
		}
		action, err := json.Marshal(map[string]any{"create": map[string]any{"_index": index, "_id": id}})
		if err != nil {
			return "", fmt.Errorf("serializing bulk action: %w", err)
		}
		source, err := json.Marshal(doc)
		if err != nil {
			return "", fmt.Errorf("serializing document: %w", err)
		}
		b.Write(action)
		b.WriteByte('\n')
		b.Write(source)
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// recordID yields the stable document id: a payload-supplied _id is
// claimed and removed from the payload, anything else gets a content
// fingerprint over the payload and event time. Ingestion-time fields
// stay out of the hash so a redelivered record fingerprints to the same
// id.
func recordID(rec feeder.Record) (string, error) {
	if v, ok := rec.Payload["_id"]; ok {
		delete(rec.Payload, "_id")
		if id, ok := v.(string); ok {
			return id, nil
		}
		return fmt.Sprint(v), nil
	}
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return "", fmt.Errorf("fingerprinting record: %w", err)
	}
	sum := sha1.Sum(append(payload, rec.EventTime...))
	return hex.EncodeToString(sum[:]), nil
}

// mirrorBulk submits one bulk body to every endpoint, each with its own
// retry budget. Any endpoint exhausting its retries fails the delivery;
// half-mirrored indices are worse than a rerun.
func (s *ElasticsearchSink) mirrorBulk(ctx context.Context, index, payload string) error {
	ll := logctx.FromContext(ctx)
	var merr *multierror.Error
	for _, endpoint := range s.endpoints {
		client := s.clients[endpoint]
		var lastErr error
		for attempt := 1; attempt <= esMaxAttempts; attempt++ {
			lastErr = s.sendBulk(ctx, client, index, payload)
			if lastErr == nil {
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			ll.Warn("bulk request failed",
				slog.String("endpoint", endpoint),
				slog.Int("attempt", attempt),
				slog.Any("error", lastErr))
			if attempt < esMaxAttempts {
				if err := s.sleep(ctx, time.Duration(1<<(attempt-1))*time.Second); err != nil {
					return err
				}
			}
		}
		if lastErr != nil {
			merr = multierror.Append(merr, fmt.Errorf("upload to %s failed: %w", endpoint, lastErr))
		}
	}
	return merr.ErrorOrNil()
}

func (s *ElasticsearchSink) sendBulk(ctx context.Context, client *elasticsearch.Client, index, payload string) error {
	ctx, cancel := context.WithTimeout(ctx, esRequestTimeout)
	defer cancel()

	resp, err := client.Bulk(strings.NewReader(payload),
		client.Bulk.WithContext(ctx),
		client.Bulk.WithIndex(index),
	)
	if err != nil {
		return fmt.Errorf("bulk request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.IsError() {
		return fmt.Errorf("bulk request returned %s", resp.Status())
	}

	var result struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int `json:"status"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding bulk response: %w", err)
	}
	if result.Errors {
		conflicts, rejected := 0, 0
		for _, item := range result.Items {
			for _, op := range item {
				switch {
				case op.Status == http.StatusConflict:
					conflicts++
				case op.Status >= 300:
					rejected++
				}
			}
		}
		ll := logctx.FromContext(ctx)
		if conflicts > 0 {
			// Redelivered records collide on their fingerprint; the
			// copy already indexed wins.
			ll.Debug("duplicate documents skipped", slog.Int("documents", conflicts))
		}
		if rejected > 0 {
			ll.Warn("documents rejected by the index", slog.Int("documents", rejected))
		}
	}
	return nil
}
