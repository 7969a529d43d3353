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

package feeder

import (
	"context"
)

// Row is a raw provider record as decoded from the wire.
type Row map[string]any

// FetchRequest asks a Source for the records of one sub-feed within a
// time window.
type FetchRequest struct {
	Window  Window
	SubFeed string
}

// BatchIter yields successive batches of raw rows. Next returns io.EOF
// after the final batch. For notification-driven sources, calling Next
// acknowledges the previously returned batch, so callers must finish
// delivering a batch before asking for the next one. Close releases any
// remaining resources without acknowledging.
type BatchIter interface {
	Next(ctx context.Context) ([]Row, error)
	Close() error
}

// Source produces raw rows for sub-feeds of one provider.
type Source interface {
	Fetch(ctx context.Context, req FetchRequest) (BatchIter, error)

	// TracksEventTime reports whether checkpointing by event timestamp
	// is meaningful for this source. Notification-driven sources return
	// false; their durability comes from notification acknowledgment.
	TracksEventTime() bool
}

// Sink durably delivers normalized records. Deliver must consume the
// stream to completion on success; the runner reads the stream's
// maximum event time afterwards to advance the checkpoint.
type Sink interface {
	Deliver(ctx context.Context, stream *RecordStream, subFeed string) error
}
