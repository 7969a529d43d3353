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

// Package feeder contains the core ingestion pipeline: time window
// resolution, raw-row to canonical-record normalization, and the runner
// that drives fetch, normalize, deliver, and checkpoint advancement for
// each sub-feed.
//
// The flow for one sub-feed is:
//
//	window := ResolveWindow(opts, checkpointTS, now)
//	iter, _ := source.Fetch(ctx, FetchRequest{Window: window, SubFeed: sub})
//	for each batch from iter {
//		stream := normalizer.Stream(batch)
//		sink.Deliver(ctx, stream, sub) // fully drains the stream
//		store.Write(key, maximum event time seen so far)
//	}
//
// Sources and sinks are interfaces defined here; the provider and
// backend implementations live in internal/sources and
// internal/delivery. Sub-feeds run sequentially, and a failure in one
// is isolated so the remaining sub-feeds still run.
package feeder
