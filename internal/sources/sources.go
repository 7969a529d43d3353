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

// Package sources implements the provider fetchers behind feeder.Source:
// Duo Admin API logs, OneLogin events, and S3 objects announced through
// SQS event notifications. Each source rate-limits its upstream calls,
// retries them a bounded number of times, and enforces the query window
// client-side where the provider API cannot.
package sources

import (
	"context"
	"io"

	"github.com/Yelp/logfeeder/internal/feeder"
)

// singleBatch adapts a fully materialized fetch result to
// feeder.BatchIter.
type singleBatch struct {
	rows []feeder.Row
	done bool
}

func (b *singleBatch) Next(_ context.Context) ([]feeder.Row, error) {
	if b.done {
		return nil, io.EOF
	}
	b.done = true
	return b.rows, nil
}

func (b *singleBatch) Close() error { return nil }

const maxLoggedBody = 512

// truncateForLog caps a response body destined for an error message or
// log field.
func truncateForLog(body []byte) string {
	if len(body) > maxLoggedBody {
		return string(body[:maxLoggedBody]) + "..."
	}
	return string(body)
}
