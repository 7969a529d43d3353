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
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	meter = otel.Meter("github.com/Yelp/logfeeder/internal/delivery")

	queueMessagesSent metric.Int64Counter
	messagesTruncated metric.Int64Counter
	documentsSent     metric.Int64Counter
)

func init() {
	var err error

	queueMessagesSent, err = meter.Int64Counter(
		"logfeeder.queue.sent.count",
		metric.WithDescription("Messages delivered to the queue backend"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create queue.sent counter: %w", err))
	}

	messagesTruncated, err = meter.Int64Counter(
		"logfeeder.queue.truncated.count",
		metric.WithDescription("Messages cut down to the per-message size cap"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create queue.truncated counter: %w", err))
	}

	documentsSent, err = meter.Int64Counter(
		"logfeeder.search.sent.count",
		metric.WithDescription("Documents bulk-indexed into the search backend"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create search.sent counter: %w", err))
	}
}
