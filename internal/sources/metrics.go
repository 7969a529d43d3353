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
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	meter = otel.Meter("github.com/Yelp/logfeeder/internal/sources")

	objectDownloadCount   metric.Int64Counter
	objectDownloadBytes   metric.Int64Counter
	notificationsReceived metric.Int64Counter
)

func init() {
	var err error

	objectDownloadCount, err = meter.Int64Counter(
		"logfeeder.s3.download.count",
		metric.WithDescription("Log objects downloaded from S3"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create download.count counter: %w", err))
	}

	objectDownloadBytes, err = meter.Int64Counter(
		"logfeeder.s3.download.bytes",
		metric.WithDescription("Bytes of log objects downloaded from S3"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create download.bytes counter: %w", err))
	}

	notificationsReceived, err = meter.Int64Counter(
		"logfeeder.sqs.notifications.received",
		metric.WithDescription("S3 event notification messages received"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create notifications.received counter: %w", err))
	}
}
