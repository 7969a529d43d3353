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

// Package instrument provides the scoped timer used around pipeline
// stages.
package instrument

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Yelp/logfeeder/internal/logctx"
)

var (
	meter = otel.Meter("github.com/Yelp/logfeeder/internal/instrument")

	stageDuration metric.Float64Histogram
)

func init() {
	var err error
	stageDuration, err = meter.Float64Histogram(
		"logfeeder.stage.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Elapsed seconds per pipeline stage"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create stage.duration histogram: %w", err))
	}
}

// Timed runs fn, records its elapsed time on the stage histogram, and
// emits a debug event with the duration. The error from fn is returned
// unchanged.
func Timed(ctx context.Context, stage string, fn func() error) error {
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)
	stageDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("stage", stage)))
	logctx.FromContext(ctx).Debug("stage finished",
		slog.String("stage", stage),
		slog.Duration("elapsed", elapsed))
	return err
}
