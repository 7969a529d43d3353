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
	"context"
	"fmt"
	"log/slog"

	"github.com/Yelp/logfeeder/internal/logctx"
	"github.com/Yelp/logfeeder/internal/ratelimit"
)

// maxAttempts bounds consecutive tries of one upstream call.
const maxAttempts = 5

// callWithRetries runs one upstream call under admission control. The
// rate limiter is consulted before every attempt, retries included.
// Context cancellation aborts immediately; once attempts are exhausted
// the returned error wraps the last failure and the caller decides
// whether to degrade or fail the fetch.
func callWithRetries(ctx context.Context, limiter *ratelimit.Limiter, what string, call func() error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if limiter != nil {
			if err := limiter.Admit(ctx, 1); err != nil {
				return err
			}
		}
		lastErr = call()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logctx.FromContext(ctx).Warn("upstream call failed",
			slog.String("call", what),
			slog.Int("attempt", attempt),
			slog.Any("error", lastErr))
	}
	return fmt.Errorf("%s failed %d consecutive times: %w", what, maxAttempts, lastErr)
}
