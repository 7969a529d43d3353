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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yelp/logfeeder/internal/ratelimit"
)

func TestCallWithRetriesSucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := callWithRetries(testCtx(), testLimiter(), "flaky call", func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestCallWithRetriesExhausted(t *testing.T) {
	sentinel := errors.New("permanent")
	calls := 0
	err := callWithRetries(testCtx(), nil, "doomed call", func() error {
		calls++
		return sentinel
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	assert.ErrorContains(t, err, "doomed call failed 5 consecutive times")
	assert.Equal(t, maxAttempts, calls)
}

// Every attempt counts against the provider's rate limit, not just the
// first.
func TestCallWithRetriesAdmitsEveryAttempt(t *testing.T) {
	limiter := ratelimit.New(100, time.Hour)
	_ = callWithRetries(testCtx(), limiter, "counted call", func() error {
		return errors.New("always failing")
	})
	assert.Equal(t, maxAttempts, limiter.Outstanding())
}

func TestCallWithRetriesStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(testCtx())
	calls := 0
	err := callWithRetries(ctx, nil, "canceled call", func() error {
		calls++
		cancel()
		return errors.New("interrupted")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
