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

// Package ratelimit provides sliding-window admission control for
// outbound provider API calls.
package ratelimit

import (
	"context"
	"time"
)

const pollInterval = 500 * time.Millisecond

type callRecord struct {
	at       time.Time
	numCalls int
}

// Limiter admits at most maxCalls calls within a trailing window.
// It is intended for use from a single fetch loop and is not safe for
// concurrent use.
type Limiter struct {
	maxCalls    int
	window      time.Duration
	records     []callRecord
	outstanding int

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

func New(maxCalls int, window time.Duration) *Limiter {
	return &Limiter{
		maxCalls: maxCalls,
		window:   window,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// Admit blocks until admitting n more calls would not exceed the limit
// within the trailing window, then records them. It polls on a fixed
// interval rather than computing the exact wait so records expiring
// mid-wait are observed promptly. Returns the context error if the wait
// is interrupted.
func (l *Limiter) Admit(ctx context.Context, n int) error {
	for {
		l.cull()
		if l.outstanding+n <= l.maxCalls {
			break
		}
		if err := l.sleep(ctx, pollInterval); err != nil {
			return err
		}
	}
	l.records = append(l.records, callRecord{at: l.now(), numCalls: n})
	l.outstanding += n
	return nil
}

// Outstanding reports the number of calls still inside the window as of
// the last Admit or cull.
func (l *Limiter) Outstanding() int {
	return l.outstanding
}

func (l *Limiter) cull() {
	cutoff := l.now().Add(-l.window)
	i := 0
	for ; i < len(l.records) && l.records[i].at.Before(cutoff); i++ {
		l.outstanding -= l.records[i].numCalls
	}
	l.records = l.records[i:]
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
