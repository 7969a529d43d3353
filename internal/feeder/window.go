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
	"fmt"
	"time"
)

// DefaultLookback is how far back a run reaches when neither an
// explicit start nor a checkpoint exists, and how wide the window is
// forced back open when a relative end undercuts the resolved start.
const DefaultLookback = 10 * time.Minute

// Window is the query interval for one sub-feed run, immutable once
// resolved.
type Window struct {
	Start time.Time
	End   time.Time
}

// WindowOptions are the per-run time range overrides. Zero values mean
// unset; relative offsets are lookbacks from the current time.
type WindowOptions struct {
	Start         time.Time
	End           time.Time
	RelativeStart time.Duration
	RelativeEnd   time.Duration
}

// Validate rejects conflicting overrides. Absolute and relative forms
// of the same boundary are mutually exclusive.
func (o WindowOptions) Validate() error {
	if !o.Start.IsZero() && o.RelativeStart != 0 {
		return &ConfigError{Reason: "start time and relative start time are mutually exclusive"}
	}
	if !o.End.IsZero() && o.RelativeEnd != 0 {
		return &ConfigError{Reason: "end time and relative end time are mutually exclusive"}
	}
	return nil
}

// ResolveWindow computes the query interval for one sub-feed run.
// Start resolves from the absolute override, then the relative
// lookback, then the stored checkpoint (checkpointTS, empty when
// absent), then now minus DefaultLookback. End resolves from the
// absolute override, then the relative lookback, then now. When a
// relative end lands before the resolved start (stale checkpoint with a
// small relative end), start is pulled back to end minus
// DefaultLookback so the window stays sane.
func ResolveWindow(opts WindowOptions, checkpointTS string, now time.Time) (Window, error) {
	if err := opts.Validate(); err != nil {
		return Window{}, err
	}

	var end time.Time
	switch {
	case !opts.End.IsZero():
		end = opts.End.UTC()
	case opts.RelativeEnd != 0:
		end = now.Add(-opts.RelativeEnd).UTC()
	default:
		end = now.UTC()
	}

	var start time.Time
	switch {
	case !opts.Start.IsZero():
		start = opts.Start.UTC()
	case opts.RelativeStart != 0:
		start = now.Add(-opts.RelativeStart).UTC()
	case checkpointTS != "":
		ts, err := ParseEventTime(checkpointTS)
		if err != nil {
			return Window{}, fmt.Errorf("unusable checkpoint: %w", err)
		}
		start = ts.UTC()
	default:
		start = now.Add(-DefaultLookback).UTC()
	}

	if opts.RelativeEnd != 0 && end.Before(start) {
		start = end.Add(-DefaultLookback)
	}

	return Window{Start: start, End: end}, nil
}
