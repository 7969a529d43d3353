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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/Yelp/logfeeder/internal/checkpoint"
	"github.com/Yelp/logfeeder/internal/instrument"
	"github.com/Yelp/logfeeder/internal/logctx"
)

// Runner drives one ingestion run: every enabled sub-feed in sequence,
// from window resolution through checkpoint advancement. Sub-feeds
// never run in parallel, which keeps checkpoint writes race-free.
type Runner struct {
	Feed     string
	Account  string
	Instance string
	Tag      string

	SubFeeds []string
	Window   WindowOptions

	Source      Source
	Sink        Sink
	Normalizer  Normalizer
	Checkpoints checkpoint.Store

	// DryRun delivers to the configured sink (normally the stdout sink)
	// without advancing checkpoints.
	DryRun bool

	// Now is the clock, overridable in tests.
	Now func() time.Time
}

// SubFeedResult is one sub-feed's outcome.
type SubFeedResult struct {
	SubFeed      string
	Records      int
	MaxEventTime string
	Err          error
}

// Run executes every sub-feed sequentially. A sub-feed failure is
// logged and isolated so the remaining sub-feeds still run; the error
// return is reserved for configuration problems that abort the run
// before any fetch.
func (r *Runner) Run(ctx context.Context) ([]SubFeedResult, error) {
	if err := r.Window.Validate(); err != nil {
		return nil, err
	}

	results := make([]SubFeedResult, 0, len(r.SubFeeds))
	for _, sub := range r.SubFeeds {
		res := r.runSubFeed(ctx, sub)
		ll := logctx.FromContext(ctx).With(slog.String("subFeed", sub))
		if res.Err != nil {
			ll.Error("sub-feed run failed", slog.Any("error", res.Err))
		} else {
			ll.Info("sub-feed run complete",
				slog.Int("records", res.Records),
				slog.String("maxEventTime", res.MaxEventTime))
		}
		results = append(results, res)
		if ctx.Err() != nil {
			break
		}
	}
	return results, nil
}

func (r *Runner) runSubFeed(ctx context.Context, sub string) (res SubFeedResult) {
	res.SubFeed = sub
	defer func() {
		if p := recover(); p != nil {
			logctx.FromContext(ctx).Error("sub-feed panicked",
				slog.String("subFeed", sub),
				slog.Any("panic", p),
				slog.String("stack", string(debug.Stack())))
			res.Err = fmt.Errorf("sub-feed %s panicked: %v", sub, p)
		}
	}()

	ctx = logctx.WithFields(ctx, slog.String("subFeed", sub))
	ll := logctx.FromContext(ctx)

	key := checkpoint.Key{Feed: r.Feed, SubFeed: sub, Account: r.Account, Tag: r.Tag}

	var last string
	if r.Source.TracksEventTime() {
		ts, ok, err := r.Checkpoints.Read(key)
		if err != nil {
			res.Err = fmt.Errorf("reading checkpoint for %s: %w", sub, err)
			return res
		}
		if ok {
			last = ts
		}
	}

	win, err := ResolveWindow(r.Window, last, r.now())
	if err != nil {
		res.Err = err
		return res
	}
	ll.Info("resolved query window",
		slog.Time("start", win.Start),
		slog.Time("end", win.End))

	iter, err := r.Source.Fetch(ctx, FetchRequest{Window: win, SubFeed: sub})
	if err != nil {
		res.Err = fmt.Errorf("fetching %s: %w", sub, err)
		return res
	}
	defer func() { _ = iter.Close() }()

	norm := r.Normalizer
	norm.SubFeed = sub

	for {
		rows, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			res.Err = fmt.Errorf("fetching %s: %w", sub, err)
			return res
		}
		if len(rows) == 0 {
			continue
		}

		stream := norm.Stream(rows)
		err = instrument.Timed(ctx, "process_and_send", func() error {
			return r.Sink.Deliver(ctx, stream, sub)
		})
		if err != nil {
			res.Err = fmt.Errorf("delivering %s: %w", sub, err)
			return res
		}

		res.Records += stream.Count()
		if mx := stream.MaxEventTime(); mx > res.MaxEventTime {
			res.MaxEventTime = mx
		}

		// Each delivered batch advances the checkpoint, so an
		// interrupted multi-batch run resumes from what it finished.
		if r.shouldCheckpoint() && res.Records > 0 && res.MaxEventTime != "" {
			if err := r.Checkpoints.Write(key, res.MaxEventTime); err != nil {
				res.Err = fmt.Errorf("advancing checkpoint for %s: %w", sub, err)
				return res
			}
			ll.Debug("checkpoint advanced", slog.String("eventTime", res.MaxEventTime))
		}
	}
	return res
}

func (r *Runner) shouldCheckpoint() bool {
	return !r.DryRun && r.Source.TracksEventTime()
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// ResultError folds per-sub-feed failures into a single error for the
// run summary; nil when every sub-feed succeeded.
func ResultError(results []SubFeedResult) error {
	var merr *multierror.Error
	for _, res := range results {
		if res.Err != nil {
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", res.SubFeed, res.Err))
		}
	}
	return merr.ErrorOrNil()
}
