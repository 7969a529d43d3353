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
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Yelp/logfeeder/internal/feeder"
	"github.com/Yelp/logfeeder/internal/logctx"
	"github.com/Yelp/logfeeder/internal/ratelimit"
)

const (
	oneLoginBaseURL        = "https://app.onelogin.com"
	oneLoginCreatedAtField = "created-at"
	oneLoginRequestTimeout = 90 * time.Second

	// oneLoginEmptyMarker is the body the events API returns for a page
	// past the end of the account's retained history.
	oneLoginEmptyMarker = `<nil-classes type="array"/>`
)

// OneLoginSource reads the OneLogin events API. Pages are served newest
// first, so the walk moves backwards through time until it sees a
// record older than the window start. A page fetch that exhausts its
// retries fails the whole fetch: the unread pages behind it are older
// than everything collected so far, and they would never be revisited
// once the checkpoint advances past them.
type OneLoginSource struct {
	creds   OneLoginCredentials
	limiter *ratelimit.Limiter
	client  *http.Client
	baseURL string
}

func NewOneLoginSource(creds OneLoginCredentials, limiter *ratelimit.Limiter) *OneLoginSource {
	return &OneLoginSource{
		creds:   creds,
		limiter: limiter,
		client:  &http.Client{Timeout: oneLoginRequestTimeout},
		baseURL: oneLoginBaseURL,
	}
}

var _ feeder.Source = (*OneLoginSource)(nil)

func (s *OneLoginSource) TracksEventTime() bool { return true }

func (s *OneLoginSource) Fetch(ctx context.Context, req feeder.FetchRequest) (feeder.BatchIter, error) {
	rows, err := s.collect(ctx, req.Window)
	if err != nil {
		return nil, err
	}
	addOneLoginEventDescriptions(rows)
	return &singleBatch{rows: rows}, nil
}

func (s *OneLoginSource) collect(ctx context.Context, win feeder.Window) ([]feeder.Row, error) {
	ll := logctx.FromContext(ctx)
	var rows []feeder.Row
	for page := 1; ; page++ {
		var body []byte
		err := callWithRetries(ctx, s.limiter, "onelogin events page", func() error {
			var err error
			body, err = s.fetchPage(ctx, page)
			return err
		})
		if err != nil {
			return nil, err
		}

		if strings.Contains(string(body), oneLoginEmptyMarker) {
			ll.Warn("no results returned for page, the start time may predate retained history",
				slog.Int("page", page),
				slog.Time("startTime", win.Start))
			break
		}

		events, err := parseOneLoginEvents(body)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			return nil, fmt.Errorf("onelogin page %d contained no events: %s", page, truncateForLog(body))
		}

		// The last event on the page is the oldest; use it to decide
		// whether the page reaches into the window at all.
		earliest, found, err := oneLoginCreatedAt(events[len(events)-1])
		if err != nil {
			return nil, fmt.Errorf("onelogin page %d: %w", page, err)
		}
		if !found {
			return nil, fmt.Errorf("onelogin page %d: cannot find %s tag: %s", page, oneLoginCreatedAtField, truncateForLog(body))
		}
		if earliest.After(win.End) {
			continue
		}

		for _, ev := range events {
			ts, found, err := oneLoginCreatedAt(ev)
			if err != nil {
				return nil, err
			}
			if found {
				if ts.Before(win.Start) {
					return rows, nil
				}
				if ts.After(win.End) {
					continue
				}
			}
			rows = append(rows, ev)
		}
	}
	return rows, nil
}

func (s *OneLoginSource) fetchPage(ctx context.Context, page int) ([]byte, error) {
	u := fmt.Sprintf("%s/api/v1/events?page=%d", s.baseURL, page)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(s.creds.APIKey, "x")

	logctx.FromContext(ctx).Debug("requesting onelogin page", slog.Int("page", page))
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("onelogin request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading onelogin response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("onelogin returned status %d: %s", resp.StatusCode, truncateForLog(body))
	}
	return body, nil
}

type oneLoginEventsDoc struct {
	Events []oneLoginEventXML `xml:"event"`
}

type oneLoginEventXML struct {
	Fields []oneLoginFieldXML `xml:",any"`
}

type oneLoginFieldXML struct {
	XMLName xml.Name
	Nil     string `xml:"nil,attr"`
	Value   string `xml:",chardata"`
}

// parseOneLoginEvents flattens an events page into rows. Element names
// become keys; elements marked nil="true" become nil values.
func parseOneLoginEvents(body []byte) ([]feeder.Row, error) {
	var doc oneLoginEventsDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decoding onelogin events page: %w", err)
	}
	rows := make([]feeder.Row, 0, len(doc.Events))
	for _, ev := range doc.Events {
		row := make(feeder.Row, len(ev.Fields))
		for _, f := range ev.Fields {
			if f.Nil == "true" {
				row[f.XMLName.Local] = nil
			} else {
				row[f.XMLName.Local] = f.Value
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// oneLoginCreatedAt reads an event's created-at instant. A missing or
// nil field reports found=false; a present but unparseable one is an
// error.
func oneLoginCreatedAt(row feeder.Row) (time.Time, bool, error) {
	raw, present := row[oneLoginCreatedAtField]
	if !present || raw == nil {
		return time.Time{}, false, nil
	}
	str, _ := raw.(string)
	ts, err := time.Parse(time.RFC3339, str)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing %s %q: %w", oneLoginCreatedAtField, str, err)
	}
	return ts, true, nil
}
