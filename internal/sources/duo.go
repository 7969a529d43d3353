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
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Yelp/logfeeder/internal/feeder"
	"github.com/Yelp/logfeeder/internal/logctx"
	"github.com/Yelp/logfeeder/internal/ratelimit"
)

// duoPageCap is the most records the Duo Admin API returns per call. A
// page below the cap means there is nothing further to fetch.
const duoPageCap = 1000

const duoRequestTimeout = 90 * time.Second

// duoLogPaths maps sub-feed names to Admin API v1 log endpoints.
var duoLogPaths = map[string]string{
	"administration": "/admin/v1/logs/administrator",
	"authentication": "/admin/v1/logs/authentication",
	"telephony":      "/admin/v1/logs/telephony",
}

// IdentityMismatchError reports a hardtoken composite key-name that
// disagrees with the identity fields stored beside it. It fails the
// fetch that produced the record.
type IdentityMismatchError struct {
	Key       string
	Field     string
	Expected  string
	Actual    string
	Timestamp int64
}

func (e *IdentityMismatchError) Error() string {
	return fmt.Sprintf("hardtoken key %q disagrees on %s at timestamp %d: key-name says %q, record says %q",
		e.Key, e.Field, e.Timestamp, e.Expected, e.Actual)
}

// DuoSource pulls administrator, authentication and telephony logs from
// the Duo Admin API v1. The API takes only a unix-seconds mintime
// cursor, so the window end is enforced client-side; pages advance by
// setting mintime just past the last record seen.
type DuoSource struct {
	creds   DuoCredentials
	limiter *ratelimit.Limiter
	client  *http.Client

	// base is the API endpoint, normally https://{api_hostname}.
	base *url.URL
	now  func() time.Time
}

func NewDuoSource(creds DuoCredentials, limiter *ratelimit.Limiter) *DuoSource {
	return &DuoSource{
		creds:   creds,
		limiter: limiter,
		client:  &http.Client{Timeout: duoRequestTimeout},
		base:    &url.URL{Scheme: "https", Host: creds.APIHostname},
		now:     time.Now,
	}
}

var _ feeder.Source = (*DuoSource)(nil)

func (s *DuoSource) TracksEventTime() bool { return true }

func (s *DuoSource) Fetch(ctx context.Context, req feeder.FetchRequest) (feeder.BatchIter, error) {
	path, ok := duoLogPaths[req.SubFeed]
	if !ok {
		return nil, fmt.Errorf("unknown duo sub-feed %q", req.SubFeed)
	}
	rows, err := s.collect(ctx, path, req.Window)
	if err != nil {
		return nil, err
	}
	if err := s.postprocess(ctx, rows); err != nil {
		return nil, err
	}
	return &singleBatch{rows: rows}, nil
}

// collect pages through one log endpoint, keeping records inside the
// window. Stops on a short or empty page or once the last record of a
// page falls past the window end. Exhausted retries on a page keep what
// already qualified instead of discarding the whole fetch.
func (s *DuoSource) collect(ctx context.Context, path string, win feeder.Window) ([]feeder.Row, error) {
	ll := logctx.FromContext(ctx)
	mintime := win.Start.Unix()
	end := win.End.Unix()

	var rows []feeder.Row
	calls := 0
	for {
		var page []feeder.Row
		err := callWithRetries(ctx, s.limiter, "duo "+path, func() error {
			calls++
			var err error
			page, err = s.fetchPage(ctx, path, mintime)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			ll.Error("giving up on duo page", slog.Any("error", err))
			break
		}
		if len(page) == 0 {
			break
		}

		for _, row := range page {
			ts, err := duoTimestamp(row)
			if err != nil {
				return nil, err
			}
			if ts > end {
				break
			}
			rows = append(rows, row)
		}

		last, err := duoTimestamp(page[len(page)-1])
		if err != nil {
			return nil, err
		}
		mintime = last + 1
		if len(page) < duoPageCap || last > end {
			break
		}
	}
	ll.Debug("duo endpoint drained", slog.String("path", path), slog.Int("calls", calls))
	return rows, nil
}

type duoEnvelope struct {
	Stat     string          `json:"stat"`
	Response json.RawMessage `json:"response"`
	Code     int             `json:"code"`
	Message  string          `json:"message"`
}

func (s *DuoSource) fetchPage(ctx context.Context, path string, mintime int64) ([]feeder.Row, error) {
	params := url.Values{"mintime": []string{strconv.FormatInt(mintime, 10)}}
	req, err := s.signedRequest(ctx, http.MethodGet, path, params)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("duo request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading duo response: %w", err)
	}
	var envelope duoEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decoding duo response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || envelope.Stat != "OK" {
		return nil, fmt.Errorf("duo API returned status %d stat %q: %s", resp.StatusCode, envelope.Stat, envelope.Message)
	}
	var page []feeder.Row
	if err := json.Unmarshal(envelope.Response, &page); err != nil {
		return nil, fmt.Errorf("decoding duo log page: %w", err)
	}
	return page, nil
}

// signedRequest builds a Duo Admin API request. The secret key signs
// the canonical string of date, method, host, path and encoded
// parameters with HMAC-SHA1; the integration key and hex digest form
// the basic-auth pair.
func (s *DuoSource) signedRequest(ctx context.Context, method, path string, params url.Values) (*http.Request, error) {
	date := s.now().UTC().Format(http.TimeFormat)
	canon := strings.Join([]string{
		date,
		method,
		strings.ToLower(s.base.Host),
		path,
		params.Encode(),
	}, "\n")

	mac := hmac.New(sha1.New, []byte(s.creds.SecretKey))
	mac.Write([]byte(canon))
	sig := hex.EncodeToString(mac.Sum(nil))

	u := *s.base
	u.Path = path
	u.RawQuery = params.Encode()
	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Date", date)
	req.SetBasicAuth(s.creds.IntegrationKey, sig)
	return req, nil
}

// duoTimestamp reads a record's unix-seconds timestamp.
func duoTimestamp(row feeder.Row) (int64, error) {
	switch v := row["timestamp"].(type) {
	case float64:
		return int64(v), nil
	case json.Number:
		return v.Int64()
	}
	return 0, fmt.Errorf("duo record has no usable timestamp: %v", row["timestamp"])
}

// postprocess decodes embedded-JSON description fields in place and
// normalizes hardtoken key-names. Duo documents the description field
// as a display summary, so one that does not decode stays as received.
func (s *DuoSource) postprocess(ctx context.Context, rows []feeder.Row) error {
	ll := logctx.FromContext(ctx)
	for _, row := range rows {
		raw, ok := row["description"].(string)
		if !ok || raw == "" {
			continue
		}
		var desc any
		if err := json.Unmarshal([]byte(raw), &desc); err != nil {
			ll.Error("failed to deserialize description field",
				slog.String("description", raw),
				slog.Any("error", err))
			continue
		}
		row["description"] = desc

		ts, err := duoTimestamp(row)
		if err != nil {
			return err
		}
		if err := rewriteHardtokens(ll, desc, ts); err != nil {
			return err
		}
	}
	return nil
}

// rewriteHardtokens replaces the per-device hardtoken key-names inside
// a decoded description ("hardtoken-{platform}-{serial}") with
// sequential "hardtoken_N" keys, carrying the platform and serial as
// fields. Keys are checked against their values first: a malformed
// key-name skips the rewrite for the whole record, a value that
// contradicts its key-name is an IdentityMismatchError.
func rewriteHardtokens(ll *slog.Logger, desc any, timestamp int64) error {
	m, ok := desc.(map[string]any)
	if !ok {
		return nil
	}
	raw, present := m["hardtokens"]
	if !present {
		return nil
	}
	tokens, ok := raw.(map[string]any)
	if !ok {
		ll.Warn("hardtokens field is not a mapping, skipping reformat",
			slog.Int64("timestamp", timestamp))
		return nil
	}
	if len(tokens) == 0 {
		return nil
	}

	keys := make([]string, 0, len(tokens))
	for k := range tokens {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		parts := strings.Split(key, "-")
		if len(parts) != 3 {
			ll.Warn("hardtoken key-name not formatted as expected, skipping reformat",
				slog.Int64("timestamp", timestamp),
				slog.String("key", key))
			return nil
		}
		value, ok := tokens[key].(map[string]any)
		if !ok {
			continue
		}
		if got, present := value["platform"]; present && fmt.Sprint(got) != parts[1] {
			return &IdentityMismatchError{
				Key: key, Field: "platform",
				Expected: parts[1], Actual: fmt.Sprint(got),
				Timestamp: timestamp,
			}
		}
		if got, present := value["serialnumber"]; present && fmt.Sprint(got) != parts[2] {
			return &IdentityMismatchError{
				Key: key, Field: "serialnumber",
				Expected: parts[2], Actual: fmt.Sprint(got),
				Timestamp: timestamp,
			}
		}
	}

	for i, key := range keys {
		parts := strings.Split(key, "-")
		token := map[string]any{
			"platform":     parts[1],
			"serialnumber": parts[2],
		}
		if value, ok := tokens[key].(map[string]any); ok {
			for k, v := range value {
				token[k] = v
			}
		} else {
			ll.Warn("hardtoken value is empty",
				slog.Int64("timestamp", timestamp),
				slog.String("key", key))
		}
		m[fmt.Sprintf("hardtoken_%d", i+1)] = token
	}
	delete(m, "hardtokens")
	return nil
}
