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
	"io"
)

// Normalizer reshapes raw rows into canonical records for one feed.
// SubFeed is stamped per sub-feed run by the runner.
type Normalizer struct {
	Feed     string
	SubFeed  string
	Account  string
	Instance string

	// PayloadKey is the field the raw record nests under; empty means
	// "{feed}_data".
	PayloadKey string

	// TimestampKey locates the provider timestamp in a raw row.
	// AltTimestampKey is consulted when the primary is absent.
	TimestampKey    string
	AltTimestampKey string

	// UsernamePath, when set, is the dotted path used to extract
	// org_username from the payload.
	UsernamePath string
}

func (n *Normalizer) payloadKey() string {
	if n.PayloadKey != "" {
		return n.PayloadKey
	}
	return n.Feed + "_data"
}

// Stream wraps one batch of raw rows for lazy consumption.
func (n *Normalizer) Stream(rows []Row) *RecordStream {
	return &RecordStream{n: n, rows: rows}
}

// RecordStream hands out normalized records one at a time; Next returns
// io.EOF after the last one. The maximum event time is tracked as a
// side effect of consumption, so MaxEventTime is meaningful only once
// the stream has been fully drained.
type RecordStream struct {
	n    *Normalizer
	rows []Row
	pos  int

	count    int
	maxEvent string
}

func (s *RecordStream) Next() (Record, error) {
	if s.pos >= len(s.rows) {
		return Record{}, io.EOF
	}
	row := s.rows[s.pos]
	s.pos++
	rec, err := s.n.normalize(row)
	if err != nil {
		return Record{}, err
	}
	s.count++
	if rec.EventTime > s.maxEvent {
		s.maxEvent = rec.EventTime
	}
	return rec, nil
}

// Count reports how many records the stream has produced so far.
func (s *RecordStream) Count() int { return s.count }

// MaxEventTime reports the maximum event_time among produced records,
// empty when none were produced.
func (s *RecordStream) MaxEventTime() string { return s.maxEvent }

func (n *Normalizer) normalize(row Row) (Record, error) {
	raw, ok := row[n.TimestampKey]
	used := n.TimestampKey
	if !ok && n.AltTimestampKey != "" {
		raw, ok = row[n.AltTimestampKey]
		used = n.AltTimestampKey
	}
	if !ok {
		return Record{}, fmt.Errorf("record has no %q timestamp field", n.TimestampKey)
	}
	delete(row, used)

	eventTime, _ := CanonicalizeTimestamp(raw)

	rec := Record{
		EventTime:  eventTime,
		Feed:       n.Feed,
		SubFeed:    n.SubFeed,
		Account:    n.Account,
		Instance:   n.Instance,
		PayloadKey: n.payloadKey(),
		Payload:    row,
	}
	if n.UsernamePath != "" {
		if v, found := LookupPath(row, n.UsernamePath); found {
			rec.OrgUsername = v
		}
	}
	return rec, nil
}
