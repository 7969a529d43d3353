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
	"encoding/json"
	"fmt"
	"time"
)

// EventTimeLayout is the canonical form for event_time values: UTC with
// an explicit +00:00 offset, fractional seconds only when nonzero.
// Lexical ordering of values in this form matches time ordering, which
// is what makes string-compare max tracking and checkpoint comparison
// valid.
const EventTimeLayout = "2006-01-02T15:04:05.999999-07:00"

// FormatEventTime renders a time in the canonical event_time form.
func FormatEventTime(t time.Time) string {
	return t.UTC().Format(EventTimeLayout)
}

// ParseEventTime parses a canonical event_time string.
func ParseEventTime(s string) (time.Time, error) {
	t, err := time.Parse(EventTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing event time %q: %w", s, err)
	}
	return t, nil
}

// providerTimeLayouts are the timestamp shapes seen across providers,
// tried in order: our canonical form, RFC 3339 with or without
// fractional seconds, and the space- or T-separated naive forms used by
// CSV exports (interpreted as UTC).
var providerTimeLayouts = []string{
	EventTimeLayout,
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999",
}

// CanonicalizeTimestamp converts a raw provider timestamp value to the
// canonical event_time form. Numeric values are unix seconds. When the
// value matches no known shape, its string form is returned with
// ok=false; callers pass it through rather than fail, and downstream
// consumers that need a parseable instant skip their derived fields.
func CanonicalizeTimestamp(v any) (string, bool) {
	switch t := v.(type) {
	case time.Time:
		return FormatEventTime(t), true
	case float64:
		sec := int64(t)
		nsec := int64((t - float64(sec)) * float64(time.Second))
		return FormatEventTime(time.Unix(sec, nsec)), true
	case int:
		return FormatEventTime(time.Unix(int64(t), 0)), true
	case int64:
		return FormatEventTime(time.Unix(t, 0)), true
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return CanonicalizeTimestamp(f)
		}
	case string:
		for _, layout := range providerTimeLayouts {
			if ts, err := time.Parse(layout, t); err == nil {
				return FormatEventTime(ts), true
			}
		}
		return t, false
	}
	return fmt.Sprint(v), false
}
