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
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNormalizer() Normalizer {
	return Normalizer{
		Feed:         "duo",
		SubFeed:      "administration",
		Account:      "yelp.com",
		Instance:     "primary",
		TimestampKey: "timestamp",
	}
}

func drain(t *testing.T, s *RecordStream) []Record {
	t.Helper()
	var recs []Record
	for {
		rec, err := s.Next()
		if err == io.EOF {
			return recs
		}
		require.NoError(t, err)
		recs = append(recs, rec)
	}
}

func TestNormalizeEnvelope(t *testing.T) {
	n := testNormalizer()
	stream := n.Stream([]Row{
		{"timestamp": "2009-02-13T23:31:30Z", "action": "admin_login"},
	})

	recs := drain(t, stream)
	require.Len(t, recs, 1)

	rec := recs[0]
	assert.Equal(t, "2009-02-13T23:31:30+00:00", rec.EventTime)
	assert.Equal(t, "duo", rec.Feed)
	assert.Equal(t, "administration", rec.SubFeed)
	assert.Equal(t, "yelp.com", rec.Account)
	assert.Equal(t, "primary", rec.Instance)

	doc := rec.Document()
	assert.Equal(t, "2009-02-13T23:31:30+00:00", doc["event_time"])
	assert.Equal(t, "duo", doc["logfeeder_type"])
	assert.Equal(t, "administration", doc["logfeeder_subapi"])
	assert.Equal(t, "yelp.com", doc["logfeeder_account"])
	assert.Equal(t, "primary", doc["logfeeder_instance"])
	assert.NotContains(t, doc, "org_username")

	payload, ok := doc["duo_data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "admin_login", payload["action"])
	assert.NotContains(t, payload, "timestamp", "provider timestamp must be promoted out of the payload")
}

func TestNormalizeUnixSeconds(t *testing.T) {
	n := testNormalizer()
	stream := n.Stream([]Row{{"timestamp": float64(1234567890)}})

	recs := drain(t, stream)
	require.Len(t, recs, 1)
	assert.Equal(t, "2009-02-13T23:31:30+00:00", recs[0].EventTime)
}

func TestNormalizeSecondaryTimestampKey(t *testing.T) {
	n := testNormalizer()
	n.TimestampKey = "timestamp"
	n.AltTimestampKey = "created-at"
	stream := n.Stream([]Row{{"created-at": "2013-09-13T15:20:11-07:00", "event": "login"}})

	recs := drain(t, stream)
	require.Len(t, recs, 1)
	assert.Equal(t, "2013-09-13T22:20:11+00:00", recs[0].EventTime)
	assert.NotContains(t, recs[0].Payload, "created-at")
}

func TestNormalizeMissingTimestampFails(t *testing.T) {
	n := testNormalizer()
	stream := n.Stream([]Row{{"action": "no timestamp here"}})

	_, err := stream.Next()
	require.Error(t, err)
}

func TestNormalizeOrgUsername(t *testing.T) {
	n := testNormalizer()
	n.UsernamePath = "user.name"

	tests := []struct {
		name string
		row  Row
		want any
	}{
		{
			name: "nested object",
			row:  Row{"timestamp": "2009-02-13T23:31:30Z", "user": map[string]any{"name": "jsmith"}},
			want: "jsmith",
		},
		{
			name: "sequence descends into first element",
			row: Row{"timestamp": "2009-02-13T23:31:30Z",
				"user": []any{map[string]any{"name": "first"}, map[string]any{"name": "second"}}},
			want: "first",
		},
		{
			name: "missing path leaves field off",
			row:  Row{"timestamp": "2009-02-13T23:31:30Z", "actor": "someone"},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stream := n.Stream([]Row{tt.row})
			recs := drain(t, stream)
			require.Len(t, recs, 1)
			assert.Equal(t, tt.want, recs[0].OrgUsername)
			if tt.want == nil {
				assert.NotContains(t, recs[0].Document(), "org_username")
			}
		})
	}
}

func TestStreamTracksMaxEventTime(t *testing.T) {
	n := testNormalizer()
	stream := n.Stream([]Row{
		{"timestamp": "2024-06-01T10:00:00Z"},
		{"timestamp": "2024-06-01T12:00:00Z"},
		{"timestamp": "2024-06-01T11:00:00Z"},
	})

	assert.Empty(t, stream.MaxEventTime(), "max is unknown before consumption")

	recs := drain(t, stream)
	assert.Len(t, recs, 3)
	assert.Equal(t, 3, stream.Count())
	assert.Equal(t, "2024-06-01T12:00:00+00:00", stream.MaxEventTime())
}

func TestStreamEmptyBatch(t *testing.T) {
	n := testNormalizer()
	stream := n.Stream(nil)

	_, err := stream.Next()
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 0, stream.Count())
	assert.Empty(t, stream.MaxEventTime())
}

func TestNormalizePayloadKeyDefaultsToFeed(t *testing.T) {
	n := testNormalizer()
	n.PayloadKey = ""
	stream := n.Stream([]Row{{"timestamp": "2009-02-13T23:31:30Z"}})

	recs := drain(t, stream)
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].Document(), "duo_data")
}
