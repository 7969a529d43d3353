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

package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyFileName(t *testing.T) {
	tests := []struct {
		name string
		key  Key
		want string
	}{
		{
			name: "no tag",
			key:  Key{Feed: "duo", SubFeed: "administration", Account: "yelp.com"},
			want: "duo_administration_yelp.com_last_timestamp.txt",
		},
		{
			name: "with tag",
			key:  Key{Feed: "duo", SubFeed: "administration", Account: "yelp.com", Tag: "_shadow"},
			want: "duo_administration_yelp.com_last_timestamp_shadow.txt",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.key.FileName())
		})
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	key := Key{Feed: "onelogin", SubFeed: "events", Account: "yelp.com"}

	_, ok, err := s.Read(key)
	require.NoError(t, err)
	assert.False(t, ok, "missing checkpoint should read as absent")

	require.NoError(t, s.Write(key, "2024-06-01T12:00:00+00:00"))

	ts, ok, err := s.Read(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2024-06-01T12:00:00+00:00", ts)

	// Overwrite replaces the prior value.
	require.NoError(t, s.Write(key, "2024-06-01T12:05:00+00:00"))
	ts, ok, err = s.Read(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2024-06-01T12:05:00+00:00", ts)
}

func TestFileStoreTagsAreIsolated(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	base := Key{Feed: "duo", SubFeed: "authentication", Account: "yelp.com"}
	tagged := base
	tagged.Tag = "_replay"

	require.NotEqual(t, base.FileName(), tagged.FileName())

	require.NoError(t, s.Write(base, "2024-01-01T00:00:00+00:00"))
	require.NoError(t, s.Write(tagged, "2024-02-02T00:00:00+00:00"))

	ts, ok, err := s.Read(base)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2024-01-01T00:00:00+00:00", ts)

	ts, ok, err = s.Read(tagged)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2024-02-02T00:00:00+00:00", ts)
}

func TestFileStoreEmptyFileReadsAsAbsent(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	key := Key{Feed: "duo", SubFeed: "telephony", Account: "yelp.com"}
	require.NoError(t, os.WriteFile(filepath.Join(dir, key.FileName()), []byte("\n"), 0o644))

	_, ok, err := s.Read(key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	key := Key{Feed: "opendns", SubFeed: "dnslogs", Account: "yelp.com"}
	require.NoError(t, s.Write(key, "2024-06-01T00:00:00+00:00"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, key.FileName(), entries[0].Name())
}

func TestNopStore(t *testing.T) {
	var s Store = NopStore{}

	key := Key{Feed: "duo", SubFeed: "administration", Account: "yelp.com"}
	require.NoError(t, s.Write(key, "2024-06-01T00:00:00+00:00"))

	_, ok, err := s.Read(key)
	require.NoError(t, err)
	assert.False(t, ok)
}
