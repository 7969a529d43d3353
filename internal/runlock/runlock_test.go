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

package runlock

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "locks")

	lock, err := Acquire(dir, "duo", "yelp.com")
	require.NoError(t, err)

	path := filepath.Join(dir, "duo_feeder_batch_yelp.com.lock")
	_, err = os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, lock.Release())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Releasing again is a no-op.
	require.NoError(t, lock.Release())
	require.NoError(t, (*Lock)(nil).Release())
}

// flock locks the open file description, so a second handle in the same
// process contends just like a second process would.
func TestAcquireContended(t *testing.T) {
	dir := t.TempDir()

	first, err := Acquire(dir, "duo", "")
	require.NoError(t, err)

	_, err = Acquire(dir, "duo", "")
	require.ErrorIs(t, err, ErrContended)

	require.NoError(t, first.Release())

	second, err := Acquire(dir, "duo", "")
	require.NoError(t, err)
	require.NoError(t, second.Release())
}

func TestAcquireDistinctInstancesDoNotContend(t *testing.T) {
	dir := t.TempDir()

	a, err := Acquire(dir, "duo", "yelp.com")
	require.NoError(t, err)
	defer func() { _ = a.Release() }()

	b, err := Acquire(dir, "duo", "yelp-ireland.com")
	require.NoError(t, err)
	require.NoError(t, b.Release())
}
