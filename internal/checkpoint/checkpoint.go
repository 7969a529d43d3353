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

// Package checkpoint persists the last successfully delivered event
// timestamp per sub-feed, so the next run can resume where the previous
// one stopped.
package checkpoint

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Key identifies one sub-feed's checkpoint. Tag is an optional
// disambiguator so multiple instances consuming the same upstream data
// keep separate checkpoints instead of clobbering each other.
type Key struct {
	Feed    string
	SubFeed string
	Account string
	Tag     string
}

// FileName renders the on-disk file name for this key.
func (k Key) FileName() string {
	return fmt.Sprintf("%s_%s_%s_last_timestamp%s.txt", k.Feed, k.SubFeed, k.Account, k.Tag)
}

// Store reads and writes per-sub-feed checkpoints. Timestamps are kept
// as canonical ISO-8601 UTC strings; string ordering matches time
// ordering in that form.
type Store interface {
	// Read returns the stored timestamp, with ok=false when no
	// checkpoint exists for the key.
	Read(key Key) (ts string, ok bool, err error)
	// Write replaces the stored timestamp for the key.
	Write(key Key, ts string) error
}

// FileStore keeps one checkpoint file per key under a directory.
type FileStore struct {
	dir string
}

var _ Store = (*FileStore)(nil)

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating checkpoint directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Read(key Key) (string, bool, error) {
	b, err := os.ReadFile(filepath.Join(s.dir, key.FileName()))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading checkpoint %s: %w", key.FileName(), err)
	}
	ts := strings.TrimSpace(string(b))
	if ts == "" {
		return "", false, nil
	}
	return ts, true, nil
}

// Write replaces the checkpoint via a temp file and rename, so an
// interrupted run never leaves a torn timestamp behind.
func (s *FileStore) Write(key Key, ts string) error {
	f, err := os.CreateTemp(s.dir, key.FileName()+".*")
	if err != nil {
		return fmt.Errorf("creating checkpoint temp file: %w", err)
	}
	tmp := f.Name()
	if _, err := f.WriteString(ts + "\n"); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("writing checkpoint %s: %w", key.FileName(), err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("closing checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, key.FileName())); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing checkpoint %s: %w", key.FileName(), err)
	}
	return nil
}

// NopStore is used in stateless mode: reads report no prior run and
// writes are discarded.
type NopStore struct{}

var _ Store = NopStore{}

func (NopStore) Read(Key) (string, bool, error) { return "", false, nil }
func (NopStore) Write(Key, string) error        { return nil }
