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

// Package runlock enforces single-instance runs with an advisory file
// lock. A feed scheduled from cron must not overlap a still-running
// previous invocation; overlapping runs would race on the checkpoint
// and double-deliver.
package runlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// ErrContended means another process already holds the run lock.
var ErrContended = errors.New("another instance is already running")

// Lock is a held run lock. Release drops it and removes the file.
type Lock struct {
	path string
	f    *os.File
}

// Acquire takes the run lock for a feed, creating dir if needed. The
// lock name includes the instance so runs for different accounts of
// the same feed do not exclude each other. Returns ErrContended
// without blocking when the lock is held elsewhere.
func Acquire(dir, feed, instance string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	name := feed + "_feeder_batch"
	if instance != "" {
		name += "_" + instance
	}
	path := filepath.Join(dir, name+".lock")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrContended
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	return &Lock{path: path, f: f}, nil
}

// Release closes the lock file and removes it. Safe on a nil lock.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}

// Interactive reports whether stderr is a terminal. Contention under
// cron exits quietly; a person at a shell gets told what happened.
func Interactive() bool {
	return term.IsTerminal(int(os.Stderr.Fd()))
}
