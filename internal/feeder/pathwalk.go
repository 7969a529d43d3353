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
	"strings"
)

// LookupPath resolves a dotted path inside a decoded JSON value. At
// each segment the walker descends by key into a keyed structure; a
// sequence is unwrapped to its first element first. Every miss (absent
// key, empty sequence, descending into a scalar) reports found=false
// rather than an error.
func LookupPath(v any, path string) (any, bool) {
	for _, seg := range strings.Split(path, ".") {
		var ok bool
		v, ok = descend(v, seg)
		if !ok {
			return nil, false
		}
	}
	return v, true
}

func descend(v any, key string) (any, bool) {
	if seq, ok := v.([]any); ok {
		if len(seq) == 0 {
			return nil, false
		}
		v = seq[0]
	}
	switch m := v.(type) {
	case Row:
		got, ok := m[key]
		return got, ok
	case map[string]any:
		got, ok := m[key]
		return got, ok
	default:
		return nil, false
	}
}
