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

package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Yelp/logfeeder/internal/feeder"
)

// StdoutSink prints records instead of delivering them, one JSON
// document per line. It backs the no-output mode; checkpoints are never
// advanced on its account.
type StdoutSink struct {
	// W defaults to os.Stdout.
	W io.Writer
}

var _ feeder.Sink = (*StdoutSink)(nil)

func (s *StdoutSink) Deliver(_ context.Context, stream *feeder.RecordStream, _ string) error {
	w := s.W
	if w == nil {
		w = os.Stdout
	}
	enc := json.NewEncoder(w)
	for {
		rec, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("printing record: %w", err)
		}
	}
}
