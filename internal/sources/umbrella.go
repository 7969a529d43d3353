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
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"github.com/Yelp/logfeeder/internal/feeder"
)

// umbrellaFieldNames is the column layout of the headerless Umbrella
// DNS log exports.
var umbrellaFieldNames = []string{
	"timestamp",
	"most_granular_identity",
	"identities",
	"internal_ip",
	"external_ip",
	"action",
	"query_type",
	"response_code",
	"domain",
	"categories",
}

// umbrellaDebugDomain marks the resolver's own health-check lookups,
// which carry no tenant activity. The exports spell it with the
// trailing root dot.
const umbrellaDebugDomain = "debug.opendns.com."

// ParseUmbrellaCSV decodes one decompressed Umbrella DNS log export
// into rows keyed by the fixed column layout, dropping the resolver's
// self-test lookups.
func ParseUmbrellaCSV(r io.Reader) ([]feeder.Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(umbrellaFieldNames)

	var rows []feeder.Row
	for {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading DNS log CSV: %w", err)
		}
		row := make(feeder.Row, len(umbrellaFieldNames))
		for i, name := range umbrellaFieldNames {
			row[name] = fields[i]
		}
		if row["domain"] == umbrellaDebugDomain {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}
