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
)

// Record is the canonical envelope delivered to sinks. The raw provider
// record sits under PayloadKey (for example "duo_data"), with the
// provider's timestamp field already removed and promoted to EventTime.
type Record struct {
	EventTime   string
	Feed        string
	SubFeed     string
	Account     string
	Instance    string
	OrgUsername any
	PayloadKey  string
	Payload     Row
}

// Document renders the record as the flat JSON object both sinks emit:
// the payload nested under its feed-specific key, metadata fields
// alongside it, org_username only when extraction found a value.
func (r Record) Document() map[string]any {
	doc := map[string]any{
		r.PayloadKey:         map[string]any(r.Payload),
		"event_time":         r.EventTime,
		"logfeeder_type":     r.Feed,
		"logfeeder_subapi":   r.SubFeed,
		"logfeeder_account":  r.Account,
		"logfeeder_instance": r.Instance,
	}
	if r.OrgUsername != nil {
		doc["org_username"] = r.OrgUsername
	}
	return doc
}

func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Document())
}
