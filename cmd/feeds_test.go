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

package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Yelp/logfeeder/config"
)

func TestPrintFeeds(t *testing.T) {
	cfg := config.Default()
	cfg.Feeds.Duo.CredentialsFile = "/etc/logfeeder/duo.yaml"
	cfg.Feeds.Duo.SubFeeds = map[string]bool{"administration": true, "telephony": true}
	cfg.Feeds.OpenDNS.QueueName = "opendns-log-events"
	cfg.Sink.Kind = config.SinkKafka

	var buf bytes.Buffer
	printFeeds(&buf, cfg)

	out := buf.String()
	assert.Contains(t, out, "duo")
	assert.Contains(t, out, "administration, telephony")
	assert.Contains(t, out, "onelogin   not configured")
	assert.Contains(t, out, "opendns    configured")
	assert.Contains(t, out, "sink: kafka")
}
