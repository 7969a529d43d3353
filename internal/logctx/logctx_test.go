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

package logctx

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithLoggerRoundTrip(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx := WithLogger(context.Background(), logger)

	assert.Same(t, logger, FromContext(ctx))
}

func TestFromContextDefaultsWhenUnset(t *testing.T) {
	logger := FromContext(context.Background())
	require.NotNil(t, logger)
	assert.Same(t, slog.Default(), logger)
}

func TestWithFieldsBindsAttributes(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), slog.New(slog.NewTextHandler(&buf, nil)))

	ctx = WithFields(ctx, slog.String("feed", "duo"), slog.String("subFeed", "authentication"))
	FromContext(ctx).Info("fetching")

	out := buf.String()
	assert.Contains(t, out, "feed=duo")
	assert.Contains(t, out, "subFeed=authentication")
	assert.Contains(t, out, "fetching")
}

func TestWithFieldsDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := WithLogger(context.Background(), slog.New(slog.NewTextHandler(&buf, nil)))

	_ = WithFields(parent, slog.String("subFeed", "telephony"))
	FromContext(parent).Info("outer")

	assert.NotContains(t, buf.String(), "telephony")
}
