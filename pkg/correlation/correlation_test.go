// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-bitacross.
//
// go-bitacross is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package correlation

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "abc")
	assert.Equal(t, "abc", GetCorrelationID(ctx))
	assert.Equal(t, "abc", GetOrGenerate(ctx))
	assert.Empty(t, GetCorrelationID(context.Background()))

	//nolint:staticcheck // nil context is tolerated
	assert.Equal(t, "x", GetCorrelationID(WithCorrelationID(nil, "x")))
}

func TestNewID(t *testing.T) {
	id := NewID()
	_, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.NotEqual(t, id, NewID())
	assert.NotEmpty(t, GetOrGenerate(context.Background()))
}

func TestFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set(RequestIDHeader, "request")
	assert.Equal(t, "request", FromRequest(r))

	r.Header.Set(CorrelationIDHeader, "correlation")
	assert.Equal(t, "correlation", FromRequest(r))

	_, err := uuid.Parse(FromRequest(httptest.NewRequest("GET", "/ws", nil)))
	assert.NoError(t, err)
}
