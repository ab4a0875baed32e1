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

package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordCall(t *testing.T) {
	before := testutil.ToFloat64(CallsTotal.WithLabelValues("SignEthereum", StatusError))
	RecordCall("SignEthereum", errors.New("invalid signer"))
	after := testutil.ToFloat64(CallsTotal.WithLabelValues("SignEthereum", StatusError))
	assert.Equal(t, before+1, after)
}

func TestCeremonyMetrics(t *testing.T) {
	started := testutil.ToFloat64(CeremoniesStarted)
	RecordCeremonyStarted()
	assert.Equal(t, started+1, testutil.ToFloat64(CeremoniesStarted))

	killed := testutil.ToFloat64(CeremoniesEnded.WithLabelValues(OutcomeKilled))
	RecordCeremonyEnded(OutcomeKilled, 0.2)
	assert.Equal(t, killed+1, testutil.ToFloat64(CeremoniesEnded.WithLabelValues(OutcomeKilled)))

	SetActiveCeremonies(4)
	assert.Equal(t, float64(4), testutil.ToFloat64(ActiveCeremonies))
	SetWatchedConnections(2)
	assert.Equal(t, float64(2), testutil.ToFloat64(WatchedConnections))
}

func TestDisable(t *testing.T) {
	Disable()
	defer Enable()
	assert.False(t, IsEnabled())

	SetDispatchQueueDepth(9)
	assert.NotEqual(t, float64(9), testutil.ToFloat64(DispatchQueueDepth))
}

func TestHTTPMiddleware(t *testing.T) {
	handler := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "418"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health/live", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "418")))
}

func TestResponseWriter_HijackUnsupported(t *testing.T) {
	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	assert.Error(t, err)
}

func TestConnectionTracker(t *testing.T) {
	gauge := ActiveConnections.WithLabelValues(ProtocolWebSocket)
	before := testutil.ToFloat64(gauge)

	tracker := NewConnectionTracker(ProtocolWebSocket)
	assert.Equal(t, before+1, testutil.ToFloat64(gauge))
	tracker.Close()
	assert.Equal(t, before, testutil.ToFloat64(gauge))
}

func TestResourceCollector(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewResourceCollector(time.Hour).Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return testutil.ToFloat64(Goroutines) > 0 }, time.Second, 10*time.Millisecond)
	cancel()
	<-done
}
