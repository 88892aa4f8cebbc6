// Copyright © 2024 Kaleido, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/kaleido-io/voucherd/internal/orchestrator"
	"github.com/kaleido-io/voucherd/internal/otp"
	"github.com/kaleido-io/voucherd/internal/persistence"
	"github.com/kaleido-io/voucherd/internal/provider"
	"github.com/kaleido-io/voucherd/internal/registry"
)

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/balance"):
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"balance": 100000})
		case strings.Contains(r.URL.Path, "/transactions") && r.Method == http.MethodPost:
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"trx_id": "TRX1", "otp_required": false})
		default:
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"is_success": 2, "voucher_code": "V1"})
		}
	}))
	t.Cleanup(upstream.Close)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, persistence.Migrate(db))

	control := orchestrator.New(orchestrator.Deps{
		Registry:    registry.NewMemoryRegistry(),
		Persistence: persistence.NewStore(db),
		Provider:    provider.NewClient(provider.Config{BaseURL: upstream.URL}),
		Mailboxes:   otp.NewMailboxes(),
		LockTTL:     time.Minute,
		PollPaused:  5 * time.Millisecond,
	})
	t.Cleanup(func() { control.Drain(context.Background(), time.Second) })

	return NewServer(control, otp.NewMailboxes(), upstream.URL, time.Minute), upstream
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestStartEndpointReturnsEnvelope(t *testing.T) {
	s, _ := testServer(t)
	rec := doJSON(t, s.Router(), http.MethodPost, "/v1/orchestration/start", startRequest{
		BindingIDs: []string{"b1"}, ProductID: "P", Email: "a@b.com", LimitHarga: 1000, IntervalMS: 5000, MaxRetryStatus: 1,
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "start", env.Action)
	require.Len(t, env.Items, 1)
	assert.True(t, env.Items[0].OK)
}

func TestMonitorEndpoint(t *testing.T) {
	s, _ := testServer(t)
	doJSON(t, s.Router(), http.MethodPost, "/v1/orchestration/start", startRequest{
		BindingIDs: []string{"b1"}, ProductID: "P", Email: "a@b.com", LimitHarga: 1000, IntervalMS: 5000, MaxRetryStatus: 1,
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/orchestration/monitor", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 1, body["total_workers"])
}

func TestOTPSubmitRejectsWhenNotArmed(t *testing.T) {
	s, _ := testServer(t)
	rec := doJSON(t, s.Router(), http.MethodPost, "/v1/otp/b1", otpSubmitRequest{OTP: "123456"})
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["accepted"])
}

func TestBadRequestBodyReturns400(t *testing.T) {
	s, _ := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/orchestration/start", bytes.NewBufferString("not json"))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
