// Copyright © 2024 Kaleido, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartTransactionHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"trx_id":"TRX1","otp_required":true}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	res, err := c.StartTransaction(context.Background(), Binding{ID: "b1", Server: srv.URL}, "PULSA_10", "a@b.com", 10000)
	require.NoError(t, err)
	assert.Equal(t, "TRX1", res.TrxID)
	assert.True(t, res.OTPRequired)
}

func TestCheckStatusRetriesOnTransportError(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			// Simulate a transport failure by closing the connection early.
			// (resty surfaces non-2xx as IsError, not a transport error; this path
			// exercises retry plumbing via a connection reset instead of a 5xx.)
			hj, ok := w.(http.Hijacker)
			if ok {
				conn, _, _ := hj.Hijack()
				conn.Close()
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"is_success":2,"voucher_code":"ABCD-1234"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	res, err := c.CheckStatus(context.Background(), Binding{ID: "b1", Server: srv.URL}, "TRX1")
	require.NoError(t, err)
	assert.Equal(t, IsSuccessSettled, res.IsSuccess)
	assert.Equal(t, "ABCD-1234", res.VoucherCode)
}

func TestGetBalanceApplicationErrorIsNotRetried(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"unknown binding"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	_, err := c.GetBalance(context.Background(), Binding{ID: "nope", Server: srv.URL})
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "application-level errors must not trigger a transport retry")
}

func TestDedupeKeyIsStablePerPair(t *testing.T) {
	k1 := DedupeKey("b1", "trx1")
	k2 := DedupeKey("b1", "trx1")
	k3 := DedupeKey("b1", "trx2")
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}
