// Copyright © 2024 Kaleido, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaleido-io/voucherd/internal/engine"
	"github.com/kaleido-io/voucherd/internal/otp"
	"github.com/kaleido-io/voucherd/internal/provider"
	"github.com/kaleido-io/voucherd/internal/registry"
)

type noopPersistence struct{}

func (noopPersistence) UpsertTransaction(ctx context.Context, rec engine.Record) error { return nil }
func (noopPersistence) UpsertSnapshot(ctx context.Context, rec engine.Record) error     { return nil }

func fastSuksesServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
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
}

func setupWorker(t *testing.T, reg registry.Registry, srv *httptest.Server) *Worker {
	t.Helper()
	p := provider.NewClient(provider.Config{BaseURL: srv.URL})
	eng := engine.New(p, noopPersistence{}, otp.NewMailboxes())
	owner := NewOwner("testhost", 1)
	ctx := context.Background()
	_, err := reg.AcquireLock(ctx, "b1", owner.String(), time.Minute)
	require.NoError(t, err)
	require.NoError(t, reg.SetConfig(ctx, "b1", registry.WorkerConfig{
		IntervalMS: 5, MaxRetryStatus: 1, CooldownOnErrorMS: 5, ProductID: "P", Email: "a@b.com", LimitHarga: 1000,
	}))
	_, err = reg.SetState(ctx, "b1", owner.String(), registry.StateRunning, "")
	require.NoError(t, err)

	return New(reg, eng, Params{
		BindingID:  "b1",
		Binding:    provider.Binding{ID: "b1", Server: srv.URL},
		Owner:      owner,
		LockTTL:    time.Minute,
		PollPaused: 5 * time.Millisecond,
	})
}

func TestWorkerRunsUntilStopped(t *testing.T) {
	srv := fastSuksesServer(t)
	defer srv.Close()

	reg := registry.NewMemoryRegistry()
	w := setupWorker(t, reg, srv)

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	_, err := reg.SetState(context.Background(), "b1", "", registry.StateStopped, "requested")
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after stop")
	}

	ws, err := reg.GetState(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, registry.StateStopped, ws.State)
}

func TestWorkerPauseThenResume(t *testing.T) {
	srv := fastSuksesServer(t)
	defer srv.Close()

	reg := registry.NewMemoryRegistry()
	w := setupWorker(t, reg, srv)

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	_, err := reg.SetState(context.Background(), "b1", "", registry.StatePaused, "operator request")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	_, err = reg.SetState(context.Background(), "b1", "", registry.StateRunning, "")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	_, err = reg.SetState(context.Background(), "b1", "", registry.StateStopped, "done")
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after stop")
	}
}

func TestWorkerExitsWhenLockLost(t *testing.T) {
	srv := fastSuksesServer(t)
	defer srv.Close()

	reg := registry.NewMemoryRegistry()
	w := setupWorker(t, reg, srv)

	// Simulate another process stealing the lock once this one's lease lapses.
	_, err := reg.ReleaseLock(context.Background(), "b1", w.params.Owner.String())
	require.NoError(t, err)
	_, err = reg.AcquireLock(context.Background(), "b1", "someone-else", time.Minute)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after losing its lock")
	}
}
