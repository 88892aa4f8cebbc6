// Copyright © 2024 Kaleido, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetStateCASRejectsWrongOwner(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()

	ok, err := r.SetState(ctx, "b1", "owner-a", StateRunning, "")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.SetState(ctx, "b1", "owner-b", StatePaused, "stolen")
	require.NoError(t, err)
	assert.False(t, ok, "a non-owning caller must not be able to mutate WorkerState")

	ws, err := r.GetState(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, ws.State)
}

func TestSetStateStoppedClearsOwner(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()

	_, err := r.SetState(ctx, "b1", "owner-a", StateRunning, "")
	require.NoError(t, err)

	ok, err := r.SetState(ctx, "b1", "owner-a", StateStopped, "requested")
	require.NoError(t, err)
	assert.True(t, ok)

	ws, err := r.GetState(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, ws.State)
	assert.Empty(t, ws.Owner)
}

func TestAcquireLockSingleHolder(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()

	ok, err := r.AcquireLock(ctx, "b1", "owner-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.AcquireLock(ctx, "b1", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "only one owner may hold the lock at a time")

	// The current holder may re-acquire (idempotent refresh-as-acquire).
	ok, err = r.AcquireLock(ctx, "b1", "owner-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAcquireLockAfterExpiry(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()

	ok, err := r.AcquireLock(ctx, "b1", "owner-a", 1*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(5 * time.Millisecond)

	ok, err = r.AcquireLock(ctx, "b1", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "an expired lease must be takeable by a new owner")
}

func TestRefreshAndReleaseLockRequireOwnership(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()

	_, err := r.AcquireLock(ctx, "b1", "owner-a", time.Minute)
	require.NoError(t, err)

	ok, err := r.RefreshLock(ctx, "b1", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.ReleaseLock(ctx, "b1", "owner-b")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.ReleaseLock(ctx, "b1", "owner-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.AcquireLock(ctx, "b1", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCommandQueueIsFIFOPerBinding(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()

	require.NoError(t, r.EnqueueCommand(ctx, Command{BindingID: "b1", Kind: CommandStart}))
	require.NoError(t, r.EnqueueCommand(ctx, Command{BindingID: "b1", Kind: CommandPause}))
	require.NoError(t, r.EnqueueCommand(ctx, Command{BindingID: "b2", Kind: CommandStart}))
	require.NoError(t, r.EnqueueCommand(ctx, Command{BindingID: "b1", Kind: CommandResume}))

	cmds, err := r.DrainCommands(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, cmds, 3)
	assert.Equal(t, CommandStart, cmds[0].Kind)
	assert.Equal(t, CommandPause, cmds[1].Kind)
	assert.Equal(t, CommandResume, cmds[2].Kind)
	assert.True(t, cmds[0].Seq < cmds[1].Seq)
	assert.True(t, cmds[1].Seq < cmds[2].Seq)

	// Draining is destructive: a second drain sees nothing new.
	empty, err := r.DrainCommands(ctx, "b1")
	require.NoError(t, err)
	assert.Empty(t, empty)

	other, err := r.DrainCommands(ctx, "b2")
	require.NoError(t, err)
	require.Len(t, other, 1)
}

func TestSnapshotAllMarksStaleHeartbeats(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()

	_, err := r.SetState(ctx, "b1", "owner-a", StateRunning, "")
	require.NoError(t, err)
	require.NoError(t, r.Heartbeat(ctx, "b1", "owner-a", 1, "evaluated"))

	snaps, err := r.SnapshotAll(ctx, time.Now().Add(10*time.Second), 2*time.Second)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.True(t, snaps[0].Stale, "a running worker with no recent heartbeat must be reported stale")
}

func TestConfigRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()

	_, ok, err := r.GetConfig(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, ok)

	cfg := WorkerConfig{IntervalMS: 5000, MaxRetryStatus: 3, ProductID: "PULSA_10", Email: "a@b.com", LimitHarga: 11000}
	require.NoError(t, r.SetConfig(ctx, "b1", cfg))

	got, ok, err := r.GetConfig(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, cfg, got)
}
