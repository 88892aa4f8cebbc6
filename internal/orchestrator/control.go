// Copyright © 2024 Kaleido, Inc.
//
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator is the Control Plane: the four idempotent
// start/pause/resume/stop operations and the monitor() aggregate view.
// Worker ownership contention is grounded on the teacher's
// InFlightOrchestrators map guarded by InFlightOrchestratorMux, generalized
// from "one in-flight orchestrator per signing address, capped at
// maxInFlightOrchestrators" to "one worker goroutine per binding owned by
// this process, with no process-wide cap" - the single-holder lock is what
// bounds ownership, not a local counter.
package orchestrator

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/kaleido-io/voucherd/internal/engine"
	"github.com/kaleido-io/voucherd/internal/log"
	"github.com/kaleido-io/voucherd/internal/otp"
	"github.com/kaleido-io/voucherd/internal/persistence"
	"github.com/kaleido-io/voucherd/internal/provider"
	"github.com/kaleido-io/voucherd/internal/registry"
	"github.com/kaleido-io/voucherd/internal/worker"
)

// ItemResult is the per-binding outcome of a start/pause/resume/stop call.
type ItemResult struct {
	BindingID string `json:"binding_id"`
	OK        bool   `json:"ok"`
	Message   string `json:"message,omitempty"`
}

// StartSpec carries the per-binding transaction parameters a start request
// supplies, mirroring §6's POST /v1/orchestration/start body.
type StartSpec struct {
	ProductID         string
	Email             string
	LimitHarga        int64
	IntervalMS        int
	MaxRetryStatus    int
	CooldownOnErrorMS int
}

// Deps are the collaborators the Control Plane is built against. Registry is
// an interface; Persistence and Provider are the concrete store and client,
// which tests point at an in-memory database and an httptest upstream.
type Deps struct {
	Registry    registry.Registry
	Persistence *persistence.Store
	Provider    *provider.Client
	Mailboxes   *otp.Mailboxes
	LockTTL     time.Duration
	PollPaused  time.Duration
	OTPTimeout  time.Duration
}

// ownedWorker tracks one worker goroutine this process has spawned, so that a
// binding is never given a second local worker and Drain can wait for it to
// exit. Pause and Stop do not use it: they only write the Registry, and the
// worker observes the change on its next state read.
type ownedWorker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type Control struct {
	deps  Deps
	mu    sync.Mutex
	owned map[registry.BindingID]*ownedWorker
	host  string
	pid   int
}

func New(deps Deps) *Control {
	host, _ := os.Hostname()
	return &Control{
		deps:  deps,
		owned: make(map[registry.BindingID]*ownedWorker),
		host:  host,
		pid:   os.Getpid(),
	}
}

// Start is idempotent: for each binding whose state is idle/stopped/paused it
// writes running with new config and spawns a worker if this process does not
// already own one. Ownership is contested via AcquireLock; losers simply do
// not spawn.
func (c *Control) Start(ctx context.Context, server string, ids []registry.BindingID, spec StartSpec) []ItemResult {
	results := make([]ItemResult, 0, len(ids))
	for _, id := range ids {
		results = append(results, c.startOne(ctx, server, id, spec))
	}
	return results
}

func (c *Control) startOne(ctx context.Context, server string, id registry.BindingID, spec StartSpec) ItemResult {
	ws, err := c.deps.Registry.GetState(ctx, id)
	if err != nil {
		return ItemResult{BindingID: string(id), OK: false, Message: err.Error()}
	}

	cfg := registry.WorkerConfig{
		IntervalMS:        spec.IntervalMS,
		MaxRetryStatus:    spec.MaxRetryStatus,
		CooldownOnErrorMS: spec.CooldownOnErrorMS,
		ProductID:         spec.ProductID,
		Email:             spec.Email,
		LimitHarga:        spec.LimitHarga,
	}

	if ws.State == registry.StateRunning {
		// Already running: re-issuing start must still land the later cfg, since
		// the worker re-reads its config from the Registry every iteration. No
		// new lock contention or spawn is needed - the owning worker picks this
		// up on its next cycle.
		if err := c.deps.Registry.SetConfig(ctx, id, cfg); err != nil {
			return ItemResult{BindingID: string(id), OK: false, Message: err.Error()}
		}
		return ItemResult{BindingID: string(id), OK: true, Message: "already running, config updated"}
	}

	owner := worker.NewOwner(c.host, c.pid)
	acquired, err := c.deps.Registry.AcquireLock(ctx, id, owner.String(), c.deps.LockTTL)
	if err != nil {
		return ItemResult{BindingID: string(id), OK: false, Message: err.Error()}
	}
	if !acquired {
		return ItemResult{BindingID: string(id), OK: false, Message: "lock held by another owner"}
	}

	if err := c.deps.Registry.SetConfig(ctx, id, cfg); err != nil {
		return ItemResult{BindingID: string(id), OK: false, Message: err.Error()}
	}
	if _, err := c.deps.Registry.SetState(ctx, id, owner.String(), registry.StateRunning, ""); err != nil {
		return ItemResult{BindingID: string(id), OK: false, Message: err.Error()}
	}

	c.spawn(id, server, owner, cfg)
	return ItemResult{BindingID: string(id), OK: true}
}

func (c *Control) spawn(id registry.BindingID, server string, owner worker.Owner, cfg registry.WorkerConfig) {
	c.mu.Lock()
	if _, already := c.owned[id]; already {
		c.mu.Unlock()
		return
	}
	wctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.owned[id] = &ownedWorker{cancel: cancel, done: done}
	c.mu.Unlock()

	eng := engine.New(c.deps.Provider, c.deps.Persistence, c.deps.Mailboxes)
	w := worker.New(c.deps.Registry, eng, worker.Params{
		BindingID:  id,
		Binding:    provider.Binding{ID: string(id), Server: server},
		Owner:      owner,
		LockTTL:    c.deps.LockTTL,
		PollPaused: c.deps.PollPaused,
		OTPTimeout: c.deps.OTPTimeout,
	})

	go func() {
		defer close(done)
		w.Run(wctx)
		c.mu.Lock()
		delete(c.owned, id)
		c.mu.Unlock()
	}()
}

// Pause writes paused for each binding whose current state is running;
// no-op on others.
func (c *Control) Pause(ctx context.Context, ids []registry.BindingID, reason string) []ItemResult {
	return c.transition(ctx, ids, registry.StateRunning, registry.StatePaused, reason)
}

// Resume writes running for each binding whose current state is paused.
func (c *Control) Resume(ctx context.Context, ids []registry.BindingID) []ItemResult {
	return c.transition(ctx, ids, registry.StatePaused, registry.StateRunning, "")
}

// Stop writes stopped unconditionally; workers honor it at the next
// iteration boundary and never retroactively against an in-flight call.
func (c *Control) Stop(ctx context.Context, ids []registry.BindingID, reason string) []ItemResult {
	results := make([]ItemResult, 0, len(ids))
	for _, id := range ids {
		_, err := c.deps.Registry.SetState(ctx, id, "", registry.StateStopped, reason)
		if err != nil {
			results = append(results, ItemResult{BindingID: string(id), OK: false, Message: err.Error()})
			continue
		}
		results = append(results, ItemResult{BindingID: string(id), OK: true})
	}
	return results
}

func (c *Control) transition(ctx context.Context, ids []registry.BindingID, from, to registry.State, reason string) []ItemResult {
	results := make([]ItemResult, 0, len(ids))
	for _, id := range ids {
		ws, err := c.deps.Registry.GetState(ctx, id)
		if err != nil {
			results = append(results, ItemResult{BindingID: string(id), OK: false, Message: err.Error()})
			continue
		}
		if ws.State != from {
			results = append(results, ItemResult{BindingID: string(id), OK: true, Message: "no-op: state is " + string(ws.State)})
			continue
		}
		if _, err := c.deps.Registry.SetState(ctx, id, "", to, reason); err != nil {
			results = append(results, ItemResult{BindingID: string(id), OK: false, Message: err.Error()})
			continue
		}
		results = append(results, ItemResult{BindingID: string(id), OK: true})
	}
	return results
}

// Status reports the current WorkerState for each requested binding.
func (c *Control) Status(ctx context.Context, ids []registry.BindingID) []registry.WorkerState {
	out := make([]registry.WorkerState, 0, len(ids))
	for _, id := range ids {
		ws, err := c.deps.Registry.GetState(ctx, id)
		if err != nil {
			log.L(ctx).Warnf("failed reading status for binding %s: %s", id, err)
			continue
		}
		out = append(out, ws)
	}
	return out
}

// MonitorResult is the aggregate view §4.5 requires.
type MonitorResult struct {
	TotalWorkers  int
	ActiveWorkers int
	Items         []registry.Snapshot
}

func (c *Control) Monitor(ctx context.Context, staleAfter time.Duration) (MonitorResult, error) {
	snaps, err := c.deps.Registry.SnapshotAll(ctx, time.Now(), staleAfter)
	if err != nil {
		return MonitorResult{}, err
	}
	active := 0
	for _, s := range snaps {
		if s.State == registry.StateRunning && s.LockOwner != "" {
			active++
		}
	}
	return MonitorResult{TotalWorkers: len(snaps), ActiveWorkers: active, Items: snaps}, nil
}

// Drain writes stopped for every binding this process owns a worker for and
// waits (up to timeout) for those workers to finish their current cycle and
// release their lock - never cancelling mid-flight, per §5. It does not block
// later Start calls; `voucherd serve` shuts its HTTP server down before
// calling Drain on SIGTERM/SIGINT.
func (c *Control) Drain(ctx context.Context, timeout time.Duration) {
	c.mu.Lock()
	owned := make([]*ownedWorker, 0, len(c.owned))
	ids := make([]registry.BindingID, 0, len(c.owned))
	for id, ow := range c.owned {
		owned = append(owned, ow)
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		_, _ = c.deps.Registry.SetState(ctx, id, "", registry.StateStopped, "process_draining")
	}

	deadline := time.After(timeout)
	for _, ow := range owned {
		select {
		case <-ow.done:
		case <-deadline:
			log.L(ctx).Warnf("drain timeout elapsed with %d worker(s) still finishing their cycle", len(owned))
			return
		}
	}
}
