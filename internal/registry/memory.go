// Copyright © 2024 Kaleido, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"sync"
	"time"

	"github.com/serialx/hashring"
)

// memoryRegistry is a single-process implementation of Registry, guarded by
// one mutex the way the teacher's Orchestrator guards incompleteTxSProcessMap.
// It satisfies every Registry invariant for a single replica and is used in
// unit tests and single-replica deployments.
type memoryRegistry struct {
	mu        sync.Mutex
	states    map[BindingID]WorkerState
	configs   map[BindingID]WorkerConfig
	locks     map[BindingID]Lock
	heartbeats map[BindingID]Heartbeat
	commands  map[BindingID][]Command
	seqs      map[BindingID]int64
	ring      *hashring.HashRing
}

func NewMemoryRegistry() Registry {
	return &memoryRegistry{
		states:     make(map[BindingID]WorkerState),
		configs:    make(map[BindingID]WorkerConfig),
		locks:      make(map[BindingID]Lock),
		heartbeats: make(map[BindingID]Heartbeat),
		commands:   make(map[BindingID][]Command),
		seqs:       make(map[BindingID]int64),
	}
}

func (r *memoryRegistry) GetState(ctx context.Context, id BindingID) (WorkerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ws, ok := r.states[id]
	if !ok {
		return WorkerState{BindingID: id, State: StateIdle}, nil
	}
	return ws, nil
}

func (r *memoryRegistry) SetState(ctx context.Context, id BindingID, expectedOwner string, newState State, reason string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.states[id]
	if !ok {
		cur = WorkerState{BindingID: id, State: StateIdle}
	}
	// Control-plane writes (expectedOwner=="") always apply. A write with a
	// non-empty expectedOwner applies only if no owner is recorded on the state
	// yet or the recorded owner matches it.
	if expectedOwner != "" && cur.Owner != "" && cur.Owner != expectedOwner {
		return false, nil
	}
	cur.State = newState
	cur.Reason = reason
	if expectedOwner != "" {
		cur.Owner = expectedOwner
	}
	if newState == StateStopped || newState == StateIdle {
		cur.Owner = ""
	}
	cur.UpdatedAt = time.Now()
	r.states[id] = cur
	return true, nil
}

func (r *memoryRegistry) AcquireLock(ctx context.Context, id BindingID, owner string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	existing, held := r.locks[id]
	if held && existing.ExpiresAt.After(now) && existing.Owner != owner {
		return false, nil
	}
	r.locks[id] = Lock{BindingID: id, Owner: owner, ExpiresAt: now.Add(ttl)}
	return true, nil
}

func (r *memoryRegistry) RefreshLock(ctx context.Context, id BindingID, owner string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, held := r.locks[id]
	if !held || existing.Owner != owner {
		return false, nil
	}
	existing.ExpiresAt = time.Now().Add(ttl)
	r.locks[id] = existing
	return true, nil
}

func (r *memoryRegistry) ReleaseLock(ctx context.Context, id BindingID, owner string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, held := r.locks[id]
	if !held || existing.Owner != owner {
		return false, nil
	}
	delete(r.locks, id)
	return true, nil
}

func (r *memoryRegistry) Heartbeat(ctx context.Context, id BindingID, owner string, cycle int64, lastAction string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.heartbeats[id]
	if ok && existing.Owner != owner {
		return nil // best-effort: silently rejected on owner mismatch per spec.md §4.1
	}
	r.heartbeats[id] = Heartbeat{BindingID: id, Owner: owner, Cycle: cycle, LastAction: lastAction, UpdatedAt: time.Now()}
	return nil
}

func (r *memoryRegistry) EnqueueCommand(ctx context.Context, cmd Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seqs[cmd.BindingID]++
	cmd.Seq = r.seqs[cmd.BindingID]
	r.commands[cmd.BindingID] = append(r.commands[cmd.BindingID], cmd)
	return nil
}

func (r *memoryRegistry) DrainCommands(ctx context.Context, id BindingID) ([]Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmds := r.commands[id]
	delete(r.commands, id)
	return cmds, nil
}

func (r *memoryRegistry) GetConfig(ctx context.Context, id BindingID) (WorkerConfig, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[id]
	return cfg, ok, nil
}

func (r *memoryRegistry) SetConfig(ctx context.Context, id BindingID, cfg WorkerConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[id] = cfg
	return nil
}

func (r *memoryRegistry) SnapshotAll(ctx context.Context, now time.Time, staleAfter time.Duration) ([]Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.states))
	for id, ws := range r.states {
		hb := r.heartbeats[id]
		lk := r.locks[id]
		age := now.Sub(hb.UpdatedAt)
		out = append(out, Snapshot{
			BindingID:       id,
			State:           ws.State,
			Reason:          ws.Reason,
			LockOwner:       lk.Owner,
			HeartbeatCycle:  hb.Cycle,
			HeartbeatAction: hb.LastAction,
			HeartbeatAgeMS:  age.Milliseconds(),
			Stale:           ws.State == StateRunning && age > staleAfter,
		})
	}
	return out, nil
}

func (r *memoryRegistry) PreferredReplica(id BindingID, replicas []string) string {
	if len(replicas) == 0 {
		return ""
	}
	r.mu.Lock()
	ring := r.ring
	r.mu.Unlock()
	if ring == nil {
		ring = hashring.New(replicas)
	}
	node, ok := ring.GetNode(string(id))
	if !ok {
		return replicas[0]
	}
	return node
}
