// Copyright © 2024 Kaleido, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"time"

	"github.com/serialx/hashring"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kaleido-io/voucherd/internal/log"
)

// gormRegistry is the durable, multi-replica-safe implementation of Registry.
// Its CAS/lock semantics follow the teacher's statemgr.GetState/PersistState
// query style (ss.p.DB().Table(...).Where(...).Find(...)) and its upsert
// semantics follow the teacher's publicCompletion upsert
// (Clauses(clause.OnConflict{...})).
type gormRegistry struct {
	db *gorm.DB
}

// workerStateRow, lockRow, heartbeatRow and commandRow are the wrk:state,
// wrk:lock, wrk:hb and wrk:cmd registry keys of spec.md §6, represented as
// GORM rows instead of semantic KV paths.
type workerStateRow struct {
	BindingID string `gorm:"column:binding_id;primaryKey"`
	State     string `gorm:"column:state"`
	Reason    string `gorm:"column:reason"`
	Owner     string `gorm:"column:owner"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (workerStateRow) TableName() string { return "worker_states" }

type workerConfigRow struct {
	BindingID         string `gorm:"column:binding_id;primaryKey"`
	IntervalMS        int    `gorm:"column:interval_ms"`
	MaxRetryStatus    int    `gorm:"column:max_retry_status"`
	CooldownOnErrorMS int    `gorm:"column:cooldown_on_error_ms"`
	ProductID         string `gorm:"column:product_id"`
	Email             string `gorm:"column:email"`
	LimitHarga        int64  `gorm:"column:limit_harga"`
}

func (workerConfigRow) TableName() string { return "worker_configs" }

type lockRow struct {
	BindingID string    `gorm:"column:binding_id;primaryKey"`
	Owner     string    `gorm:"column:owner"`
	ExpiresAt time.Time `gorm:"column:expires_at"`
}

func (lockRow) TableName() string { return "worker_locks" }

type heartbeatRow struct {
	BindingID  string    `gorm:"column:binding_id;primaryKey"`
	Owner      string    `gorm:"column:owner"`
	Cycle      int64     `gorm:"column:cycle"`
	LastAction string    `gorm:"column:last_action"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
}

func (heartbeatRow) TableName() string { return "worker_heartbeats" }

type commandRow struct {
	ID        uint   `gorm:"column:id;primaryKey;autoIncrement"`
	BindingID string `gorm:"column:binding_id;index"`
	Kind      string `gorm:"column:kind"`
	Reason    string `gorm:"column:reason"`
	ConfigJSON string `gorm:"column:config_json"`
	Seq       int64  `gorm:"column:seq"`
}

func (commandRow) TableName() string { return "worker_commands" }

func NewGormRegistry(db *gorm.DB) Registry {
	return &gormRegistry{db: db}
}

func (r *gormRegistry) GetState(ctx context.Context, id BindingID) (WorkerState, error) {
	var row workerStateRow
	err := r.db.WithContext(ctx).Table("worker_states").Where("binding_id = ?", string(id)).Limit(1).Find(&row).Error
	if err != nil {
		return WorkerState{}, err
	}
	if row.BindingID == "" {
		return WorkerState{BindingID: id, State: StateIdle}, nil
	}
	return WorkerState{BindingID: id, State: State(row.State), Reason: row.Reason, Owner: row.Owner, UpdatedAt: row.UpdatedAt}, nil
}

// SetState is a compare-and-set guarded by ownership, mirroring the teacher's
// pattern of a targeted UPDATE ... WHERE clause instead of SELECT-then-UPDATE.
func (r *gormRegistry) SetState(ctx context.Context, id BindingID, expectedOwner string, newState State, reason string) (bool, error) {
	now := time.Now()
	row := workerStateRow{BindingID: string(id), State: string(newState), Reason: reason, Owner: expectedOwner, UpdatedAt: now}
	if newState == StateStopped || newState == StateIdle {
		row.Owner = ""
	}

	tx := r.db.WithContext(ctx).Table("worker_states").Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "binding_id"}},
		DoNothing: true,
	}).Create(&workerStateRow{BindingID: string(id), State: string(StateIdle), UpdatedAt: now})
	if tx.Error != nil {
		return false, tx.Error
	}

	q := r.db.WithContext(ctx).Table("worker_states").Where("binding_id = ?", string(id))
	if expectedOwner != "" {
		q = q.Where("owner = ? OR owner = ''", expectedOwner)
	}
	res := q.Updates(map[string]interface{}{
		"state":      row.State,
		"reason":     row.Reason,
		"owner":      row.Owner,
		"updated_at": row.UpdatedAt,
	})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		log.L(ctx).Debugf("SetState CAS miss for binding %s (expected owner %s)", id, expectedOwner)
		return false, nil
	}
	return true, nil
}

func (r *gormRegistry) AcquireLock(ctx context.Context, id BindingID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	expires := now.Add(ttl)

	// Try the fast path: insert if absent.
	res := r.db.WithContext(ctx).Table("worker_locks").Clauses(clause.OnConflict{
		DoNothing: true,
	}).Create(&lockRow{BindingID: string(id), Owner: owner, ExpiresAt: expires})
	if res.Error == nil && res.RowsAffected > 0 {
		return true, nil
	}

	// Row already existed: only take over if it is expired or already ours.
	upd := r.db.WithContext(ctx).Table("worker_locks").
		Where("binding_id = ?", string(id)).
		Where("expires_at < ? OR owner = ?", now, owner).
		Updates(map[string]interface{}{"owner": owner, "expires_at": expires})
	if upd.Error != nil {
		return false, upd.Error
	}
	return upd.RowsAffected > 0, nil
}

func (r *gormRegistry) RefreshLock(ctx context.Context, id BindingID, owner string, ttl time.Duration) (bool, error) {
	res := r.db.WithContext(ctx).Table("worker_locks").
		Where("binding_id = ?", string(id)).
		Where("owner = ?", owner).
		Update("expires_at", time.Now().Add(ttl))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *gormRegistry) ReleaseLock(ctx context.Context, id BindingID, owner string) (bool, error) {
	res := r.db.WithContext(ctx).Table("worker_locks").
		Where("binding_id = ?", string(id)).
		Where("owner = ?", owner).
		Delete(&lockRow{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *gormRegistry) Heartbeat(ctx context.Context, id BindingID, owner string, cycle int64, lastAction string) error {
	row := heartbeatRow{BindingID: string(id), Owner: owner, Cycle: cycle, LastAction: lastAction, UpdatedAt: time.Now()}
	return r.db.WithContext(ctx).Table("worker_heartbeats").Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "binding_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"owner", "cycle", "last_action", "updated_at"}),
		Where:     clause.Where{Exprs: []clause.Expression{clause.Eq{Column: "worker_heartbeats.owner", Value: owner}}},
	}).Create(&row).Error
}

func (r *gormRegistry) EnqueueCommand(ctx context.Context, cmd Command) error {
	var cfgJSON string
	if cmd.Config != nil {
		cfgJSON = encodeConfig(*cmd.Config)
	}
	var maxSeq int64
	r.db.WithContext(ctx).Table("worker_commands").
		Where("binding_id = ?", string(cmd.BindingID)).
		Select("COALESCE(MAX(seq), 0)").Scan(&maxSeq)
	return r.db.WithContext(ctx).Table("worker_commands").Create(&commandRow{
		BindingID:  string(cmd.BindingID),
		Kind:       string(cmd.Kind),
		Reason:     cmd.Reason,
		ConfigJSON: cfgJSON,
		Seq:        maxSeq + 1,
	}).Error
}

func (r *gormRegistry) DrainCommands(ctx context.Context, id BindingID) ([]Command, error) {
	var rows []commandRow
	if err := r.db.WithContext(ctx).Table("worker_commands").
		Where("binding_id = ?", string(id)).Order("seq asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	out := make([]Command, 0, len(rows))
	ids := make([]uint, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
		cmd := Command{BindingID: id, Kind: CommandKind(row.Kind), Reason: row.Reason, Seq: row.Seq}
		if row.ConfigJSON != "" {
			cfg := decodeConfig(row.ConfigJSON)
			cmd.Config = &cfg
		}
		out = append(out, cmd)
	}
	if err := r.db.WithContext(ctx).Table("worker_commands").Where("id IN ?", ids).Delete(&commandRow{}).Error; err != nil {
		return out, err
	}
	return out, nil
}

func (r *gormRegistry) GetConfig(ctx context.Context, id BindingID) (WorkerConfig, bool, error) {
	var row workerConfigRow
	err := r.db.WithContext(ctx).Table("worker_configs").Where("binding_id = ?", string(id)).Limit(1).Find(&row).Error
	if err != nil {
		return WorkerConfig{}, false, err
	}
	if row.BindingID == "" {
		return WorkerConfig{}, false, nil
	}
	return WorkerConfig{
		IntervalMS:        row.IntervalMS,
		MaxRetryStatus:    row.MaxRetryStatus,
		CooldownOnErrorMS: row.CooldownOnErrorMS,
		ProductID:         row.ProductID,
		Email:             row.Email,
		LimitHarga:        row.LimitHarga,
	}, true, nil
}

func (r *gormRegistry) SetConfig(ctx context.Context, id BindingID, cfg WorkerConfig) error {
	row := workerConfigRow{
		BindingID:         string(id),
		IntervalMS:        cfg.IntervalMS,
		MaxRetryStatus:    cfg.MaxRetryStatus,
		CooldownOnErrorMS: cfg.CooldownOnErrorMS,
		ProductID:         cfg.ProductID,
		Email:             cfg.Email,
		LimitHarga:        cfg.LimitHarga,
	}
	return r.db.WithContext(ctx).Table("worker_configs").Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "binding_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"interval_ms", "max_retry_status", "cooldown_on_error_ms", "product_id", "email", "limit_harga"}),
	}).Create(&row).Error
}

func (r *gormRegistry) SnapshotAll(ctx context.Context, now time.Time, staleAfter time.Duration) ([]Snapshot, error) {
	var states []workerStateRow
	if err := r.db.WithContext(ctx).Table("worker_states").Find(&states).Error; err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(states))
	for _, ws := range states {
		var lk lockRow
		r.db.WithContext(ctx).Table("worker_locks").Where("binding_id = ?", ws.BindingID).Limit(1).Find(&lk)
		var hb heartbeatRow
		r.db.WithContext(ctx).Table("worker_heartbeats").Where("binding_id = ?", ws.BindingID).Limit(1).Find(&hb)
		age := now.Sub(hb.UpdatedAt)
		out = append(out, Snapshot{
			BindingID:       BindingID(ws.BindingID),
			State:           State(ws.State),
			Reason:          ws.Reason,
			LockOwner:       lk.Owner,
			HeartbeatCycle:  hb.Cycle,
			HeartbeatAction: hb.LastAction,
			HeartbeatAgeMS:  age.Milliseconds(),
			Stale:           State(ws.State) == StateRunning && age > staleAfter,
		})
	}
	return out, nil
}

func (r *gormRegistry) PreferredReplica(id BindingID, replicas []string) string {
	if len(replicas) == 0 {
		return ""
	}
	node, ok := hashring.New(replicas).GetNode(string(id))
	if !ok {
		return replicas[0]
	}
	return node
}
