// Copyright © 2024 Kaleido, Inc.
//
// SPDX-License-Identifier: Apache-2.0

// Package persistence is the GORM-backed Persistence port the Transaction
// Engine writes TransactionRecords through. Both operations are idempotent
// on (binding_id, trx_id), following the teacher's transaction_receipts
// upsert idiom (Clauses(clause.OnConflict{...})) in persisted_receipt.go.
package persistence

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kaleido-io/voucherd/internal/engine"
)

// transactionRecordRow is the GORM row backing engine.Record.
type transactionRecordRow struct {
	ID           string `gorm:"column:id;primaryKey"`
	BindingID    string `gorm:"column:binding_id;uniqueIndex:idx_transaction_records_binding_trx"`
	TrxID        string `gorm:"column:trx_id;uniqueIndex:idx_transaction_records_binding_trx"`
	Status       string `gorm:"column:status"`
	BalanceStart int64  `gorm:"column:balance_start"`
	BalanceEnd   int64  `gorm:"column:balance_end"`
	VoucherCode  string `gorm:"column:voucher_code"`
	ErrorMessage string `gorm:"column:error_message"`
	OTPRequired  bool   `gorm:"column:otp_required"`
	OTPStatus    string `gorm:"column:otp_status"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

func (transactionRecordRow) TableName() string { return "transaction_records" }

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates/updates the transaction_records table. Production
// deployments apply the golang-migrate SQL migrations instead; this exists
// for tests and for sqlite-backed single-node deployments that opt out of
// the migration runner.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&transactionRecordRow{})
}

func toRow(rec engine.Record) transactionRecordRow {
	return transactionRecordRow{
		ID:           rec.ID,
		BindingID:    rec.BindingID,
		TrxID:        rec.TrxID,
		Status:       string(rec.Status),
		BalanceStart: rec.BalanceStart,
		BalanceEnd:   rec.BalanceEnd,
		VoucherCode:  rec.VoucherCode,
		ErrorMessage: rec.ErrorMessage,
		OTPRequired:  rec.OTPRequired,
		OTPStatus:    string(rec.OTPStatus),
		UpdatedAt:    time.Now(),
	}
}

// UpsertTransaction writes the initial PROCESSING record for a (binding,trx)
// pair. Conflicts on (binding_id, trx_id) are treated as a no-op: the first
// writer's initial record stands until UpsertSnapshot supersedes it.
func (s *Store) UpsertTransaction(ctx context.Context, rec engine.Record) error {
	row := toRow(rec)
	return s.db.WithContext(ctx).Table("transaction_records").Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "binding_id"}, {Name: "trx_id"}},
		DoNothing: true,
	}).Create(&row).Error
}

// UpsertSnapshot writes the final outcome for a (binding,trx) pair,
// overwriting the in-flight record with the terminal status, voucher and
// balances - idempotent if a retried cycle replays the same outcome.
func (s *Store) UpsertSnapshot(ctx context.Context, rec engine.Record) error {
	row := toRow(rec)
	return s.db.WithContext(ctx).Table("transaction_records").Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "binding_id"}, {Name: "trx_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "balance_end", "voucher_code", "error_message", "otp_required", "otp_status", "updated_at",
		}),
	}).Create(&row).Error
}
