// Copyright © 2024 Kaleido, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/kaleido-io/voucherd/internal/engine"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	gdb, err := gorm.Open(postgres.New(postgres.Config{
		Conn:       db,
		DriverName: "postgres",
	}), &gorm.Config{})
	require.NoError(t, err)

	return NewStore(gdb), mock, func() { db.Close() }
}

func TestUpsertTransactionInsertsOnConflictDoNothing(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO \"transaction_records\"").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := store.UpsertTransaction(context.Background(), engine.Record{
		ID: "r1", BindingID: "b1", TrxID: "TRX1", Status: "PROCESSING", BalanceStart: 5000,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSnapshotUpdatesOnConflict(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO \"transaction_records\"").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := store.UpsertSnapshot(context.Background(), engine.Record{
		ID: "r1", BindingID: "b1", TrxID: "TRX1", Status: "SUKSES", BalanceStart: 5000, BalanceEnd: 4000, VoucherCode: "V1",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
