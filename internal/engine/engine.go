// Copyright © 2024 Kaleido, Inc.
//
// SPDX-License-Identifier: Apache-2.0

// Package engine is the Transaction Engine: the per-cycle micro-state-machine
// a Worker invokes once per loop iteration. It is pure with respect to
// control state - it reports a TerminalStatus (and, optionally, a
// StopCondition) to its caller and never mutates WorkerState itself, exactly
// as the teacher's publicTxManager separates "evaluate one transaction" from
// "decide what the orchestrator does about it".
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kaleido-io/voucherd/internal/i18n"
	"github.com/kaleido-io/voucherd/internal/log"
	"github.com/kaleido-io/voucherd/internal/msgs"
	"github.com/kaleido-io/voucherd/internal/otp"
	"github.com/kaleido-io/voucherd/internal/provider"
)

// TerminalStatus is the final classification the Engine reports for one cycle.
type TerminalStatus string

const (
	Sukses  TerminalStatus = "SUKSES"
	Suspect TerminalStatus = "SUSPECT"
	Gagal   TerminalStatus = "GAGAL"
)

// StopCondition, when non-empty, asks the caller to transition WorkerState to
// stopped with this reason - currently only raised by a failed balance precheck.
type StopCondition string

const StopInsufficientBalance StopCondition = "insufficient_balance_before_start"

// OTPStatus mirrors the TransactionRecord enum of the same name.
type OTPStatus string

const (
	OTPNone    OTPStatus = ""
	OTPPending OTPStatus = "PENDING"
	OTPSuccess OTPStatus = "SUCCESS"
	OTPFailed  OTPStatus = "FAILED"
)

// Record is the TransactionRecord the Engine writes through the Persistence
// port - spec.md §3's shape, unchanged.
type Record struct {
	ID           string
	BindingID    string
	Status       TerminalStatus
	BalanceStart int64
	BalanceEnd   int64
	TrxID        string
	VoucherCode  string
	ErrorMessage string
	OTPRequired  bool
	OTPStatus    OTPStatus
}

// Persistence is the narrow outbound port the Engine writes through. Both
// methods must be idempotent on (binding_id, trx_id).
type Persistence interface {
	UpsertTransaction(ctx context.Context, rec Record) error
	UpsertSnapshot(ctx context.Context, rec Record) error
}

// Outcome is what Run reports back to the Worker.
type Outcome struct {
	Status        TerminalStatus
	StopCondition StopCondition
}

// Config is the subset of WorkerConfig the Engine needs per cycle.
type Config struct {
	ProductID         string
	Email             string
	LimitHarga        int64
	MaxRetryStatus    int
	StatusRetryDelay  time.Duration
	OTPTimeout        time.Duration
}

type Engine struct {
	provider    *provider.Client
	persistence Persistence
	mailboxes   *otp.Mailboxes
}

func New(p *provider.Client, persistence Persistence, mailboxes *otp.Mailboxes) *Engine {
	return &Engine{provider: p, persistence: persistence, mailboxes: mailboxes}
}

// Run executes exactly one cycle for binding b. ctx should carry the
// per-cycle deadline the Worker computed (2x worst_expected_cycle_time); Run
// never installs its own deadline on top of it.
func (e *Engine) Run(ctx context.Context, b provider.Binding, cfg Config) (Outcome, error) {
	balanceStart, err := e.provider.GetBalance(ctx, b)
	if err != nil {
		return Outcome{}, i18n.WrapError(ctx, err, msgs.MsgProviderTransportError, "get_balance", b.ID, err)
	}

	if balanceStart < cfg.LimitHarga {
		rec := Record{
			ID:           uuid.NewString(),
			BindingID:    b.ID,
			Status:       Gagal,
			BalanceStart: balanceStart,
			BalanceEnd:   balanceStart,
			ErrorMessage: fmt.Sprintf("insufficient_balance_before_start:%d:%d", balanceStart, cfg.LimitHarga),
		}
		if err := e.persistence.UpsertTransaction(ctx, rec); err != nil {
			log.L(ctx).Errorf("failed to persist precheck failure for binding %s: %s", b.ID, err)
		}
		return Outcome{Status: Gagal, StopCondition: StopInsufficientBalance}, nil
	}

	start, err := e.provider.StartTransaction(ctx, b, cfg.ProductID, cfg.Email, cfg.LimitHarga)
	if err != nil {
		return Outcome{}, i18n.WrapError(ctx, err, msgs.MsgProviderTransportError, "start_transaction", b.ID, err)
	}

	rec := Record{
		ID:           uuid.NewString(),
		BindingID:    b.ID,
		Status:       "PROCESSING", // not one of the three TerminalStatus values; valid only for this in-flight record
		BalanceStart: balanceStart,
		TrxID:        start.TrxID,
		OTPRequired:  start.OTPRequired,
	}
	if err := e.persistence.UpsertTransaction(ctx, rec); err != nil {
		log.L(ctx).Errorf("failed to persist initial record for binding %s trx %s: %s", b.ID, start.TrxID, err)
	}

	status, err := e.provider.CheckStatus(ctx, b, start.TrxID)
	if err != nil {
		return Outcome{}, i18n.WrapError(ctx, err, msgs.MsgProviderTransportError, "check_status", b.ID, err)
	}

	final, otpStatus, voucher, errMsg := e.resolve(ctx, b, start, status, cfg)
	if final == Suspect && errMsg == "" {
		errMsg = "suspect_no_voucher"
	}

	balanceEnd, err := e.provider.GetBalance(ctx, b)
	if err != nil {
		log.L(ctx).Warnf("failed to re-fetch balance after cycle for binding %s: %s", b.ID, err)
		balanceEnd = balanceStart
	}

	snap := Record{
		ID:           rec.ID,
		BindingID:    b.ID,
		Status:       final,
		BalanceStart: balanceStart,
		BalanceEnd:   balanceEnd,
		TrxID:        start.TrxID,
		VoucherCode:  voucher,
		ErrorMessage: errMsg,
		OTPRequired:  start.OTPRequired,
		OTPStatus:    otpStatus,
	}
	if err := e.persistence.UpsertSnapshot(ctx, snap); err != nil {
		log.L(ctx).Errorf("failed to persist final snapshot for binding %s trx %s: %s", b.ID, start.TrxID, err)
	}

	return Outcome{Status: final}, nil
}

// classify applies spec.md §4.3 step 3's literal rule: is_success==2 with a
// voucher is SUKSES, is_success==2 without one is SUSPECT, and a non-settled
// response carrying an explicit error_message is an application-level GAGAL
// (the "non-2 codes" row of spec.md §8's error table). Anything else is still
// in flight and not yet terminal.
func classify(s provider.StatusResult) (TerminalStatus, bool) {
	if s.IsSuccess == provider.IsSuccessSettled {
		if s.VoucherCode != "" {
			return Sukses, true
		}
		return Suspect, true
	}
	if s.ErrorMessage != "" {
		return Gagal, true
	}
	return "", false
}

// resolve runs steps 3-5 of the cycle (initial classification, OTP handling,
// short-retry status loop) and returns the terminal status plus whatever
// otp_status/voucher_code/error_message accompany it.
func (e *Engine) resolve(ctx context.Context, b provider.Binding, start provider.StartResult, status provider.StatusResult, cfg Config) (TerminalStatus, OTPStatus, string, string) {
	if final, done := classify(status); done {
		return final, OTPNone, status.VoucherCode, status.ErrorMessage
	}

	otpStatus := OTPNone
	if start.OTPRequired {
		e.mailboxes.Arm(b.ID)
		defer e.mailboxes.Disarm(b.ID)

		otpCtx := ctx
		if cfg.OTPTimeout > 0 {
			var cancel context.CancelFunc
			otpCtx, cancel = context.WithTimeout(ctx, cfg.OTPTimeout)
			defer cancel()
		}
		code, err := e.mailboxes.Wait(otpCtx, b.ID)
		if err != nil {
			return Gagal, OTPFailed, "", "otp_timeout"
		}
		if _, err := e.provider.SubmitOTP(ctx, b, start.TrxID, code); err != nil {
			return Gagal, OTPFailed, "", fmt.Sprintf("otp_submit_failed:%s", err)
		}
		otpStatus = OTPSuccess

		status, err = e.provider.CheckStatus(ctx, b, start.TrxID)
		if err != nil {
			return Gagal, otpStatus, "", fmt.Sprintf("check_status_after_otp_failed:%s", err)
		}
		if final, done := classify(status); done {
			return final, otpStatus, status.VoucherCode, status.ErrorMessage
		}
	}

	maxRetry := cfg.MaxRetryStatus
	if maxRetry <= 0 {
		maxRetry = 3
	}
	delay := cfg.StatusRetryDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	for i := 0; i < maxRetry; i++ {
		select {
		case <-ctx.Done():
			return Gagal, otpStatus, "", "context_cancelled_during_status_retry"
		case <-time.After(delay):
		}
		s, err := e.provider.CheckStatus(ctx, b, start.TrxID)
		if err != nil {
			log.L(ctx).Debugf("status retry %d/%d transport error for binding %s: %s", i+1, maxRetry, b.ID, err)
			continue
		}
		if final, done := classify(s); done {
			return final, otpStatus, s.VoucherCode, s.ErrorMessage
		}
	}
	return Suspect, otpStatus, "", "suspect_no_voucher"
}
