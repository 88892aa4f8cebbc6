// Copyright © 2024 Kaleido, Inc.
//
// SPDX-License-Identifier: Apache-2.0

// Package worker runs the per-binding cooperative loop: starting, running,
// paused, stopping, exited. Its evaluation loop is grounded on the teacher's
// Orchestrator.evaluationLoop (a select over a ticker, an eval-request channel
// and a stop channel), generalized from "evaluate all in-flight transactions
// for one contract" to "run one Engine cycle for one binding".
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kaleido-io/voucherd/internal/engine"
	"github.com/kaleido-io/voucherd/internal/log"
	"github.com/kaleido-io/voucherd/internal/provider"
	"github.com/kaleido-io/voucherd/internal/registry"
)

// Owner is the (host, pid, nonce) identity the GLOSSARY assigns to a lock
// holder. nonce is a uuid v4, freshly minted per worker goroutine.
type Owner struct {
	Host  string
	PID   int
	Nonce string
}

func (o Owner) String() string {
	return fmt.Sprintf("%s:%d:%s", o.Host, o.PID, o.Nonce)
}

func NewOwner(host string, pid int) Owner {
	return Owner{Host: host, PID: pid, Nonce: uuid.NewString()}
}

// Params are the loop's fixed parameters; WorkerConfig is re-read from the
// Registry at the top of every iteration so control-plane config updates
// take effect without a restart.
type Params struct {
	BindingID  registry.BindingID
	Binding    provider.Binding
	Owner      Owner
	LockTTL    time.Duration
	PollPaused time.Duration
	// OTPTimeout is ORCH_OTP_TIMEOUT_MS, the bounded wait the Engine gives the
	// OTP rendezvous. It also feeds the per-cycle deadline below, since a
	// worst-case cycle always has to leave room for the full OTP wait.
	OTPTimeout time.Duration
}

// Worker drives one binding's lifecycle. It is deliberately stateless beyond
// its Params - WorkerState lives in the Registry, never here.
type Worker struct {
	reg    registry.Registry
	engine *engine.Engine
	params Params
}

func New(reg registry.Registry, eng *engine.Engine, params Params) *Worker {
	return &Worker{reg: reg, engine: eng, params: params}
}

// Run executes the full starting->...->exited lifecycle and returns once the
// worker has reached exited. It is meant to be invoked as its own goroutine
// by the Orchestrator.
func (w *Worker) Run(ctx context.Context) {
	logCtx := log.WithLogField(ctx, "binding", string(w.params.BindingID))
	log.L(logCtx).Infof("worker starting for binding %s owner %s", w.params.BindingID, w.params.Owner)

	cycle := int64(0)
	for {
		ws, err := w.reg.GetState(logCtx, w.params.BindingID)
		if err != nil {
			log.L(logCtx).Errorf("failed reading state for binding %s: %s; retrying shortly", w.params.BindingID, err)
			time.Sleep(w.params.PollPaused)
			continue
		}

		if ws.State == registry.StateStopped {
			break
		}

		if ws.State == registry.StatePaused {
			time.Sleep(w.params.PollPaused)
			continue
		}

		refreshed, err := w.reg.RefreshLock(logCtx, w.params.BindingID, w.params.Owner.String(), w.params.LockTTL)
		if err != nil || !refreshed {
			log.L(logCtx).Infof("lock lost for binding %s, exiting without further provider calls", w.params.BindingID)
			break
		}

		cfg, ok, err := w.reg.GetConfig(logCtx, w.params.BindingID)
		if err != nil || !ok {
			log.L(logCtx).Errorf("no worker configuration for binding %s, cooling down", w.params.BindingID)
			time.Sleep(w.params.PollPaused)
			continue
		}

		cycleDeadline := 2 * worstExpectedCycleTime(cfg, w.params.OTPTimeout)
		cycleCtx, cancel := context.WithTimeout(logCtx, cycleDeadline)
		start := time.Now()
		outcome, err := w.engine.Run(cycleCtx, w.params.Binding, engineConfigFromRegistry(cfg, w.params.OTPTimeout))
		cancel()
		elapsed := time.Since(start)

		if err != nil {
			log.L(logCtx).Warnf("cycle error for binding %s: %s; cooling down %s", w.params.BindingID, err, time.Duration(cfg.CooldownOnErrorMS)*time.Millisecond)
			time.Sleep(time.Duration(cfg.CooldownOnErrorMS) * time.Millisecond)
			continue
		}

		cycle++
		_ = w.reg.Heartbeat(logCtx, w.params.BindingID, w.params.Owner.String(), cycle, string(outcome.Status))

		if outcome.StopCondition != "" {
			_, _ = w.reg.SetState(logCtx, w.params.BindingID, w.params.Owner.String(), registry.StateStopped, string(outcome.StopCondition))
			break
		}

		w.drainCommands(logCtx, cfg)

		sleep := time.Duration(cfg.IntervalMS)*time.Millisecond - elapsed
		if sleep < 0 {
			sleep = 0
		}
		time.Sleep(sleep)
	}

	_, _ = w.reg.ReleaseLock(logCtx, w.params.BindingID, w.params.Owner.String())
	log.L(logCtx).Infof("worker exited for binding %s", w.params.BindingID)
}

// drainCommands applies any pause/resume/stop queued for this binding. A
// start command mid-run has no effect (the binding is already running under
// this worker); stop/pause/resume observed here take effect starting with
// the *next* iteration's state read, never interrupting the cycle just run.
func (w *Worker) drainCommands(ctx context.Context, cfg registry.WorkerConfig) {
	cmds, err := w.reg.DrainCommands(ctx, w.params.BindingID)
	if err != nil || len(cmds) == 0 {
		return
	}
	for _, cmd := range cmds {
		switch cmd.Kind {
		case registry.CommandPause:
			_, _ = w.reg.SetState(ctx, w.params.BindingID, w.params.Owner.String(), registry.StatePaused, cmd.Reason)
		case registry.CommandResume:
			_, _ = w.reg.SetState(ctx, w.params.BindingID, w.params.Owner.String(), registry.StateRunning, cmd.Reason)
		case registry.CommandStop:
			_, _ = w.reg.SetState(ctx, w.params.BindingID, w.params.Owner.String(), registry.StateStopped, cmd.Reason)
		}
	}
}

// worstExpectedCycleTime estimates the slowest a single cycle can legitimately
// run: the short status-retry loop plus, since any cycle might turn out to
// require an OTP, the full OTP rendezvous wait. The Worker doubles this for
// its actual per-cycle deadline, so the OTP timeout's own expiry is never cut
// short by the outer ctx - that would otherwise both truncate the configured
// OTP window and risk losing the lock mid-wait.
func worstExpectedCycleTime(cfg registry.WorkerConfig, otpTimeout time.Duration) time.Duration {
	statusBudget := time.Duration(cfg.MaxRetryStatus+2) * 2 * time.Second
	if statusBudget < 5*time.Second {
		statusBudget = 5 * time.Second
	}
	return statusBudget + otpTimeout
}

func engineConfigFromRegistry(cfg registry.WorkerConfig, otpTimeout time.Duration) engine.Config {
	return engine.Config{
		ProductID:        cfg.ProductID,
		Email:            cfg.Email,
		LimitHarga:       cfg.LimitHarga,
		MaxRetryStatus:   cfg.MaxRetryStatus,
		StatusRetryDelay: 500 * time.Millisecond,
		OTPTimeout:       otpTimeout,
	}
}
