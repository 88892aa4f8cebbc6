// Copyright © 2024 Kaleido, Inc.
//
// SPDX-License-Identifier: Apache-2.0

// Package otp is the per-binding single-slot OTP rendezvous mailbox: the API
// endpoint receiving the user's OTP is the writer, the worker awaiting it is
// the reader. A second write while one is pending is rejected, not queued.
package otp

import (
	"context"
	"sync"

	"github.com/kaleido-io/voucherd/internal/i18n"
	"github.com/kaleido-io/voucherd/internal/msgs"
)

type slot struct {
	value  string
	waitCh chan string
	armed  bool
}

// Mailboxes holds one rendezvous slot per binding.
type Mailboxes struct {
	mu   sync.Mutex
	byID map[string]*slot
}

func NewMailboxes() *Mailboxes {
	return &Mailboxes{byID: make(map[string]*slot)}
}

// Arm opens a slot for bindingID so a subsequent Submit has somewhere to
// deliver to. Calling Arm while already armed is a no-op - the worker may
// call Arm once per cycle before it starts waiting.
func (m *Mailboxes) Arm(bindingID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[bindingID]
	if ok && s.armed {
		return
	}
	m.byID[bindingID] = &slot{waitCh: make(chan string, 1), armed: true}
}

// Disarm closes out the slot for bindingID (cycle ended, with or without an
// OTP ever arriving), so a stray late Submit is rejected rather than silently
// buffered for a future, unrelated cycle.
func (m *Mailboxes) Disarm(bindingID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, bindingID)
}

// Submit is the API-side write. It returns an error if no rendezvous is
// currently armed for bindingID, or if one is already pending delivery.
func (m *Mailboxes) Submit(ctx context.Context, bindingID, value string) error {
	m.mu.Lock()
	s, ok := m.byID[bindingID]
	if !ok {
		m.mu.Unlock()
		return i18n.NewError(ctx, msgs.MsgOrchestratorUnknownBind, bindingID)
	}
	select {
	case s.waitCh <- value:
		m.mu.Unlock()
		return nil
	default:
		m.mu.Unlock()
		return i18n.NewError(ctx, msgs.MsgOTPAlreadyPending, bindingID)
	}
}

// Wait blocks until an OTP is submitted for bindingID, ctx is cancelled, or
// timeout elapses - whichever comes first. It is a suspension point: it never
// aborts an in-flight provider call and is itself safely interruptible.
func (m *Mailboxes) Wait(ctx context.Context, bindingID string) (string, error) {
	m.mu.Lock()
	s, ok := m.byID[bindingID]
	m.mu.Unlock()
	if !ok {
		return "", i18n.NewError(ctx, msgs.MsgEngineOTPTimeout, bindingID)
	}
	select {
	case v := <-s.waitCh:
		return v, nil
	case <-ctx.Done():
		return "", i18n.NewError(ctx, msgs.MsgEngineOTPTimeout, bindingID)
	}
}
