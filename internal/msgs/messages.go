// Copyright © 2024 Kaleido, Inc.
//
// SPDX-License-Identifier: Apache-2.0

// Package msgs registers every message key voucherd raises, the way the
// teacher's internal/msgs package registers one key per i18n.NewError call site.
package msgs

import (
	"golang.org/x/text/language"

	"github.com/kaleido-io/voucherd/internal/i18n"
)

var registered = language.AmericanEnglish

var (
	MsgRegistryOwnerMismatch    = i18n.VOE(registered, "VO0001", "owner %s does not hold the lock for binding %s")
	MsgRegistryLockHeld         = i18n.VOE(registered, "VO0002", "lock for binding %s is already held")
	MsgRegistryUnavailable      = i18n.VOE(registered, "VO0003", "registry unavailable: %s")
	MsgRegistryBindingNotFound  = i18n.VOE(registered, "VO0004", "no worker state recorded for binding %s")
	MsgProviderTransportError   = i18n.VOE(registered, "VO0010", "transport error calling %s for binding %s: %s")
	MsgProviderDeadlineExceeded = i18n.VOE(registered, "VO0011", "provider call %s exceeded its deadline for binding %s")
	MsgProviderTransportFailed  = i18n.VOE(registered, "VO0012", "could not acquire a call slot for %s")
	MsgProviderApplicationError = i18n.VOE(registered, "VO0013", "provider returned status %d: %s")
	MsgEngineInsufficientBal    = i18n.VOE(registered, "VO0020", "balance %d below configured limit %d")
	MsgEngineOTPTimeout         = i18n.VOE(registered, "VO0021", "otp wait timed out for binding %s")
	MsgOrchestratorUnknownBind  = i18n.VOE(registered, "VO0030", "unknown binding id %s")
	MsgOrchestratorBadConfig    = i18n.VOE(registered, "VO0031", "invalid worker configuration: %s")
	MsgPersistenceWriteFailed   = i18n.VOE(registered, "VO0040", "failed writing transaction record %s: %s")
	MsgAPIBadRequest            = i18n.VOE(registered, "VO0050", "invalid request body: %s")
	MsgOTPAlreadyPending        = i18n.VOE(registered, "VO0060", "an otp is already pending for binding %s")
)
