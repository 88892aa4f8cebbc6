// Copyright © 2024 Kaleido, Inc.
//
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package i18n is voucherd's thin adapter over firefly-common/pkg/i18n, the
// same package the teacher's core/internal/components/publictxmgr.go imports
// directly for its NewError/WrapError call sites - kept as our own package
// only so the rest of voucherd can register messages under a "VO" prefix
// without every call site importing firefly-common by name.
package i18n

import (
	"context"

	"golang.org/x/text/language"

	ffi18n "github.com/hyperledger/firefly-common/pkg/i18n"
)

// MessageKey and ErrorMessageKey alias firefly-common's own types, so a
// voucherd MessageKey can be passed anywhere firefly-common's i18n functions
// expect one.
type MessageKey = ffi18n.MessageKey
type ErrorMessageKey = ffi18n.ErrorMessageKey

func init() {
	ffi18n.RegisterPrefix("VO", "voucherd core orchestration messages")
}

// VOE registers an error message under the "VO" prefix, delegating to
// firefly-common's FFE registration mechanism.
func VOE(lang language.Tag, key, translation string, statusHint ...int) ErrorMessageKey {
	return ffi18n.FFE(lang, key, translation, statusHint...)
}

// VOM registers an informational message under the "VO" prefix.
func VOM(lang language.Tag, key, translation string) MessageKey {
	return ffi18n.FFM(lang, key, translation)
}

// NewError and WrapError are re-exported verbatim so call sites throughout
// voucherd read as `i18n.NewError(ctx, msgs.MsgXxx, ...)`, exactly the
// teacher's own convention.
func NewError(ctx context.Context, key ErrorMessageKey, inserts ...interface{}) error {
	return ffi18n.NewError(ctx, key, inserts...)
}

func WrapError(ctx context.Context, cause error, key ErrorMessageKey, inserts ...interface{}) error {
	return ffi18n.WrapError(ctx, cause, key, inserts...)
}
