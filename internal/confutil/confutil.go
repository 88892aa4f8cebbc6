// Copyright © 2024 Kaleido, Inc.
//
// SPDX-License-Identifier: Apache-2.0

// Package confutil reconstructs the small pointer/duration/default helpers the
// teacher calls throughout orchestrator.go and pubTxManager (confutil.P,
// confutil.Int, confutil.IntMin, confutil.DurationMin). The upstream package's
// source was not present in the retrieval pack, only its call sites, so this
// is a from-scratch-but-grounded reconstruction of the observed contract.
package confutil

import "time"

// P returns a pointer to v, for inline construction of config struct defaults.
func P[T any](v T) *T { return &v }

// Int dereferences p, falling back to def if p is nil.
func Int(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

// IntMin dereferences p (falling back to def if nil), then floors at min.
func IntMin(p *int, min int, def int) int {
	v := Int(p, def)
	if v < min {
		return min
	}
	return v
}

// DurationMin parses p as a Go duration string (falling back to def if p is
// nil or unparseable), then floors the result at min.
func DurationMin(p *string, min time.Duration, def string) time.Duration {
	s := def
	if p != nil && *p != "" {
		s = *p
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		d, _ = time.ParseDuration(def)
	}
	if d < min {
		return min
	}
	return d
}

// StringOrEmpty dereferences p, returning "" if p is nil.
func StringOrEmpty(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
