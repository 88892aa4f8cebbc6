// Copyright © 2024 Kaleido, Inc.
//
// SPDX-License-Identifier: Apache-2.0

// Package retry reconstructs the teacher's retry.Retry contract
// (retry.NewRetryIndefinite(&conf.Retry), retry.NewRetryLimited(&conf.RetryConfigWithMax))
// observed at call sites in peer_test.go and the public transaction manager.
// Only the call-site shape was present in the retrieval pack; the backoff
// loop itself is a from-scratch-but-grounded reconstruction.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/kaleido-io/voucherd/internal/confutil"
)

// Config describes an exponential backoff: InitialDelay, doubled (* Factor)
// each attempt up to MaxDelay, with +/-15% jitter.
type Config struct {
	InitialDelay *string  `yaml:"initialDelay,omitempty"`
	MaxDelay     *string  `yaml:"maxDelay,omitempty"`
	Factor       *float64 `yaml:"factor,omitempty"`
}

// ConfigWithMax additionally bounds the number of attempts.
type ConfigWithMax struct {
	Config
	MaxAttempts *int `yaml:"maxAttempts,omitempty"`
}

var defaultInitialDelay = "200ms"
var defaultMaxDelay = "5s"
var defaultFactor = 2.0

// Retry runs a function with exponential backoff until it succeeds, the
// context is cancelled, or (if bounded) MaxAttempts is exhausted.
type Retry struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	factor       float64
	maxAttempts  int // 0 means unbounded
}

func NewRetryIndefinite(conf *Config) *Retry {
	return build(conf, 0)
}

func NewRetryLimited(conf *ConfigWithMax) *Retry {
	return build(&conf.Config, confutil.IntMin(conf.MaxAttempts, 1, 3))
}

func build(conf *Config, maxAttempts int) *Retry {
	return &Retry{
		initialDelay: confutil.DurationMin(conf.InitialDelay, 1*time.Millisecond, defaultInitialDelay),
		maxDelay:     confutil.DurationMin(conf.MaxDelay, 1*time.Millisecond, defaultMaxDelay),
		factor:       factorOrDefault(conf.Factor),
		maxAttempts:  maxAttempts,
	}
}

func factorOrDefault(f *float64) float64 {
	if f == nil || *f <= 1 {
		return defaultFactor
	}
	return *f
}

// Do invokes fn until it returns (false, err) (give up, possibly nil err for
// success) or (true, err) is exhausted by MaxAttempts/context cancellation.
// fn returns retryable=true to request another attempt.
func (r *Retry) Do(ctx context.Context, description string, fn func(attempt int) (retryable bool, err error)) error {
	delay := r.initialDelay
	for attempt := 1; ; attempt++ {
		retryable, err := fn(attempt)
		if err == nil || !retryable {
			return err
		}
		if r.maxAttempts > 0 && attempt >= r.maxAttempts {
			return err
		}
		jitter := 1 + (rand.Float64()*0.3 - 0.15)
		wait := time.Duration(float64(delay) * jitter)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay = time.Duration(float64(delay) * r.factor)
		if delay > r.maxDelay {
			delay = r.maxDelay
		}
	}
}
