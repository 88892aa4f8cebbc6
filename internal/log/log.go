// Copyright © 2024 Kaleido, Inc.
//
// SPDX-License-Identifier: Apache-2.0

// Package log exposes the log.L(ctx) calling convention used throughout the
// teacher repository, backed directly by logrus (already a teacher dependency).
package log

import (
	"context"

	"github.com/sirupsen/logrus"
)

type ctxLogKey struct{}

var root = logrus.StandardLogger()

func init() {
	root.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000",
	})
}

// SetLevel adjusts the package-wide log level (debug/info/warn/error).
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	root.SetLevel(lvl)
}

// WithLogField returns a context carrying an extra structured field that every
// subsequent L(ctx) call will include, matching the teacher's
// log.WithLogField(ctx, "role", ...) convention.
func WithLogField(ctx context.Context, key string, value interface{}) context.Context {
	entry := entryFromCtx(ctx).WithField(key, value)
	return context.WithValue(ctx, ctxLogKey{}, entry)
}

// L returns the logrus entry bound to ctx, or the root logger if none is bound.
func L(ctx context.Context) *logrus.Entry {
	return entryFromCtx(ctx)
}

func entryFromCtx(ctx context.Context) *logrus.Entry {
	if ctx != nil {
		if e, ok := ctx.Value(ctxLogKey{}).(*logrus.Entry); ok {
			return e
		}
	}
	return logrus.NewEntry(root)
}
