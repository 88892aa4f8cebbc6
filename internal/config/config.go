// Copyright © 2024 Kaleido, Inc.
//
// SPDX-License-Identifier: Apache-2.0

// Package config loads voucherd's process configuration: environment
// variables under the ORCH_ prefix merged with an optional YAML file, using
// spf13/viper exactly as perf/cmd/root.go binds PP_-prefixed env vars.
package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full set of spec.md §6 "Environment configuration" options
// plus the DSN/bind-address settings the ambient HTTP/DB stack needs.
type Config struct {
	WorkerIntervalMSDefault int
	MaxConcurrentCalls      int
	MaxConcurrentPerServer  int
	LockTTLMS               int
	HeartbeatMS             int
	OTPTimeoutMS            int

	ListenAddr   string
	DatabaseDSN  string
	DatabaseKind string // sqlite | postgres | mysql
	ProviderBaseURL string
	LogLevel     string
}

func (c Config) LockTTL() time.Duration      { return time.Duration(c.LockTTLMS) * time.Millisecond }
func (c Config) HeartbeatInterval() time.Duration { return time.Duration(c.HeartbeatMS) * time.Millisecond }
func (c Config) OTPTimeout() time.Duration   { return time.Duration(c.OTPTimeoutMS) * time.Millisecond }

// Load reads defaults, then an optional YAML file at path (if non-empty and
// present), then ORCH_-prefixed environment variables, in increasing
// priority - the same layering order the teacher's CLI commands apply.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ORCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("worker.interval_ms_default", 800)
	v.SetDefault("max_concurrent_calls", 50)
	v.SetDefault("max_concurrent_per_server", 2)
	v.SetDefault("lock_ttl_ms", 15000)
	v.SetDefault("heartbeat_ms", 3000)
	v.SetDefault("otp_timeout_ms", 120000)
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("database_kind", "sqlite")
	v.SetDefault("database_dsn", "voucherd.db")
	v.SetDefault("log_level", "info")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && !errors.Is(err, fs.ErrNotExist) {
				return Config{}, err
			}
		}
	}

	return Config{
		WorkerIntervalMSDefault: v.GetInt("worker.interval_ms_default"),
		MaxConcurrentCalls:      v.GetInt("max_concurrent_calls"),
		MaxConcurrentPerServer:  v.GetInt("max_concurrent_per_server"),
		LockTTLMS:               v.GetInt("lock_ttl_ms"),
		HeartbeatMS:             v.GetInt("heartbeat_ms"),
		OTPTimeoutMS:            v.GetInt("otp_timeout_ms"),
		ListenAddr:              v.GetString("listen_addr"),
		DatabaseDSN:             v.GetString("database_dsn"),
		DatabaseKind:            v.GetString("database_kind"),
		ProviderBaseURL:         v.GetString("provider_base_url"),
		LogLevel:                v.GetString("log_level"),
	}, nil
}
