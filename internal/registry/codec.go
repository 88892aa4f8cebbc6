// Copyright © 2024 Kaleido, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package registry

import "encoding/json"

// encodeConfig/decodeConfig serialize the WorkerConfig carried by a
// CommandStart command into the commands table's config_json column.
func encodeConfig(cfg WorkerConfig) string {
	b, err := json.Marshal(cfg)
	if err != nil {
		return ""
	}
	return string(b)
}

func decodeConfig(s string) WorkerConfig {
	var cfg WorkerConfig
	_ = json.Unmarshal([]byte(s), &cfg)
	return cfg
}
