// Copyright 2017 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Package memconfig holds the static root limits the accounting tree is
// built from: process, resource-pool, query and load byte ceilings,
// loaded from a TOML file the way the rest of the codebase's
// configuration is loaded.
package memconfig

import (
	"sync/atomic"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
)

// Config holds the byte limits used to build the root of the
// accounting tree and each of its immediate children.
type Config struct {
	// Process is the limit for the single process-level root, or -1 for
	// unlimited.
	Process int64 `toml:"process-limit" json:"process-limit"`
	// QueryPool is the default limit for a resource-pool-level tracker.
	QueryPool int64 `toml:"query-pool-limit" json:"query-pool-limit"`
	// Query is the default limit for a single query-level tracker.
	Query int64 `toml:"query-limit" json:"query-limit"`
	// LoadLimit is the default limit for a single load (fragment instance)
	// tracker.
	LoadLimit int64 `toml:"load-limit" json:"load-limit"`

	// AlarmRatio is the fraction of Process's limit at which the
	// sysmetrics alarm fires. Zero disables the alarm.
	AlarmRatio float64 `toml:"alarm-ratio" json:"alarm-ratio"`
	// CollectIntervalSeconds is how often, in seconds, the system metrics
	// collector samples host stats and tracker consumption.
	CollectIntervalSeconds int `toml:"collect-interval-seconds" json:"collect-interval-seconds"`
}

var defaultConf = Config{
	Process:                -1,
	QueryPool:              -1,
	Query:                  -1,
	LoadLimit:              -1,
	AlarmRatio:             0.8,
	CollectIntervalSeconds: 5,
}

// NewConfig returns a Config populated with default values.
func NewConfig() *Config {
	conf := defaultConf
	return &conf
}

// Load decodes confFile into c, overwriting only the fields present in
// the file.
func (c *Config) Load(confFile string) error {
	_, err := toml.DecodeFile(confFile, c)
	return errors.Trace(err)
}

var globalConf atomic.Pointer[Config]

// GetGlobalConfig returns the process-wide configuration. It returns
// defaults if StoreGlobalConfig has not been called yet.
func GetGlobalConfig() *Config {
	c := globalConf.Load()
	if c == nil {
		return NewConfig()
	}
	return c
}

// StoreGlobalConfig installs conf as the process-wide configuration.
func StoreGlobalConfig(conf *Config) {
	globalConf.Store(conf)
}
