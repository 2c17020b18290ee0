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

// Package memlog wraps go.uber.org/zap, through github.com/pingcap/log's
// global logger, the way util/logutil does for the rest of the codebase:
// a small Config, an InitLogger that replaces the global, and a
// BgLogger accessor for call sites that do not thread a logger through.
package memlog

import (
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Default log configuration values.
const (
	DefaultLogFormat = "text"
	DefaultLogLevel  = "info"
)

// EmptyFileLogConfig is an empty FileLogConfig, for callers that only log
// to stderr.
var EmptyFileLogConfig = FileLogConfig{}

// FileLogConfig serializes file log related config in toml/json.
type FileLogConfig struct {
	log.FileLogConfig
}

// NewFileLogConfig creates a FileLogConfig that rotates at maxSize MB.
func NewFileLogConfig(maxSize uint) FileLogConfig {
	return FileLogConfig{FileLogConfig: log.FileLogConfig{MaxSize: int(maxSize)}}
}

// Config serializes log related config in toml/json.
type Config struct {
	log.Config
}

// NewConfig creates a Config.
func NewConfig(level, format string, fileCfg FileLogConfig, disableTimestamp bool) *Config {
	return &Config{Config: log.Config{
		Level:            level,
		Format:           format,
		DisableTimestamp: disableTimestamp,
		File:             fileCfg.FileLogConfig,
	}}
}

// InitLogger replaces the global pingcap/log logger with one built from
// cfg. Call it once at process startup; BgLogger reflects the change
// immediately afterward.
func InitLogger(cfg *Config, opts ...zap.Option) error {
	opts = append(opts, zap.AddStacktrace(zapcore.FatalLevel))
	gl, props, err := log.InitLogger(&cfg.Config, opts...)
	if err != nil {
		return errors.Trace(err)
	}
	log.ReplaceGlobals(gl, props)
	return nil
}

// SetLevel sets the zap logger's level.
func SetLevel(level string) error {
	l := zap.NewAtomicLevel()
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return errors.Trace(err)
	}
	log.SetLevel(l.Level())
	return nil
}

// BgLogger is the background logger used by code that has no contextual
// logger handy. It is initialized by InitLogger and defaults to the
// pingcap/log package's own default before that.
func BgLogger() *zap.Logger {
	return log.L()
}
