// Copyright 2018 PingCAP, Inc.
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

//go:build !memory_debug

package memory

const debugEnabled = false

// assertf is a no-op in release builds: a violated precondition produces
// an inconsistent but non-crashing result instead of a panic. Callers
// must not rely on this; it exists so production binaries never go down
// over a caller bug.
func assertf(cond bool, format string, args ...any) {}
