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

package memconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	c := NewConfig()
	require.Equal(t, int64(-1), c.Process)
	require.InDelta(t, 0.8, c.AlarmRatio, 1e-9)
}

func TestLoadOverridesOnlyPresentFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memtracker.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
process-limit = 1073741824
query-limit = 104857600
`), 0o644))

	c := NewConfig()
	require.NoError(t, c.Load(path))

	require.Equal(t, int64(1073741824), c.Process)
	require.Equal(t, int64(104857600), c.Query)
	require.Equal(t, int64(-1), c.QueryPool) // untouched default
}

func TestGlobalConfigRoundTrip(t *testing.T) {
	c := NewConfig()
	c.Process = 42
	StoreGlobalConfig(c)
	require.Equal(t, int64(42), GetGlobalConfig().Process)
}
