// Copyright 2021 UCL CS Diamant
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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const defaultConfig = `
logging:
  level: debug
redis:
  hostname: localhost
  port: 6379
allocation:
  leaseTTL: 10m
`

const overrideConfig = `
redis:
  hostname: redis.example.com
`

func TestReadMergesOverride(t *testing.T) {
	assert := assert.New(t)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "arena_config_default.yaml"), []byte(defaultConfig), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "arena_config_override.yaml"), []byte(overrideConfig), 0o644))
	chdir(t, dir)

	cfg, err := Read()
	require.NoError(t, err)

	// Override wins where set, defaults show through everywhere else.
	assert.Equal("redis.example.com", cfg.GetString("redis.hostname"))
	assert.Equal(6379, cfg.GetInt("redis.port"))
	assert.Equal("debug", cfg.GetString("logging.level"))
	assert.Equal(10*time.Minute, cfg.GetDuration("allocation.leaseTTL"))
}

func TestReadWithoutOverride(t *testing.T) {
	assert := assert.New(t)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "arena_config_default.yaml"), []byte(defaultConfig), 0o644))
	chdir(t, dir)

	cfg, err := Read()
	require.NoError(t, err)
	assert.Equal("localhost", cfg.GetString("redis.hostname"))
}

func chdir(t *testing.T, dir string) {
	previous, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() {
		if err := os.Chdir(previous); err != nil {
			t.Errorf("cannot restore working directory: %s", err)
		}
	})
}
