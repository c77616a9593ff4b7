// Copyright 2025 Tom Barlow
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


package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/salvage/internal/config"
)

func TestNewRootCommand(t *testing.T) {
	cmd := NewRootCommand()

	if cmd.Use != "salvage" {
		t.Errorf("expected use 'salvage', got %q", cmd.Use)
	}
	if cmd.PersistentFlags().Lookup("config") == nil {
		t.Error("config flag not registered")
	}

	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "version"}, names)
}

func TestVersionCommand(t *testing.T) {
	SetVersion("1.2.3", "abc123", "2025-12-22")
	defer SetVersion("dev", "unknown", "unknown")

	v, c, b := GetVersion()
	assert.Equal(t, "1.2.3", v)
	assert.Equal(t, "abc123", c)
	assert.Equal(t, "2025-12-22", b)

	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version", "--json"})
	require.NoError(t, cmd.Execute())

	var info VersionInfo
	require.NoError(t, json.Unmarshal(out.Bytes(), &info))
	assert.Equal(t, VersionInfo{Version: "1.2.3", Commit: "abc123", BuildDate: "2025-12-22"}, info)
}

func TestLoadServeConfig(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node:\n  id: from-file\nbackend:\n  type: sqlite\n"), 0o600))

	root := NewRootCommand()
	serveCmd, _, err := root.Find([]string{"serve"})
	require.NoError(t, err)
	require.NoError(t, root.PersistentFlags().Set("config", path))

	cfg, err := loadServeConfig(serveCmd, serveFlags{backend: "memory", metricsAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Node.ID)
	assert.Equal(t, config.BackendMemory, cfg.Backend.Type)
	assert.Equal(t, "127.0.0.1:0", cfg.Metrics.Listen)

	_, err = loadServeConfig(serveCmd, serveFlags{nodeID: "bad/id"})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}
