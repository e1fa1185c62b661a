/*
Copyright 2022 The Numaproj Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package commands

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/numaproj/shuffler/pkg/config"
)

func Test_Commands(t *testing.T) {

	t.Run("test root", func(t *testing.T) {
		b := bytes.NewBufferString("")
		rootCmd.SetOut(b)
		rootCmd.SetArgs([]string{"help"})
		Execute()
		output, _ := io.ReadAll(b)
		assert.Contains(t, string(output), "Available Commands")
		assert.Contains(t, string(output), "group")
	})

	t.Run("Version", func(t *testing.T) {
		cmd := NewVersionCommand()
		b := bytes.NewBufferString("")
		cmd.SetOut(b)
		require.NoError(t, cmd.Execute())
		assert.Contains(t, b.String(), "GoVersion")
	})

	t.Run("Group", func(t *testing.T) {
		cmd := NewGroupCommand()
		assert.Equal(t, "group", cmd.Use)
		assert.True(t, cmd.HasLocalFlags())
		assert.Equal(t, "string", cmd.Flag("config").Value.Type())
		assert.Equal(t, "string", cmd.Flag("input").Value.Type())
		assert.Equal(t, "string", cmd.Flag("output").Value.Type())
		assert.Equal(t, "bool", cmd.Flag("sorted").Value.Type())
		cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
		err := cmd.Execute()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to load configuration file")
	})
}

func readGroups(t *testing.T, r io.Reader) map[string]outputLine {
	t.Helper()
	out := map[string]outputLine{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var l outputLine
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &l))
		_, dup := out[l.Key]
		require.False(t, dup, l.Key)
		out[l.Key] = l
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestGroupCommand_Files(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "shuffler.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
partitionCount: 2
memoryBudgetBytes: 3
spill:
  backend: fs
  path: `+filepath.Join(dir, "spill")+`
  syncOnClose: false
`), 0644))
	inPath := filepath.Join(dir, "records.jsonl")
	require.NoError(t, os.WriteFile(inPath, []byte(strings.Join([]string{
		`{"key": "A", "value": "1"}`,
		`{"key": "B", "value": "2"}`,
		`{"key": "A", "value": "3"}`,
		`{"key": "B", "value": "4"}`,
		`{"key": "A", "value": "5"}`,
	}, "\n")), 0644))
	outPath := filepath.Join(dir, "groups.jsonl")

	cmd := NewGroupCommand()
	cmd.SetArgs([]string{"--config", cfgPath, "--input", inPath, "--output", outPath})
	require.NoError(t, cmd.Execute())

	f, err := os.Open(outPath)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	groups := readGroups(t, f)
	require.Len(t, groups, 2)
	a := groups["A"].Values
	sort.Strings(a)
	assert.Equal(t, []string{"1", "3", "5"}, a)
	b := groups["B"].Values
	sort.Strings(b)
	assert.Equal(t, []string{"2", "4"}, b)
	for _, g := range groups {
		assert.GreaterOrEqual(t, g.Partition, 0)
		assert.Less(t, g.Partition, 2)
	}
	// spilled segments were all released
	entries, err := os.ReadDir(filepath.Join(dir, "spill"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunGroup_Sorted(t *testing.T) {
	cfg := config.Default()
	cfg.PartitionCount = 3
	cfg.MemoryBudgetBytes = 8
	cfg.Spill.Backend = config.BackendMemory
	in := strings.NewReader(`{"key":"k","value":"c"}{"key":"k","value":"a"}
{"key":"j","value":"z"}
{"key":"k","value":"b"}`)
	var out bytes.Buffer
	require.NoError(t, runGroup(context.Background(), cfg, in, &out, true))
	groups := readGroups(t, &out)
	assert.Equal(t, []string{"a", "b", "c"}, groups["k"].Values)
	assert.Equal(t, []string{"z"}, groups["j"].Values)
}

func TestRunGroup_InvalidInput(t *testing.T) {
	cfg := config.Default()
	cfg.Spill.Backend = config.BackendMemory
	var out bytes.Buffer
	err := runGroup(context.Background(), cfg, strings.NewReader(`{"key":"k","value":"a"}`+"\nnot json"), &out, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid input record 2")
	assert.Zero(t, out.Len())
}
