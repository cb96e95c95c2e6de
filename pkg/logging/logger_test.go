package logging

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// logToFile points the default logger at a fresh file in format, runs fn and
// returns what was written.
func logToFile(t *testing.T, format string, fn func()) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kv.log")
	require.NoError(t, SetOutputs([]string{path}, 0, 0))
	SetOutputFormat(format)
	fn()
	require.NoError(t, CloseWriters())
	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(contents)
}

func jsonEntry(t *testing.T, contents string) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(contents)), &entry), contents)
	return entry
}

func TestSetOutputs(t *testing.T) {
	t.Run("empty keeps output", func(t *testing.T) {
		current := defaultLogger.Out
		require.NoError(t, SetOutputs([]string{""}, 0, 0))
		require.Equal(t, current, defaultLogger.Out)
	})

	t.Run("stdout", func(t *testing.T) {
		require.NoError(t, SetOutputs([]string{"-"}, 0, 0))
		require.Equal(t, os.Stdout, defaultLogger.Out)
	})

	t.Run("stderr", func(t *testing.T) {
		require.NoError(t, SetOutputs([]string{"="}, 0, 0))
		require.Equal(t, os.Stderr, defaultLogger.Out)
	})

	t.Run("two files", func(t *testing.T) {
		dir := t.TempDir()
		files := []string{filepath.Join(dir, "a.log"), filepath.Join(dir, "b.log")}
		require.NoError(t, SetOutputs(files, 1, 2))
		_, err := io.WriteString(defaultLogger.Out, "node-1 joined")
		require.NoError(t, err)
		require.NoError(t, CloseWriters())
		for _, f := range files {
			contents, err := os.ReadFile(f)
			require.NoError(t, err)
			require.Equal(t, "node-1 joined", string(contents))
		}
	})
}

func TestDurationFields(t *testing.T) {
	const timeout = 1500 * time.Millisecond

	t.Run("text", func(t *testing.T) {
		out := logToFile(t, "text", func() {
			ContextUnavailable().
				WithField("socket_timeout", timeout).
				WithFields(Fields{"total_timeout": timeout, IterationFieldKey: 2}).
				Info("retry")
		})
		require.Contains(t, out, "socket_timeout=1500000000")
		require.Contains(t, out, "socket_timeout_str=1.5s")
		require.Contains(t, out, "total_timeout_str=1.5s")
		require.Contains(t, out, "iteration=2")
	})

	t.Run("json", func(t *testing.T) {
		out := logToFile(t, "json", func() {
			ContextUnavailable().WithFields(Fields{"total_timeout": timeout}).Info("retry")
		})
		entry := jsonEntry(t, out)
		require.Equal(t, float64(timeout), entry["total_timeout"])
		require.Equal(t, "1.5s", entry["total_timeout_str"])
	})
}

func TestLogCallerTrimmer(t *testing.T) {
	tests := []struct {
		name             string
		file             string
		function         string
		expectedFile     string
		expectedFunction string
	}{
		{
			name:             "module checkout",
			file:             "/home/user/src/clusterkv/pkg/batch/executor.go",
			function:         "github.com/treeverse/clusterkv/pkg/batch.(*Executor).Operate",
			expectedFile:     "pkg/batch/executor.go:42",
			expectedFunction: "pkg/batch.(*Executor).Operate",
		},
		{
			name:             "suffixed checkout directory",
			file:             "/home/user/src/clusterkv-fork/pkg/cluster/router.go",
			function:         "github.com/treeverse/clusterkv/pkg/cluster.(*Cluster).GetNode",
			expectedFile:     "pkg/cluster/router.go:42",
			expectedFunction: "pkg/cluster.(*Cluster).GetNode",
		},
		{
			name:             "uppercase directory",
			file:             "/build/ClusterKV/cmd/kvbench/main.go",
			function:         "main.main",
			expectedFile:     "cmd/kvbench/main.go:42",
			expectedFunction: "main.main",
		},
		{
			name:             "outside the module",
			file:             "/home/user/other/project/main.go",
			function:         "github.com/other/project.Main",
			expectedFile:     "home/user/other/project/main.go:42",
			expectedFunction: "github.com/other/project.Main",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			function, file := logCallerTrimmer(&runtime.Frame{File: tt.file, Line: 42, Function: tt.function})
			require.Equal(t, tt.expectedFile, file)
			require.Equal(t, tt.expectedFunction, function)
		})
	}
}

func TestContextFields(t *testing.T) {
	ctx := AddFields(context.Background(), Fields{BatchIDFieldKey: "b-1", NodeFieldKey: "node-a"})
	ctx = AddFields(ctx, Fields{NodeFieldKey: "node-b"})
	require.Equal(t, Fields{BatchIDFieldKey: "b-1", NodeFieldKey: "node-b"}, GetFieldsFromContext(ctx))
	require.Nil(t, GetFieldsFromContext(context.Background()))

	t.Run("FromContext", func(t *testing.T) {
		// fields added after FromContext win
		out := logToFile(t, "json", func() {
			FromContext(ctx).WithField(NodeFieldKey, "node-c").Info("sent")
		})
		entry := jsonEntry(t, out)
		require.Equal(t, "b-1", entry[BatchIDFieldKey])
		require.Equal(t, "node-c", entry[NodeFieldKey])
	})

	t.Run("WithContext", func(t *testing.T) {
		// context fields win over earlier logger fields
		out := logToFile(t, "json", func() {
			ContextUnavailable().WithField(NodeFieldKey, "node-c").WithContext(ctx).Info("sent")
		})
		entry := jsonEntry(t, out)
		require.Equal(t, "b-1", entry[BatchIDFieldKey])
		require.Equal(t, "node-b", entry[NodeFieldKey])
	})
}

func TestSetLevel(t *testing.T) {
	defer SetLevel(Level())

	SetLevel("warning")
	require.Equal(t, "warning", Level())
	require.False(t, Default().IsDebugging())
	require.True(t, Default().IsWarn())

	out := logToFile(t, "text", func() {
		Default().Info("planned")
		Default().Warn("node inactive")
	})
	require.NotContains(t, out, "planned")
	require.Contains(t, out, "node inactive")

	SetLevel("TRACE")
	require.True(t, Default().IsTracing())
}
