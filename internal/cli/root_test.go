package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer is a bytes.Buffer safe to read while a command writes to it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "sprintsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func decodeData(t *testing.T, out string, v any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "sprintsync", cmd.Use)
	assert.Contains(t, cmd.Long, "companion")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"generate", "primary", "companion", "simulate", "status", "clear"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	require.NotNil(t, cmd.PersistentFlags().Lookup("log-file"))
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "generate", "--format", "yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, ExitCode(err))
}

func TestGenerate_Text(t *testing.T) {
	out, err := execute(t, "generate", "--level", "advanced", "--frequency", "4")
	require.NoError(t, err)
	assert.Contains(t, out, "Advanced, 4 per week, 48 sessions")
	assert.Contains(t, out, "W1D1 ")
	assert.Contains(t, out, "W12D4 ")
}

func TestGenerate_WeekBatchJSON(t *testing.T) {
	out, err := execute(t, "generate", "--frequency", "3", "--week", "1", "--format", "json")
	require.NoError(t, err)

	var got generated
	decodeData(t, out, &got)
	assert.Equal(t, "PHASE 1", got.Phase)
	assert.Equal(t, 36, got.Total)
	assert.Len(t, got.Digest, 64)
	require.Len(t, got.Sessions, 3)
	for _, s := range got.Sessions {
		assert.Equal(t, 1, s.Week)
	}
}

func TestGenerate_BadFlags(t *testing.T) {
	_, err := execute(t, "generate", "--weeks", "0")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, ExitCode(err))

	_, err = execute(t, "generate", "--week", "-2")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, ExitCode(err))
}

func TestSimulate(t *testing.T) {
	for _, offline := range []bool{false, true} {
		name := "online"
		args := []string{"simulate", "--frequency", "4", "--format", "json", "--timeout", "10s"}
		if offline {
			name = "offline"
			args = append(args, "--offline")
		}
		t.Run(name, func(t *testing.T) {
			out, err := execute(t, args...)
			require.NoError(t, err)

			var got simulation
			decodeData(t, out, &got)
			assert.Equal(t, 48, got.Primary.Sessions)
			assert.Equal(t, "synced", got.Companion.Source)
			// 36 fallback sessions at 3 per week, plus week 1 day 4 from
			// the primary's batch.
			assert.Equal(t, 37, got.Companion.Sessions)
			assert.Equal(t, got.Primary.Token, got.Companion.Token)
			if offline {
				assert.Len(t, got.Steps, 4)
				assert.Contains(t, got.Steps[1], "fallback")
			} else {
				assert.Len(t, got.Steps, 2)
			}
		})
	}
}

func TestSimulate_Workout(t *testing.T) {
	out, err := execute(t, "simulate", "--workout", "--format", "json", "--timeout", "10s")
	require.NoError(t, err)

	var got simulation
	decodeData(t, out, &got)
	require.Len(t, got.Steps, 3)
	assert.Contains(t, got.Steps[2], "week 1 day 1")
	assert.Equal(t, map[string]int{"synced": got.Companion.Sessions}, got.Companion.States)
	assert.Empty(t, got.Companion.Dropped)
}

func TestStatusAndClear(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "role: companion\nstore: file\ndata_dir: "+filepath.Join(dir, "data")+"\n")

	out, err := execute(t, "status", "--config", path, "--format", "json")
	require.NoError(t, err)
	var st storedStatus
	decodeData(t, out, &st)
	assert.Equal(t, "companion", st.Role)
	assert.Equal(t, 0, st.Sessions)
	assert.NotEmpty(t, st.Token)

	_, err = execute(t, "clear", "--config", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, ExitCode(err))

	out, err = execute(t, "clear", "--config", path, "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 0 sessions")

	out, err = execute(t, "status", "--config", path, "--format", "json")
	require.NoError(t, err)
	var after storedStatus
	decodeData(t, out, &after)
	assert.Equal(t, st.Device, after.Device)
	assert.NotEqual(t, st.Token, after.Token)
}

func TestCompanion_RejectsBadPeer(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := execute(t, "companion", "--peer", "http://phone.local/sync")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, ExitCode(err))
}

func TestMissingConfigFile(t *testing.T) {
	_, err := execute(t, "status", "--config", filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, ExitCode(err))
}

func TestPrimary_ServesUntilCancelled(t *testing.T) {
	dir := t.TempDir()
	profilePath := filepath.Join(dir, "profile.yaml")
	path := writeConfig(t, dir, strings.Join([]string{
		"store: memory",
		"listen: 127.0.0.1:0",
		"data_dir: " + filepath.Join(dir, "data"),
		"profile: " + profilePath,
	}, "\n")+"\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &syncBuffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&syncBuffer{})
	cmd.SetArgs([]string{"primary", "--config", path})

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Primary listening")
	}, 5*time.Second, 10*time.Millisecond)
	assert.FileExists(t, profilePath)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("primary did not stop")
	}
	assert.Contains(t, out.String(), "primary")
	assert.Contains(t, out.String(), "sessions:  36")
}
