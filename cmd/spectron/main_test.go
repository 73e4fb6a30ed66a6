package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kryndex/spectron/pkg/apptest"
	"github.com/Kryndex/spectron/pkg/config"
	"github.com/Kryndex/spectron/pkg/process"
)

func TestMain(m *testing.M) {
	apptest.MaybeRun()
	os.Exit(m.Run())
}

func testBinary(t *testing.T) string {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return exe
}

// chdir changes the working directory for the duration of the test,
// restoring it on cleanup (equivalent of testing.T.Chdir from Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	// keep the user's ~/.spectron and ./.spectron out of the way
	t.Setenv("HOME", t.TempDir())
	chdir(t, t.TempDir())

	var stdout, stderr bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	err := run(ctx, args, &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

func TestParseStartupOptions(t *testing.T) {
	var stderr bytes.Buffer
	opts, err := parseStartupOptions([]string{
		"-config", "harness.yaml",
		"-eval", "process.argv",
		"-env", "FOO=BAR",
		"-env", "HELLO=WORLD",
		"-wait-quit", "2s",
		"--", "/opt/app", "--foo", "--bar=baz",
	}, &stderr)
	require.NoError(t, err)

	assert.Equal(t, "harness.yaml", opts.configPath)
	assert.Equal(t, "process.argv", opts.eval)
	assert.Equal(t, 2*time.Second, opts.waitQuit)
	assert.Equal(t, "FOO=BAR,HELLO=WORLD", opts.env.String())
	assert.Equal(t, []string{"/opt/app", "--foo", "--bar=baz"}, opts.args)
}

func TestParseStartupOptions_Errors(t *testing.T) {
	var stderr bytes.Buffer

	_, err := parseStartupOptions([]string{"-nope"}, &stderr)
	assert.Equal(t, exitUsage, exitCodeForError(err))

	_, err = parseStartupOptions([]string{"-env", "MISSING_EQUALS"}, &stderr)
	assert.Equal(t, exitUsage, exitCodeForError(err))

	_, err = parseStartupOptions([]string{"-wait-quit", "-1s"}, &stderr)
	assert.Equal(t, exitUsage, exitCodeForError(err))
}

func TestApplyOptions(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.App.Path = "/from/config"
	cfg.App.Env = map[string]string{"KEEP": "1"}

	opts := startupOptions{
		args:        []string{"/from/flags", "--x"},
		env:         envFlag{"FOO": "BAR"},
		metricsAddr: "127.0.0.1:0",
		trace:       true,
		logLevel:    "debug",
	}
	opts.apply(cfg)

	assert.Equal(t, "/from/flags", cfg.App.Path)
	assert.Equal(t, []string{"--x"}, cfg.App.Args)
	assert.Equal(t, map[string]string{"KEEP": "1", "FOO": "BAR"}, cfg.App.Env)
	assert.Equal(t, "127.0.0.1:0", cfg.Telemetry.MetricsAddr)
	assert.True(t, cfg.Telemetry.Trace)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestExitCodeForError(t *testing.T) {
	assert.Equal(t, exitOK, exitCodeForError(nil))
	assert.Equal(t, exitFailure, exitCodeForError(errors.New("boom")))
	assert.Equal(t, exitUsage, exitCodeForError(usageError(errors.New("bad flag"))))
	assert.Nil(t, withExitCode(nil, exitUsage))

	wrapped := usageError(context.Canceled)
	assert.ErrorIs(t, wrapped, context.Canceled)
}

func TestRun_Version(t *testing.T) {
	stdout, _, err := runCLI(t, "-version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stdout, "spectron "))
}

func TestRun_NoApplication(t *testing.T) {
	_, _, err := runCLI(t)
	require.Error(t, err)
	assert.Equal(t, exitUsage, exitCodeForError(err))
}

func TestRun_InvalidConfig(t *testing.T) {
	_, _, err := runCLI(t, "-log-level", "chatty", "--", "/bin/true")
	require.Error(t, err)
	assert.Equal(t, exitUsage, exitCodeForError(err))
}

func TestRun_MissingExecutable(t *testing.T) {
	_, _, err := runCLI(t, "--", filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Equal(t, exitFailure, exitCodeForError(err))
}

func TestRun_EvalAndStop(t *testing.T) {
	tempDir := t.TempDir()
	eventDir := t.TempDir()

	stdout, stderr, err := runCLI(t,
		"-env", apptest.ModeEnv+"="+apptest.ModeServe,
		"-env", "FOO=BAR",
		"-eval", "process.argv",
		"-temp-dir", tempDir,
		"-wait-quit", "5s",
		"-event-log-dir", eventDir,
		"-metrics-addr", "127.0.0.1:0",
		"-log-format", "json",
		"--", testBinary(t), "--foo", "--bar=baz",
	)
	require.NoError(t, err, "stderr: %s", stderr)

	var argv []string
	require.NoError(t, json.Unmarshal([]byte(stdout), &argv), "stdout: %s", stdout)
	assert.Contains(t, argv, "--foo")
	assert.Contains(t, argv, "--bar=baz")

	assert.FileExists(t, filepath.Join(tempDir, process.QuitMarker))
	assert.Contains(t, stderr, `"msg":"application stopped"`)

	sessions, err := filepath.Glob(filepath.Join(eventDir, "sessions", "*.jsonl"))
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	data, err := os.ReadFile(sessions[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"app.running"`)
	assert.Contains(t, string(data), `"type":"app.stopped"`)
}

func TestRun_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "harness.yaml")
	body := "app:\n" +
		"  path: " + testBinary(t) + "\n" +
		"  env:\n" +
		"    " + apptest.ModeEnv + ": " + apptest.ModeServe + "\n" +
		"    HELLO: WORLD\n" +
		"timeouts:\n" +
		"  start: 20s\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	stdout, stderr, err := runCLI(t, "-config", path, "-eval", "process.env.HELLO")
	require.NoError(t, err, "stderr: %s", stderr)
	assert.Equal(t, "\"WORLD\"\n", stdout)
}

func TestRun_AppExitsOnItsOwn(t *testing.T) {
	_, stderr, err := runCLI(t,
		"-env", apptest.ModeEnv+"="+apptest.ModeExitAfterReady,
		"-log-format", "json",
		"--", testBinary(t),
	)
	require.NoError(t, err, "stderr: %s", stderr)
	assert.Contains(t, stderr, "application already exited")
}

func TestRun_StartFailure(t *testing.T) {
	_, _, err := runCLI(t,
		"-env", apptest.ModeEnv+"="+apptest.ModeCrash,
		"--", testBinary(t),
	)
	require.Error(t, err)
	assert.Equal(t, exitFailure, exitCodeForError(err))
	assert.Contains(t, err.Error(), "start")
}
