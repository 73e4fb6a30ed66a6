package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Kryndex/spectron/pkg/errors"
)

func TestNewLaunchSpec(t *testing.T) {
	spec, err := NewLaunchSpec("/usr/bin/app",
		WithArgs("--foo", "--bar=baz"),
		WithEnv(map[string]string{"FOO": "BAR"}),
		WithDir("/tmp"),
		WithTempDir("/tmp/spectron-1"),
	)
	require.NoError(t, err)

	assert.Equal(t, "/usr/bin/app", spec.Path)
	assert.Equal(t, []string{"--foo", "--bar=baz"}, spec.Args)
	assert.Equal(t, "BAR", spec.Env["FOO"])
	assert.Equal(t, EnvMerge, spec.EnvMode)
	assert.Equal(t, "/tmp", spec.Dir)
	assert.Equal(t, "/tmp/spectron-1", spec.TempDir)
}

func TestNewLaunchSpec_RejectsEmptyPath(t *testing.T) {
	for _, path := range []string{"", "   ", "\t"} {
		_, err := NewLaunchSpec(path)
		require.Error(t, err)
		assert.ErrorIs(t, err, apperrors.ErrConfiguration)
	}
}

func TestLaunchSpec_Validate(t *testing.T) {
	tests := []struct {
		name    string
		spec    LaunchSpec
		wantErr bool
	}{
		{"minimal", LaunchSpec{Path: "app"}, false},
		{"replace mode", LaunchSpec{Path: "app", EnvMode: EnvReplace}, false},
		{"unknown mode", LaunchSpec{Path: "app", EnvMode: EnvMode(9)}, true},
		{"empty env key", LaunchSpec{Path: "app", Env: map[string]string{"": "x"}}, true},
		{"env key with equals", LaunchSpec{Path: "app", Env: map[string]string{"A=B": "x"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, apperrors.ErrConfiguration)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLaunchSpec_CloneIsDeep(t *testing.T) {
	orig := LaunchSpec{
		Path: "app",
		Args: []string{"--foo"},
		Env:  map[string]string{"FOO": "BAR"},
	}
	clone := orig.Clone()
	clone.Args[0] = "--changed"
	clone.Env["FOO"] = "CHANGED"

	assert.Equal(t, "--foo", orig.Args[0])
	assert.Equal(t, "BAR", orig.Env["FOO"])
}

func TestWithArgs_CopiesInput(t *testing.T) {
	args := []string{"--a"}
	spec, err := NewLaunchSpec("app", WithArgs(args...))
	require.NoError(t, err)
	args[0] = "--b"
	assert.Equal(t, []string{"--a"}, spec.Args)
}

func TestEnviron_Merge(t *testing.T) {
	spec := LaunchSpec{
		Path: "app",
		Env:  map[string]string{"HELLO": "WORLD", "FOO": "BAR", "PATH": "/opt/bin"},
	}
	base := []string{"PATH=/usr/bin", "HOME=/root", "PATH=/dup", "malformed"}

	got := spec.Environ(base)

	assert.Equal(t, []string{"PATH=/opt/bin", "HOME=/root", "FOO=BAR", "HELLO=WORLD"}, got)
}

func TestEnviron_Replace(t *testing.T) {
	spec := LaunchSpec{
		Path:    "app",
		Env:     map[string]string{"ONLY": "1"},
		EnvMode: EnvReplace,
	}

	got := spec.Environ([]string{"HOME=/root"})

	assert.Equal(t, []string{"ONLY=1"}, got)
}

func TestEnviron_TempDir(t *testing.T) {
	spec := LaunchSpec{Path: "app", TempDir: "/tmp/run"}

	got := spec.Environ([]string{"HOME=/root", TempDirEnv + "=/stale"})

	assert.Equal(t, []string{"HOME=/root", TempDirEnv + "=/tmp/run"}, got)
}

func TestParseEnvMode(t *testing.T) {
	tests := []struct {
		raw     string
		want    EnvMode
		wantErr bool
	}{
		{"", EnvMerge, false},
		{"merge", EnvMerge, false},
		{" Replace ", EnvReplace, false},
		{"inherit", EnvMerge, true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseEnvMode(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, apperrors.ErrConfiguration)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.String(), got.String())
		})
	}
}

func TestEnvMode_String(t *testing.T) {
	assert.Equal(t, "merge", EnvMerge.String())
	assert.Equal(t, "replace", EnvReplace.String())
	assert.Equal(t, "EnvMode(7)", EnvMode(7).String())
}
