// Package process spawns and supervises the application under test.
// It owns exactly one OS process per Handle and never touches the
// environment of the harness process itself.
package process

import (
	"fmt"
	"maps"
	"sort"
	"strings"

	apperrors "github.com/Kryndex/spectron/pkg/errors"
)

const (
	// TempDirEnv is the variable the child receives when LaunchSpec.TempDir is set.
	TempDirEnv = "SPECTRON_TEMP_DIR"
	// QuitMarker is the file a well-behaved app writes into its temp dir on
	// graceful shutdown.
	QuitMarker = "quit.txt"
)

// EnvMode controls how LaunchSpec.Env combines with the inherited environment.
type EnvMode int

const (
	// EnvMerge layers Env over the inherited environment.
	EnvMerge EnvMode = iota
	// EnvReplace gives the child only the variables in Env.
	EnvReplace
)

// String returns the config spelling of the mode.
func (m EnvMode) String() string {
	switch m {
	case EnvMerge:
		return "merge"
	case EnvReplace:
		return "replace"
	default:
		return fmt.Sprintf("EnvMode(%d)", int(m))
	}
}

// ParseEnvMode accepts "merge" (or empty) and "replace".
func ParseEnvMode(raw string) (EnvMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "merge":
		return EnvMerge, nil
	case "replace":
		return EnvReplace, nil
	default:
		return EnvMerge, apperrors.Newf(apperrors.ErrCodeConfiguration, "unknown env mode %q", raw)
	}
}

// LaunchSpec describes how to start the application.
// Treat it as immutable; the launcher works on a Clone.
type LaunchSpec struct {
	Path    string
	Args    []string
	Env     map[string]string
	EnvMode EnvMode
	Dir     string
	// TempDir is handed to the child as SPECTRON_TEMP_DIR. A well-behaved
	// app writes its quit marker there on graceful shutdown.
	TempDir string
}

// Option customises a LaunchSpec built by NewLaunchSpec.
type Option func(*LaunchSpec)

// WithArgs sets the ordered argument list.
func WithArgs(args ...string) Option {
	return func(s *LaunchSpec) {
		s.Args = append([]string(nil), args...)
	}
}

// WithEnv sets the environment entries passed to the child.
func WithEnv(env map[string]string) Option {
	return func(s *LaunchSpec) {
		s.Env = maps.Clone(env)
	}
}

// WithEnvMode selects merge or replace semantics for Env.
func WithEnvMode(mode EnvMode) Option {
	return func(s *LaunchSpec) {
		s.EnvMode = mode
	}
}

// WithDir sets the working directory.
func WithDir(dir string) Option {
	return func(s *LaunchSpec) {
		s.Dir = dir
	}
}

// WithTempDir sets the directory exported as SPECTRON_TEMP_DIR.
func WithTempDir(dir string) Option {
	return func(s *LaunchSpec) {
		s.TempDir = dir
	}
}

// NewLaunchSpec builds and validates a LaunchSpec.
func NewLaunchSpec(path string, opts ...Option) (LaunchSpec, error) {
	spec := LaunchSpec{Path: path}
	for _, opt := range opts {
		if opt != nil {
			opt(&spec)
		}
	}
	if err := spec.Validate(); err != nil {
		return LaunchSpec{}, err
	}
	return spec, nil
}

// Validate checks whether the spec is usable.
func (s LaunchSpec) Validate() error {
	if strings.TrimSpace(s.Path) == "" {
		return apperrors.New(apperrors.ErrCodeConfiguration, "launch path is required")
	}
	if s.EnvMode != EnvMerge && s.EnvMode != EnvReplace {
		return apperrors.Newf(apperrors.ErrCodeConfiguration, "unknown env mode %d", int(s.EnvMode))
	}
	for key := range s.Env {
		if key == "" || strings.ContainsAny(key, "=\x00") {
			return apperrors.Newf(apperrors.ErrCodeConfiguration, "invalid environment variable name %q", key)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (s LaunchSpec) Clone() LaunchSpec {
	out := s
	if s.Args != nil {
		out.Args = append([]string(nil), s.Args...)
	}
	if s.Env != nil {
		out.Env = maps.Clone(s.Env)
	}
	return out
}

// Environ builds the child's environment from base (normally os.Environ()).
// In merge mode inherited entries keep their order and only overridden keys
// change; new keys are appended sorted.
func (s LaunchSpec) Environ(base []string) []string {
	overrides := maps.Clone(s.Env)
	if overrides == nil {
		overrides = make(map[string]string)
	}
	if s.TempDir != "" {
		overrides[TempDirEnv] = s.TempDir
	}

	var out []string
	seen := make(map[string]bool, len(overrides))
	if s.EnvMode == EnvMerge {
		out = make([]string, 0, len(base)+len(overrides))
		for _, kv := range base {
			key, _, ok := strings.Cut(kv, "=")
			if !ok {
				continue
			}
			if val, override := overrides[key]; override {
				if seen[key] {
					continue
				}
				out = append(out, key+"="+val)
				seen[key] = true
				continue
			}
			out = append(out, kv)
		}
	}

	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		if !seen[key] {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		out = append(out, key+"="+overrides[key])
	}
	return out
}
