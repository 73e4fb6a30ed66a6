package apptest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Kryndex/spectron/pkg/process"
)

// ModeEnv selects the fake app behaviour when a test binary re-executes itself.
const ModeEnv = "SPECTRON_FAKE_APP"

// Modes understood by Main.
const (
	// ModeServe behaves like a well-formed app.
	ModeServe = "serve"
	// ModeNeverReady starts but never opens its debugging port.
	ModeNeverReady = "never-ready"
	// ModeCrash exits with status 3 right away.
	ModeCrash = "crash"
	// ModeHang serves but ignores Browser.close and SIGTERM.
	ModeHang = "hang"
	// ModeExitAfterReady serves briefly, then exits on its own.
	ModeExitAfterReady = "exit-after-ready"
)

const debugPortFlag = "--remote-debugging-port="

// MaybeRun turns the current process into the fake app when ModeEnv is set.
// Call it first thing in TestMain.
func MaybeRun() {
	mode := os.Getenv(ModeEnv)
	if mode == "" {
		return
	}
	os.Exit(Main(mode, os.Args))
}

// LaunchSpec returns a spec that re-executes the running test binary as the
// fake app in the given mode.
func LaunchSpec(mode string, opts ...process.Option) (process.LaunchSpec, error) {
	exe, err := os.Executable()
	if err != nil {
		return process.LaunchSpec{}, err
	}
	spec, err := process.NewLaunchSpec(exe, opts...)
	if err != nil {
		return process.LaunchSpec{}, err
	}
	env := make(map[string]string, len(spec.Env)+1)
	for k, v := range spec.Env {
		env[k] = v
	}
	env[ModeEnv] = mode
	spec.Env = env
	return spec, nil
}

// Main runs the fake app and returns its exit status.
func Main(mode string, argv []string) int {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	switch mode {
	case ModeCrash:
		fmt.Fprintln(os.Stderr, "fake app crashing")
		return 3
	case ModeNeverReady:
		time.Sleep(time.Hour)
		return 0
	case ModeHang:
		signal.Ignore(syscall.SIGTERM)
	}

	port, err := debugPort(argv)
	if err != nil {
		logger.Error("missing debugging port", "error", err)
		return 2
	}

	app := NewApp(Options{
		Argv:        argv,
		Env:         environMap(os.Environ()),
		TempDir:     os.Getenv(process.TempDirEnv),
		IgnoreClose: mode == ModeHang,
		Logger:      logger,
	})

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		logger.Error("listen failed", "error", err)
		return 2
	}
	srv := &http.Server{Handler: app.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serve failed", "error", err)
		}
	}()
	fmt.Println("fake app ready on", ln.Addr())

	var exitAfter <-chan time.Time
	if mode == ModeExitAfterReady {
		exitAfter = time.After(2 * time.Second)
	}

	select {
	case <-app.Quit():
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		return 0
	case <-exitAfter:
		_ = srv.Close()
		return 0
	}
}

func debugPort(argv []string) (int, error) {
	for _, arg := range argv {
		if raw, ok := strings.CutPrefix(arg, debugPortFlag); ok {
			return strconv.Atoi(raw)
		}
	}
	return 0, fmt.Errorf("%s not given", strings.TrimSuffix(debugPortFlag, "="))
}

func environMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}
