//go:build windows

package process

import (
	"os"
	"os/exec"
	"strings"
)

// setSysProcAttr sets Windows-specific process attributes.
// On Windows, Setpgid is not available, so this is a no-op.
func setSysProcAttr(cmd *exec.Cmd) {
}

func isExecutable(info os.FileInfo) bool {
	switch strings.ToLower(extOf(info.Name())) {
	case ".exe", ".com", ".bat", ".cmd":
		return true
	default:
		return false
	}
}

func extOf(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i:]
	}
	return ""
}

// terminateProcess has no graceful signal to send on Windows.
func terminateProcess(cmd *exec.Cmd) error {
	return killProcess(cmd)
}

func killProcess(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return os.ErrProcessDone
	}
	return cmd.Process.Kill()
}
