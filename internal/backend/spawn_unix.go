//go:build !windows

package backend

import (
	"os"
	"os/exec"
	"syscall"
)

// spawnDetached starts the command in its own session with stdio redirected
// to logFile, then releases the process handle so the launcher can exit
// independently of the server.
func spawnDetached(command []string, logFile *os.File) (int, error) {
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	return pid, nil
}
