//go:build unix

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// Isolate puts cmd in its own process group so that killing it also kills
// whatever it spawned. It must be called before cmd.Start.
func Isolate(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	cmd.Cancel = func() error {
		return killGroup(cmd.Process)
	}
}

// killGroup signals p's whole process group, falling back to p alone when p
// does not lead a group.
func killGroup(p *os.Process) error {
	if pgid, err := syscall.Getpgid(p.Pid); err == nil && pgid == p.Pid {
		err := syscall.Kill(-pgid, syscall.SIGKILL)
		if err == nil || errors.Is(err, syscall.ESRCH) {
			return nil
		}
	}
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
