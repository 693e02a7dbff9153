//go:build !unix

package process

import (
	"errors"
	"os"
	"os/exec"
)

// Isolate is a no-op where process groups are unavailable.
func Isolate(cmd *exec.Cmd) {}

func killGroup(p *os.Process) error {
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
