package util

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	ps "github.com/mitchellh/go-ps"
)

// PidFile keeps two copies of the same worker from running on one host.
// Two fulfillment workers on one host would be harmless for
// correctness, but they would double the NSQ in-flight count and the
// provider request rate.
type PidFile struct {
	Path string
}

func NewPidFile(path string) *PidFile {
	return &PidFile{Path: path}
}

// Acquire writes this process' pid to the file. It returns an error if
// the file names another process that is still running. A file left
// behind by a dead process is overwritten.
func (p *PidFile) Acquire() error {
	if pid := p.Read(); pid != 0 && pid != os.Getpid() && ProcessIsRunning(pid) {
		return fmt.Errorf("pid file %s belongs to running process %d", p.Path, pid)
	}
	return os.WriteFile(p.Path, []byte(strconv.Itoa(os.Getpid())), 0664)
}

// Release removes the file, but only if it still holds our pid.
func (p *PidFile) Release() error {
	pid := p.Read()
	if pid == 0 {
		return nil
	}
	if pid != os.Getpid() {
		return fmt.Errorf("pid file %s belongs to process %d, not %d", p.Path, pid, os.Getpid())
	}
	return os.Remove(p.Path)
}

// Read returns the pid recorded in the file, or zero if there is no
// readable pid.
func (p *PidFile) Read() int {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// ProcessIsRunning returns true if the process with pid is running.
// This uses go-ps internally because golang's os.FindProcess always
// returns a process on *nix, even when no process with that pid is
// running.
func ProcessIsRunning(pid int) bool {
	proc, _ := ps.FindProcess(pid)
	return proc != nil
}
