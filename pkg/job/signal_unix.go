//go:build unix

package job

import (
	"errors"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// SystemSignaler sends signals with kill(2).
type SystemSignaler struct{}

func (SystemSignaler) Signal(pid int, sig syscall.Signal) error {
	return unix.Kill(pid, sig)
}

// ProcessTree walks the descendants of a pid through gopsutil.
type ProcessTree struct{}

// Tree returns pid first, then its descendants depth first.
func (ProcessTree) Tree(pid int) ([]int, error) {
	root, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, err
	}
	pids := []int{pid}
	seen := map[int32]bool{root.Pid: true}

	var walk func(p *process.Process) error
	walk = func(p *process.Process) error {
		children, err := p.Children()
		if err != nil {
			if errors.Is(err, process.ErrorNoChildren) {
				return nil
			}
			return err
		}
		for _, c := range children {
			if seen[c.Pid] {
				continue
			}
			seen[c.Pid] = true
			pids = append(pids, int(c.Pid))
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(root); err != nil {
		return pids, err
	}
	return pids, nil
}
