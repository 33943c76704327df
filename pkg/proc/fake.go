package proc

import (
	"sync"
	"syscall"
)

// Fake is an in-memory Manager for tests. PIDs must be registered with
// SetAlive before they exist; Terminate records the request but leaves the
// process running (a real SIGTERM is only a request), while Kill removes it.
type Fake struct {
	mu         sync.Mutex
	alive      map[int]bool
	terminated []int
	killed     []int

	// TerminateErr and KillErr, when set, are returned by the respective
	// calls instead of the default behavior.
	TerminateErr error
	KillErr      error
}

// NewFake returns an empty fake process table.
func NewFake() *Fake {
	return &Fake{alive: make(map[int]bool)}
}

// SetAlive adds or removes a PID from the fake process table.
func (f *Fake) SetAlive(pid int, alive bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if alive {
		f.alive[pid] = true
	} else {
		delete(f.alive, pid)
	}
}

func (f *Fake) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func (f *Fake) Terminate(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.TerminateErr != nil {
		return f.TerminateErr
	}
	if !f.alive[pid] {
		return syscall.ESRCH
	}
	f.terminated = append(f.terminated, pid)
	return nil
}

func (f *Fake) Kill(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.KillErr != nil {
		return f.KillErr
	}
	if !f.alive[pid] {
		return syscall.ESRCH
	}
	f.killed = append(f.killed, pid)
	delete(f.alive, pid)
	return nil
}

// Terminated returns the PIDs that received a Terminate call, in order.
func (f *Fake) Terminated() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.terminated...)
}

// Killed returns the PIDs that received a Kill call, in order.
func (f *Fake) Killed() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.killed...)
}
