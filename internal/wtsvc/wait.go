package wtsvc

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// WaitHandle is a wakeable object whose readable state signals pending work.
// Set and Clear are idempotent. Fd returns a descriptor a host event loop can
// poll for readability; the owner never reads from it directly.
type WaitHandle interface {
	Set()
	Clear()
	IsSet() bool
	Fd() int
	Close() error
}

// pipeWait implements WaitHandle over a non-blocking pipe pair. Readability
// of the read end tracks the signalled state.
type pipeWait struct {
	mu  sync.Mutex
	set bool
	r   int
	w   int
}

func newWaitHandle() (WaitHandle, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("wait handle pipe: %w", err)
	}
	return &pipeWait{r: p[0], w: p[1]}, nil
}

func (p *pipeWait) Set() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.set {
		return
	}
	if _, err := unix.Write(p.w, []byte{0}); err == nil || err == unix.EAGAIN {
		p.set = true
	}
}

func (p *pipeWait) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.set {
		return
	}
	var drain [16]byte
	for {
		n, err := unix.Read(p.r, drain[:])
		if n < len(drain) || err != nil {
			break
		}
	}
	p.set = false
}

func (p *pipeWait) IsSet() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.set
}

func (p *pipeWait) Fd() int {
	return p.r
}

func (p *pipeWait) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	werr := unix.Close(p.w)
	rerr := unix.Close(p.r)
	if werr != nil {
		return werr
	}
	return rerr
}
