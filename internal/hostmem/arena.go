// Package hostmem provides host memory arenas that back simulated platform
// memory blocks.
package hostmem

import "github.com/pkg/errors"

var ErrClosed = errors.New("hostmem: arena is closed")

// Arena is a contiguous host allocation. Executable arenas are kept
// read+exec and are opened for writing only inside Write.
type Arena struct {
	buf    []byte
	exec   bool
	closed bool
}

func (a *Arena) Len() int {
	return len(a.buf)
}

func (a *Arena) Executable() bool {
	return a.exec
}

// ReadAt copies arena bytes at off into b.
func (a *Arena) ReadAt(b []byte, off int) (int, error) {
	if a.closed {
		return 0, ErrClosed
	}
	if off < 0 || off > len(a.buf) {
		return 0, errors.New("hostmem: read out of range")
	}
	n := copy(b, a.buf[off:])
	return n, nil
}

// Write copies b into the arena at off.
func (a *Arena) Write(b []byte, off int) (int, error) {
	if a.closed {
		return 0, ErrClosed
	}
	if off < 0 || off > len(a.buf) || len(b) > len(a.buf)-off {
		return 0, errors.New("hostmem: write out of range")
	}
	if err := a.unlock(); err != nil {
		return 0, err
	}
	n := copy(a.buf[off:], b)
	return n, a.lock()
}

// Close releases the arena.
func (a *Arena) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	err := a.release()
	a.buf = nil
	return err
}
