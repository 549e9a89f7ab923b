//go:build unix

package hostmem

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Map reserves size bytes of anonymous host memory.
func Map(size int, exec bool) (*Arena, error) {
	if size <= 0 {
		return nil, errors.Errorf("hostmem: invalid size %d", size)
	}
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "hostmem: mmap %d bytes", size)
	}
	a := &Arena{buf: buf, exec: exec}
	if err := a.lock(); err != nil {
		_ = unix.Munmap(buf)
		return nil, err
	}
	return a, nil
}

func (a *Arena) unlock() error {
	if !a.exec {
		return nil
	}
	if err := unix.Mprotect(a.buf, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return errors.Wrap(err, "hostmem: unlock")
	}
	return nil
}

func (a *Arena) lock() error {
	if !a.exec {
		return nil
	}
	if err := unix.Mprotect(a.buf, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return errors.Wrap(err, "hostmem: lock")
	}
	return nil
}

func (a *Arena) release() error {
	if err := unix.Munmap(a.buf); err != nil {
		return errors.Wrap(err, "hostmem: munmap")
	}
	return nil
}
