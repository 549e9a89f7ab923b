//go:build !unix

package hostmem

import "github.com/pkg/errors"

// Map reserves size bytes of heap memory. Execute permission is recorded but
// not enforced on this platform.
func Map(size int, exec bool) (*Arena, error) {
	if size <= 0 {
		return nil, errors.Errorf("hostmem: invalid size %d", size)
	}
	return &Arena{buf: make([]byte, size), exec: exec}, nil
}

func (a *Arena) unlock() error { return nil }

func (a *Arena) lock() error { return nil }

func (a *Arena) release() error { return nil }
