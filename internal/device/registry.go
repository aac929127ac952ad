// internal/device/registry.go
package device

import (
	"errors"
	"fmt"
	"sync"
)

// Minors is the size of the minor number space shared by all devices.
const Minors = 256

var ErrRegistryFull = errors.New("device: no free device index")

// Registry hands out device indexes. Each index owns perdev minors, so at
// most Minors/perdev devices exist at once.
type Registry struct {
	mu     sync.Mutex
	perDev int
	used   []bool
}

// NewRegistry creates a registry for perDev minors per device.
func NewRegistry(perDev int) (*Registry, error) {
	if perDev <= 0 || perDev > Minors {
		return nil, fmt.Errorf("device: perdev minors must be in 1..%d, got %d", Minors, perDev)
	}
	return &Registry{perDev: perDev, used: make([]bool, Minors/perDev)}, nil
}

// Max is the number of devices the registry can hold.
func (r *Registry) Max() int { return len(r.used) }

// Allocate reserves the lowest free index.
func (r *Registry) Allocate() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, u := range r.used {
		if !u {
			r.used[i] = true
			return i, nil
		}
	}
	return -1, ErrRegistryFull
}

// Free releases an index. Freeing an unused index is a no-op.
func (r *Registry) Free(i int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= 0 && i < len(r.used) {
		r.used[i] = false
	}
}

// FirstMinor is the first minor number of index i.
func (r *Registry) FirstMinor(i int) int { return i * r.perDev }

// Name is the disk name for index i.
func Name(i int) string { return fmt.Sprintf("mmcblk%d", i) }
