// ABOUTME: Process-wide exclusive device bindings
// ABOUTME: Rejects a second binding of a device that is already in use
package capture

import (
	"fmt"
	"sync"

	"github.com/childmindresearch/MoBI-AV/internal/media"
)

type binding struct {
	modality media.Modality
	deviceID string
}

// Registry tracks which devices are bound to a session
type Registry struct {
	mu    sync.Mutex
	bound map[binding]struct{}
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{bound: make(map[binding]struct{})}
}

// Acquire binds a device or fails with ErrDeviceBusy
func (r *Registry) Acquire(m media.Modality, deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := binding{modality: m, deviceID: deviceID}
	if _, ok := r.bound[b]; ok {
		return fmt.Errorf("%w: %s device %q", ErrDeviceBusy, m, deviceID)
	}
	r.bound[b] = struct{}{}
	return nil
}

// Release unbinds a device; releasing an unbound device is a no-op
func (r *Registry) Release(m media.Modality, deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bound, binding{modality: m, deviceID: deviceID})
}

// Bound reports whether a device is currently bound
func (r *Registry) Bound(m media.Modality, deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.bound[binding{modality: m, deviceID: deviceID}]
	return ok
}
