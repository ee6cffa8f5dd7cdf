package device

import (
	"sort"
	"sync"

	"github.com/maraver/planline/pkg/schema"
)

// Registry is a thread-safe name → device lookup table.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]Device
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		devices: make(map[string]Device),
	}
}

// Register adds a device to the registry. Returns error on duplicate name.
func (r *Registry) Register(d Device) error {
	if d == nil {
		return schema.NewError(schema.ErrCodeValidation, "device is nil")
	}
	name := d.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "device name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.devices[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "device %q already registered", name)
	}

	r.devices[name] = d
	return nil
}

// Readable retrieves a readable device by name.
func (r *Registry) Readable(name string) (Readable, error) {
	d, err := r.get(name)
	if err != nil {
		return nil, err
	}
	rd, ok := d.(Readable)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeDevice, "device %q is not readable", name).WithDevice(name)
	}
	return rd, nil
}

// Settable retrieves a settable device by name.
func (r *Registry) Settable(name string) (Settable, error) {
	d, err := r.get(name)
	if err != nil {
		return nil, err
	}
	sd, ok := d.(Settable)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeDevice, "device %q is not settable", name).WithDevice(name)
	}
	return sd, nil
}

func (r *Registry) get(name string) (Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "device %q not registered", name)
	}
	return d, nil
}

// Has checks if a device is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.devices[name]
	return ok
}

// Names returns all registered device names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.devices))
	for name := range r.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
