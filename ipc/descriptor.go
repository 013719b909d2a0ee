package ipc

import (
	"sync"

	"github.com/anillo-os/kernel-core/internal/errkind"
)

// DescriptorTable maps small integer handles to owned resources (here,
// *Channel and raw memory mappings) for a single address space, the
// userspace-facing half of an attachment's "translate from a handle"
// journey described in §4.3.
//
// Grounded on eventloop/registry.go's registry (monotonic ID allocation plus
// a guarded map), simplified: this table's entries are removed explicitly on
// close/transfer rather than scavenged via weak pointers, since descriptors
// here are always owned outright (no separate GC-able promise object to
// race against).
type DescriptorTable struct {
	mu      sync.Mutex
	nextID  uint32
	entries map[uint32]any // *Channel or []byte (a mapping)
}

// NewDescriptorTable returns an empty table.
func NewDescriptorTable() *DescriptorTable {
	return &DescriptorTable{entries: make(map[uint32]any)}
}

// Install assigns a fresh handle to res and returns it.
func (d *DescriptorTable) Install(res any) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.entries[id] = res
	return id
}

// Lookup resolves a handle without removing it.
func (d *DescriptorTable) Lookup(handle uint32) (any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.entries[handle]
	return v, ok
}

// Uninstall removes a handle (used once a transfer commits, or on an
// explicit close), returning the resource that was installed there.
func (d *DescriptorTable) Uninstall(handle uint32) (any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.entries[handle]
	if ok {
		delete(d.entries, handle)
	}
	return v, ok
}

// Channel resolves handle as a *Channel descriptor specifically.
func (d *DescriptorTable) Channel(handle uint32) (*Channel, error) {
	v, ok := d.Lookup(handle)
	if !ok {
		return nil, errkind.New(errkind.NoSuchResource, "ipc.descriptor_table.channel")
	}
	ch, ok := v.(*Channel)
	if !ok {
		return nil, errkind.New(errkind.InvalidArgument, "ipc.descriptor_table.channel")
	}
	return ch, nil
}
