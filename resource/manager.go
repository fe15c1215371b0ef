// Package resource provides a store of values identified by stable handles.
package resource

import (
	"errors"
	"fmt"
	"slices"
)

// ErrNoSuchHandle is returned when a handle does not identify a stored value.
var ErrNoSuchHandle = errors.New("no such handle")

// Handle is an opaque token identifying one value stored in a Manager.
// The zero Handle is never minted.
type Handle uint64

// String returns a string representation of the handle.
func (h Handle) String() string {
	return fmt.Sprintf(":%08x", uint64(h))
}

// IsValid reports whether h could have been minted by a Manager.
func (h Handle) IsValid() bool {
	return h != 0
}

type entry[V any] struct {
	value V
	name  string
}

// Manager owns values of type V and hands out a unique Handle for each.
//
// Handles are minted from a monotonic counter and are never reused, not even
// after Remove. A Manager is not safe for concurrent use: it belongs to one
// system and must only be touched from that system's goroutine.
type Manager[V any] struct {
	entries map[Handle]*entry[V]

	// Counter for generating unique handles
	handleCounter uint64
}

// NewManager creates an empty Manager.
func NewManager[V any]() *Manager[V] {
	return &Manager[V]{
		entries: make(map[Handle]*entry[V]),
	}
}

// Wrap takes ownership of value, stores it under a fresh handle together
// with name, used only for diagnostics, and returns the handle.
func (m *Manager[V]) Wrap(value V, name string) Handle {
	m.handleCounter++
	h := Handle(m.handleCounter)

	m.entries[h] = &entry[V]{value: value, name: name}
	return h
}

// Get returns the value stored under h.
func (m *Manager[V]) Get(h Handle) (V, error) {
	e, ok := m.entries[h]
	if !ok {
		var zero V
		return zero, fmt.Errorf("get %s: %w", h, ErrNoSuchHandle)
	}
	return e.value, nil
}

// Name returns the diagnostic name stored with h.
func (m *Manager[V]) Name(h Handle) (string, error) {
	e, ok := m.entries[h]
	if !ok {
		return "", fmt.Errorf("name %s: %w", h, ErrNoSuchHandle)
	}
	return e.name, nil
}

// Replace swaps the value stored under h, keeping the handle and its name.
func (m *Manager[V]) Replace(h Handle, value V) error {
	e, ok := m.entries[h]
	if !ok {
		return fmt.Errorf("replace %s: %w", h, ErrNoSuchHandle)
	}
	e.value = value
	return nil
}

// Remove deletes h and gives the stored value back to the caller.
func (m *Manager[V]) Remove(h Handle) (V, error) {
	e, ok := m.entries[h]
	if !ok {
		var zero V
		return zero, fmt.Errorf("remove %s: %w", h, ErrNoSuchHandle)
	}
	delete(m.entries, h)
	return e.value, nil
}

// Lookup returns the oldest live handle stored under name.
func (m *Manager[V]) Lookup(name string) (Handle, bool) {
	var found Handle
	for h, e := range m.entries {
		if e.name == name && (found == 0 || h < found) {
			found = h
		}
	}
	return found, found != 0
}

// Len returns the number of stored values.
func (m *Manager[V]) Len() int {
	return len(m.entries)
}

// Handles returns all live handles in minting order.
func (m *Manager[V]) Handles() []Handle {
	handles := make([]Handle, 0, len(m.entries))
	for h := range m.entries {
		handles = append(handles, h)
	}
	slices.Sort(handles)
	return handles
}

// Range calls fn for every live handle in minting order until fn returns
// false. fn must not add or remove handles.
func (m *Manager[V]) Range(fn func(h Handle, name string, value V) bool) {
	for _, h := range m.Handles() {
		e := m.entries[h]
		if !fn(h, e.name, e.value) {
			return
		}
	}
}
