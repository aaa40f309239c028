// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package msgtun

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

type directoryEntry[H any] struct {
	key     string
	handler H
	gen     uint64
}

// Directory maps keys or URL prefixes to handlers. Lookups match the
// first registered prefix in insertion order.
type Directory[H any] struct {
	mu      sync.RWMutex
	entries []*directoryEntry[H]
	lastGen uint64
}

// Registration is returned by Directory.Register.
type Registration struct {
	Key    string
	remove func() bool
}

// Remove removes the registration unless it has been superseded by a
// later registration of the same key. It returns true if it removed it.
func (reg *Registration) Remove() bool {
	if reg == nil || reg.remove == nil {
		return false
	}
	return reg.remove()
}

func (d *Directory[H]) findLocked(key string) int {
	for i, e := range d.entries {
		if e.key == key {
			return i
		}
	}
	return -1
}

// Register maps key to handler, superseding any earlier registration
// of the same key while keeping its position. An empty key is replaced
// by a random UUID.
func (d *Directory[H]) Register(key string, handler H) *Registration {
	if key == "" {
		key = uuid.New().String()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastGen++
	gen := d.lastGen
	if i := d.findLocked(key); i >= 0 {
		d.entries[i].handler = handler
		d.entries[i].gen = gen
	} else {
		d.entries = append(d.entries, &directoryEntry[H]{key: key, handler: handler, gen: gen})
	}
	return &Registration{
		Key: key,
		remove: func() bool {
			d.mu.Lock()
			defer d.mu.Unlock()
			if i := d.findLocked(key); i >= 0 && d.entries[i].gen == gen {
				d.removeLocked(i)
				return true
			}
			return false
		},
	}
}

func (d *Directory[H]) removeLocked(i int) {
	copy(d.entries[i:], d.entries[i+1:])
	d.entries[len(d.entries)-1] = nil
	d.entries = d.entries[:len(d.entries)-1]
}

// Lookup returns the first registration whose key is a prefix of urlOrKey.
func (d *Directory[H]) Lookup(urlOrKey string) (key string, handler H, ok bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, e := range d.entries {
		if strings.HasPrefix(urlOrKey, e.key) {
			return e.key, e.handler, true
		}
	}
	return
}

// LookupKey returns the handler registered under exactly key.
func (d *Directory[H]) LookupKey(key string) (handler H, ok bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if i := d.findLocked(key); i >= 0 {
		return d.entries[i].handler, true
	}
	return
}

// Remove removes key regardless of who registered it.
func (d *Directory[H]) Remove(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i := d.findLocked(key); i >= 0 {
		d.removeLocked(i)
		return true
	}
	return false
}

// RemoveOnGone removes key after its endpoint was found to be gone.
func (d *Directory[H]) RemoveOnGone(key string) bool {
	removed := d.Remove(key)
	if removed {
		l := componentLogger("directory")
		l.Info().Str("key", key).Msg("endpoint gone")
	}
	return removed
}

// OnEndpointChanged rebinds an existing key to handler, keeping its
// position. It returns false if the key is not registered.
func (d *Directory[H]) OnEndpointChanged(key string, handler H) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i := d.findLocked(key); i >= 0 {
		d.entries[i].handler = handler
		return true
	}
	return false
}

// Keys returns the registered keys in insertion order.
func (d *Directory[H]) Keys() (keys []string) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, e := range d.entries {
		keys = append(keys, e.key)
	}
	return
}

// Len returns the number of registrations.
func (d *Directory[H]) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}
