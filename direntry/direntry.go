//
// Copyright 2024 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package direntry defines DirEntry, one declared directory inside a
// process's policy table: the directory handle it pins, the directory-wide
// permission mask, the NameSet of sub-file overrides, and the index of its
// nearest covering ancestor within the same policy table.
package direntry

import (
	"sync"

	"github.com/nestybox/sysbox-libs/unveil/dirhandle"
	"github.com/nestybox/sysbox-libs/unveil/name"
	"github.com/nestybox/sysbox-libs/unveil/nameset"
	"github.com/nestybox/sysbox-libs/unveil/perm"
)

// NoCover marks a DirEntry with no ancestor entry in its policy table.
const NoCover = -1

// DirEntry is one directory a process has declared a policy for.
type DirEntry struct {
	mu sync.RWMutex

	dir   dirhandle.Handle // nil once revoked
	mask  perm.Perm
	names *nameset.NameSet
	cover int // index into the owning PolicyTable, or NoCover
}

// New returns a DirEntry pinning dir, with the INSPECT-only mask new
// entries are created with (spec §4.2), an empty NameSet, and cover set to
// NoCover until the caller computes it.
func New(dir dirhandle.Handle) *DirEntry {
	return &DirEntry{
		dir:   dir,
		mask:  perm.INSPECT,
		names: nameset.New(),
		cover: NoCover,
	}
}

// Dir returns the pinned directory handle, or nil if the entry has been
// revoked.
func (e *DirEntry) Dir() dirhandle.Handle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dir
}

// Revoked reports whether this entry's directory handle has been cleared by
// revocation (invariant I6).
func (e *DirEntry) Revoked() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dir == nil
}

// Mask returns the directory-wide permission mask.
func (e *DirEntry) Mask() perm.Perm {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mask
}

// SetMask replaces the directory-wide permission mask (no merge, per P4).
func (e *DirEntry) SetMask(p perm.Perm) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mask = p
}

// Cover returns the index of the nearest covering ancestor in the owning
// PolicyTable, or NoCover.
func (e *DirEntry) Cover() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cover
}

// SetCover updates the cover index.
func (e *DirEntry) SetCover(idx int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cover = idx
}

// LookupName looks up a sub-file override under read lock.
func (e *DirEntry) LookupName(n name.Name) (perm.Perm, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.names.Lookup(n)
}

// InsertName inserts (n, p) if absent, under write lock. Returns true if
// inserted (the caller should bump the policy table's names_total).
func (e *DirEntry) InsertName(n name.Name, p perm.Perm) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.names.Insert(n, p)
}

// ReplaceName sets n's permission to exactly p, under write lock. Returns
// true if n already existed.
func (e *DirEntry) ReplaceName(n name.Name, p perm.Perm) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.names.Replace(n, p)
}

// NameCount returns the number of sub-file overrides under read lock.
func (e *DirEntry) NameCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.names.Len()
}

// Clone deep-copies e for fork: a fresh NameSet with the same entries, the
// same cover index, and a caller-supplied (already ref-bumped) directory
// handle standing in for the parent's.
func (e *DirEntry) Clone(dir dirhandle.Handle) *DirEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()

	clone := &DirEntry{
		dir:   dir,
		mask:  e.mask,
		names: nameset.New(),
		cover: e.cover,
	}
	e.names.Each(func(n name.Name, p perm.Perm) {
		clone.names.Insert(n, p)
	})
	return clone
}

// Revoke clears dir and mask in place (spec §4.6 / invariant I6), leaving
// the slot occupied but inert. The NameSet is left untouched; it plays no
// further role in lookups once dir is nil, and is dropped wholesale when the
// slot is compacted or the table destroyed.
func (e *DirEntry) Revoke() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dir = nil
	e.mask = 0
}
