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

// Package nameset implements NameSet, an ordered associative container
// mapping a path component to a permission mask. One NameSet lives inside
// each DirEntry, holding the sub-file overrides declared beneath that
// directory.
//
// NameSet itself does no locking: the owning DirEntry serializes readers and
// writers with its own rw-lock, per spec. The set is kept as a slice sorted
// by name.Compare and probed with binary search, which is simpler than a
// balanced tree and plenty fast at the sizes MAX_NAMES bounds this to (a
// couple hundred entries at most).
package nameset

import (
	"sort"

	"github.com/nestybox/sysbox-libs/unveil/name"
	"github.com/nestybox/sysbox-libs/unveil/perm"
)

type entry struct {
	name name.Name
	perm perm.Perm
}

// NameSet is a set of (Name, Perm) pairs keyed uniquely by Name.
type NameSet struct {
	entries []entry
}

// New returns an empty NameSet.
func New() *NameSet {
	return &NameSet{}
}

func (s *NameSet) search(n name.Name) (int, bool) {
	i := sort.Search(len(s.entries), func(i int) bool {
		return !name.Less(s.entries[i].name, n)
	})
	if i < len(s.entries) && s.entries[i].name == n {
		return i, true
	}
	return i, false
}

// Insert inserts (n, p) if n is absent, returning true. If n is already
// present, Insert leaves it untouched and returns false; use Replace to
// change an existing entry's permission.
func (s *NameSet) Insert(n name.Name, p perm.Perm) bool {
	i, found := s.search(n)
	if found {
		return false
	}
	s.entries = append(s.entries, entry{})
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = entry{name: n, perm: p}
	return true
}

// Replace sets n's permission to exactly p, with no merge of the previous
// value. Returns true if n was already present (and therefore replaced),
// false if this call inserted a new entry.
func (s *NameSet) Replace(n name.Name, p perm.Perm) bool {
	i, found := s.search(n)
	if found {
		s.entries[i].perm = p
		return true
	}
	s.entries = append(s.entries, entry{})
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = entry{name: n, perm: p}
	return false
}

// Lookup returns n's permission and true if present, or the zero Perm and
// false otherwise.
func (s *NameSet) Lookup(n name.Name) (perm.Perm, bool) {
	i, found := s.search(n)
	if !found {
		return 0, false
	}
	return s.entries[i].perm, true
}

// Len returns the number of entries currently in the set.
func (s *NameSet) Len() int {
	return len(s.entries)
}

// Drain removes every entry and returns how many were removed.
func (s *NameSet) Drain() int {
	n := len(s.entries)
	s.entries = nil
	return n
}

// Each calls f for every (Name, Perm) pair in sort order. f must not mutate
// the NameSet.
func (s *NameSet) Each(f func(name.Name, perm.Perm)) {
	for _, e := range s.entries {
		f(e.name, e.perm)
	}
}
