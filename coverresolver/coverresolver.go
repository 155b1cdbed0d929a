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

// Package coverresolver walks from an arbitrary directory handle up toward
// the process's root, consulting a policy table at each step, to find the
// nearest covering DirEntry. It is the Go analogue of kern_unveil.c's
// unveil_find_cover.
package coverresolver

import (
	"github.com/nestybox/sysbox-libs/unveil/dirhandle"
)

// NoCover is returned when no ancestor of the starting handle is present in
// the table, all the way up to the process root.
const NoCover = -1

// Table is the subset of PolicyTable's surface CoverResolver needs: a way
// to ask "is this directory one of my declared entries, and if so at what
// index". Declared as an interface here (rather than importing policytable
// directly) so policytable can in turn depend on coverresolver without a
// import cycle.
type Table interface {
	IndexOf(id dirhandle.Identity) (int, bool)
}

// Find walks from dir towards root, returning the index of the nearest
// ancestor DirEntry present in table, or NoCover if none is found before
// reaching root (spec §4.3).
func Find(dir dirhandle.Handle, root dirhandle.Handle, table Table) int {
	v := dir

	for {
		if root != nil && v.SameAs(root) {
			return NoCover
		}

		// Step 2a: cross mount boundaries outward. v != root is already
		// guaranteed by the check above, so any mount root reached here is
		// safe to cross.
		if v.IsMountRoot() {
			over, err := v.MountedOver()
			if err != nil {
				return NoCover
			}
			v = over
			continue
		}

		// Step 2b/2c: ask the filesystem layer for the parent via "..".
		p, err := v.Parent()
		if err != nil {
			return NoCover
		}

		// Step 2d: is the parent a declared entry?
		if idx, ok := table.IndexOf(p.Identity()); ok {
			return idx
		}

		// Step 2e: self-parent means we reached a true root.
		if p.SameAs(v) {
			return NoCover
		}

		v = p
	}
}
