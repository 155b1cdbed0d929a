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

// Package policytable implements PolicyTable, the per-process fixed-capacity
// array of DirEntries, and the Mutation API and Lifecycle operations that
// build and move it around (add, fork-copy, destroy, revoke-in-place).
package policytable

import (
	"sync"

	mapset "github.com/deckarep/golang-set"
	"github.com/sirupsen/logrus"

	"github.com/nestybox/sysbox-libs/unveil/coverresolver"
	"github.com/nestybox/sysbox-libs/unveil/dirhandle"
	"github.com/nestybox/sysbox-libs/unveil/direntry"
	"github.com/nestybox/sysbox-libs/unveil/name"
	"github.com/nestybox/sysbox-libs/unveil/perm"
	"github.com/nestybox/sysbox-libs/unveil/privilege"
)

// kind distinguishes the two shapes Add's resolved target can take.
type kind int

const (
	kindDirectory kind = iota
	kindName
)

// ResolvedPath is the information the enclosing filename-resolution
// machinery has already produced by the time it calls Add: the final vnode
// (if the path exists), its parent, the last path component, and the
// ordered list of directories traversed to get there (ni_tvp in
// filename-resolution terms).
type ResolvedPath struct {
	// Final is ni_vp: the fully resolved terminal vnode, or nil if the
	// final component does not exist.
	Final dirhandle.Handle

	// FinalIsDir reports whether Final, when non-nil, names a directory.
	FinalIsDir bool

	// Parent is ni_dvp: the directory holding the final component.
	Parent dirhandle.Handle

	// LastComponent is the final path component's name.
	LastComponent name.Name

	// Traversed is ni_tvp[]: every intermediate directory the resolver
	// walked through before reaching Parent/Final, in walk order. It does
	// not include Parent or Final themselves.
	Traversed []dirhandle.Handle
}

// PolicyTable is the per-process declared path set: a fixed-capacity array
// of DirEntries plus its bookkeeping.
type PolicyTable struct {
	mu sync.Mutex

	cfg  Config
	proc ProcessIdentity

	// root is the process's restricted root (or the system root), the
	// upper bound CoverResolver stops walking at.
	root dirhandle.Handle

	// cwd is the process's current working directory handle, used to
	// recompute cwdEntry after each mutation. May be nil if the process
	// has not reported one (LookupHooks then treats the cwd sentinel as
	// unresolved rather than erroring).
	cwd dirhandle.Handle

	entries []*direntry.DirEntry
	index   map[dirhandle.Identity]int

	namesTotal int
	cwdEntry   int
	finalized  bool

	// lastTraversed records the directories the most recent Add call
	// auto-interposed (step 6), exposed via TraversedDirs for observability
	// -- a supplement to the unveil_add_traversed_vnodes-style bookkeeping.
	lastTraversed []dirhandle.Handle
}

// New returns an empty PolicyTable bound to proc and rooted at root. The
// caller is expected to create this only on the first mutation call for a
// process (lazy allocation), not at process-creation time.
func New(cfg Config, proc ProcessIdentity, root dirhandle.Handle) *PolicyTable {
	return &PolicyTable{
		cfg:      cfg,
		proc:     proc,
		root:     root,
		index:    make(map[dirhandle.Identity]int),
		cwdEntry: direntry.NoCover,
	}
}

// IndexOf implements coverresolver.Table and direntry lookup by identity.
// Revoked entries are never indexed, so a lookup by a stale identity
// correctly misses.
func (t *PolicyTable) IndexOf(id dirhandle.Identity) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.index[id]
	return idx, ok
}

// lockedIndex is the coverresolver.Table view of a PolicyTable for code that
// already holds t.mu (IndexOf itself would lock it a second time).
type lockedIndex struct{ t *PolicyTable }

func (l lockedIndex) IndexOf(id dirhandle.Identity) (int, bool) {
	idx, ok := l.t.index[id]
	return idx, ok
}

// Count returns the number of occupied entry slots (including revoked ones,
// per I6, until compaction).
func (t *PolicyTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// NamesTotal returns the sum of NameSet cardinalities across all entries
// (invariant I4).
func (t *PolicyTable) NamesTotal() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.namesTotal
}

// Entry returns the DirEntry at idx, or nil if idx is out of range.
func (t *PolicyTable) Entry(idx int) *direntry.DirEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx < 0 || idx >= len(t.entries) {
		return nil
	}
	return t.entries[idx]
}

// Root returns the process's restricted root (or system root), the upper
// bound CoverResolver stops walking at. Exposed so LookupHooks can perform
// its own CoverResolver.Find calls against the same boundary Add uses.
func (t *PolicyTable) Root() dirhandle.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root
}

// CwdEntry returns the DirEntry covering the process's cwd, or nil.
func (t *PolicyTable) CwdEntry() *direntry.DirEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cwdEntry == direntry.NoCover {
		return nil
	}
	return t.entries[t.cwdEntry]
}

// SetCwd records the process's current working directory handle and
// recomputes cwdEntry against the table as it stands. New callers should
// call it once at construction if the process's initial cwd is already
// known.
func (t *PolicyTable) SetCwd(cwd dirhandle.Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cwd = cwd
	t.recomputeCwdEntryLocked()
}

func (t *PolicyTable) recomputeCwdEntryLocked() {
	if t.cwd == nil {
		t.cwdEntry = direntry.NoCover
		return
	}
	if idx, ok := t.index[t.cwd.Identity()]; ok {
		t.cwdEntry = idx
		return
	}
	t.cwdEntry = coverresolver.Find(t.cwd, t.root, lockedIndex{t})
}

// Finalized reports whether the table has been finalized: no further
// mutation is expected for enforcement to proceed. This implementation
// exposes an explicit Finalize call rather than inferring finalization
// from some "first non-additive event".
func (t *PolicyTable) Finalized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finalized
}

// Finalize marks the table as finalized. Every subsequent Add fails with
// EPERM; lookups are unaffected.
func (t *PolicyTable) Finalize() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finalized = true
}

// checkMutableLocked enforces the two gates a mutation must pass before
// touching any state: the table must not be finalized, and the process must
// still hold the capability this module treats as "may shrink/grow its own
// sandbox" (see the privilege package). Caller must hold t.mu.
func (t *PolicyTable) checkMutableLocked() error {
	if t.finalized {
		return ErrNotPermitted("policy table is finalized")
	}
	if !t.proc.HasCapability(privilege.DeclareCap) {
		return ErrNotPermitted("process lacks " + privilege.DeclareCap)
	}
	return nil
}

// Add is the table's Mutation API entry point. rp must be fully resolved by
// the caller (the filename-resolution machinery, out of scope here); Add
// never performs its own path walk.
func (t *PolicyTable) Add(rp ResolvedPath, permString string) error {
	p, err := perm.Parse(permString)
	if err != nil {
		return ErrInvalid(err.Error())
	}
	p |= perm.USER_SET

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkMutableLocked(); err != nil {
		return err
	}

	// Step 3: capacity check against the worst case -- this Add plus every
	// traversed directory not yet present.
	newDirs := 0
	for _, d := range rp.Traversed {
		if _, ok := t.index[d.Identity()]; !ok {
			newDirs++
		}
	}

	var targetKind kind
	var target dirhandle.Handle

	// Step 4: choose target and kind.
	if rp.Final != nil && rp.FinalIsDir {
		targetKind = kindDirectory
		target = rp.Final
	} else {
		targetKind = kindName
		target = rp.Parent
	}
	if target == nil || !target.IsDir() {
		return ErrNotDir("unveil target is not a directory")
	}

	targetIdx, targetPresent := t.index[target.Identity()]
	if !targetPresent {
		newDirs++
	}
	if len(t.entries)+newDirs > t.cfg.MaxDirs {
		return ErrTooBig("would exceed max_dirs")
	}
	if targetKind == kindName && !targetPresent && t.namesTotal+1 > t.cfg.MaxNames {
		return ErrTooBig("would exceed max_names")
	}
	if targetKind == kindName && targetPresent {
		if _, found := t.entries[targetIdx].LookupName(rp.LastComponent); !found && t.namesTotal+1 > t.cfg.MaxNames {
			return ErrTooBig("would exceed max_names")
		}
	}

	// Step 5.
	switch {
	case targetPresent && targetKind == kindDirectory:
		t.entries[targetIdx].SetMask(p)

	case targetPresent && targetKind == kindName:
		if t.entries[targetIdx].ReplaceName(rp.LastComponent, p) {
			// already existed, no names_total change
		} else {
			t.namesTotal++
		}

	default: // absent: a brand new DirEntry for target itself
		idx := t.createEntryLocked(target)
		if targetKind == kindDirectory {
			t.entries[idx].SetMask(p)
		} else {
			t.entries[idx].InsertName(rp.LastComponent, p)
			t.namesTotal++
		}
	}

	// Step 6: auto-interpose every traversed directory not yet present,
	// with INSPECT only (no USER_SET -- these are the core's doing, not
	// the caller's).
	t.lastTraversed = t.lastTraversed[:0]
	for _, d := range rp.Traversed {
		if _, ok := t.index[d.Identity()]; ok {
			continue
		}
		t.createEntryLocked(d)
		t.lastTraversed = append(t.lastTraversed, d)
	}

	// Step 7.
	t.recomputeCwdEntryLocked()

	return nil
}

// createEntryLocked installs a brand new DirEntry for dir, appends it,
// indexes it, computes its cover, and recomputes every sibling whose cover
// pointed at the same ancestor (an incremental recompute, rather than
// walking the whole table). Caller must hold t.mu.
func (t *PolicyTable) createEntryLocked(dir dirhandle.Handle) int {
	e := direntry.New(dir)
	idx := len(t.entries)
	t.entries = append(t.entries, e)
	t.index[dir.Identity()] = idx

	displaced := coverresolver.Find(dir, t.root, lockedIndex{t})
	e.SetCover(displaced)

	// Only entries whose cover equaled the new entry's own cover could be
	// interposed by it; everything else's nearest ancestor is unaffected.
	for i, other := range t.entries {
		if i == idx || other.Revoked() {
			continue
		}
		if other.Cover() != displaced {
			continue
		}
		other.SetCover(coverresolver.Find(other.Dir(), t.root, lockedIndex{t}))
	}

	logrus.Debugf("unveil: declared %s (cover=%d)", dir.Path(), displaced)
	return idx
}

// Copy implements the Lifecycle "copy on fork" operation: a deep clone of
// every DirEntry, with the child's directory handles ref-bumped in reg.
// childHandle maps each of the parent's handles (root, cwd and every live
// entry's directory) to the handle the child should hold, letting the caller
// substitute handles owned by the child's own open-file table rather than
// sharing the parent's.
func (t *PolicyTable) Copy(reg *dirhandle.Registry, childHandle func(dirhandle.Handle) dirhandle.Handle) *PolicyTable {
	t.mu.Lock()
	defer t.mu.Unlock()

	child := &PolicyTable{
		cfg:        t.cfg,
		proc:       t.proc,
		root:       childHandle(t.root),
		index:      make(map[dirhandle.Identity]int, len(t.entries)),
		namesTotal: t.namesTotal,
		cwdEntry:   t.cwdEntry,
		finalized:  t.finalized,
	}
	if t.cwd != nil {
		child.cwd = childHandle(t.cwd)
	}

	for i, e := range t.entries {
		if e.Revoked() {
			child.entries = append(child.entries, e.Clone(nil))
			continue
		}
		dir := childHandle(e.Dir())
		reg.Pin(dir.Identity())
		clone := e.Clone(dir)
		child.entries = append(child.entries, clone)
		child.index[dir.Identity()] = i
	}

	return child
}

// Destroy implements the Lifecycle "destroy on exit" operation: releases
// every pinned directory handle's reverse-counter reference in reg, closes
// the handle, and drops the table's own state. Direntry handles that are
// already nil (revoked) are skipped.
func (t *PolicyTable) Destroy(reg *dirhandle.Registry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.entries {
		dir := e.Dir()
		if dir == nil {
			continue
		}
		reg.Unpin(dir.Identity())
		dir.Close()
	}
	t.entries = nil
	t.index = make(map[dirhandle.Identity]int)
	t.namesTotal = 0
	t.cwdEntry = direntry.NoCover
}

// Revoke implements policy_revoke for this one table: every DirEntry whose
// Dir currently has the given identity is cleared in place.
// It returns how many entries were revoked (0 or 1 under invariant I5,
// barring a caller that has not yet compacted a previously revoked slot
// reusing the same identity -- which cannot happen since identities are
// never reused while uvcount is positive).
func (t *PolicyTable) Revoke(id dirhandle.Identity) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.index[id]
	if !ok {
		return 0
	}
	t.entries[idx].Revoke()
	delete(t.index, id)
	if t.cwdEntry == idx {
		t.cwdEntry = direntry.NoCover
	}
	logrus.Warnf("unveil: entry at index %d revoked (identity %+v)", idx, id)
	return 1
}

// Compact drops revoked slots, shrinking entries and renumbering index.
// Lookups never require this (revoked entries are simply skipped), but long
// lived processes that repeatedly declare and lose paths will otherwise
// grow entries without bound below MaxDirs; the revoke watcher calls this
// periodically.
func (t *PolicyTable) Compact() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.entries[:0]
	removed := 0
	remap := make(map[int]int, len(t.entries))
	for i, e := range t.entries {
		if e.Revoked() {
			removed++
			continue
		}
		remap[i] = len(kept)
		kept = append(kept, e)
	}
	t.entries = kept

	for i := range t.entries {
		if c := t.entries[i].Cover(); c != direntry.NoCover {
			if nc, ok := remap[c]; ok {
				t.entries[i].SetCover(nc)
			} else {
				t.entries[i].SetCover(direntry.NoCover)
			}
		}
	}

	newIndex := make(map[dirhandle.Identity]int, len(t.entries))
	for id, old := range t.index {
		if nc, ok := remap[old]; ok {
			newIndex[id] = nc
		}
	}
	t.index = newIndex

	if t.cwdEntry != direntry.NoCover {
		if nc, ok := remap[t.cwdEntry]; ok {
			t.cwdEntry = nc
		} else {
			t.cwdEntry = direntry.NoCover
		}
	}

	return removed
}

// uniqueIdentities is a small helper TrackedIdentities uses to compute a
// set of identities for the revoke poller without duplicates, wired to golang-set the way
// idShiftUtils/shiftfs deduplicate id mappings.
func uniqueIdentities(ids []dirhandle.Identity) []dirhandle.Identity {
	s := mapset.NewThreadUnsafeSet()
	for _, id := range ids {
		s.Add(id)
	}
	out := make([]dirhandle.Identity, 0, s.Cardinality())
	for _, v := range s.ToSlice() {
		out = append(out, v.(dirhandle.Identity))
	}
	return out
}

// TraversedDirs returns the directories the most recent Add call
// auto-interposed with an INSPECT-only entry -- every directory in
// ResolvedPath.Traversed that was not already present in the table before
// that call, in walk order. Returns an empty slice before the first Add.
func (t *PolicyTable) TraversedDirs() []dirhandle.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]dirhandle.Handle, len(t.lastTraversed))
	copy(out, t.lastTraversed)
	return out
}

// TrackedIdentities returns every distinct directory identity this table
// currently references, for the revoke poller.
func (t *PolicyTable) TrackedIdentities() []dirhandle.Identity {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]dirhandle.Identity, 0, len(t.entries))
	for _, e := range t.entries {
		if e.Revoked() {
			continue
		}
		ids = append(ids, e.Dir().Identity())
	}
	return uniqueIdentities(ids)
}
