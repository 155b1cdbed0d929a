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

// Package lookup implements the three hooks the enclosing filename
// resolution machinery calls as it walks a path: StartRelative,
// CheckComponent and CheckFinal. Together they are the Go analogue of
// kern_unveil.c's unveil_start_relative / unveil_check_component /
// unveil_check_final.
package lookup

import (
	"github.com/nestybox/sysbox-libs/unveil/coverresolver"
	"github.com/nestybox/sysbox-libs/unveil/direntry"
	"github.com/nestybox/sysbox-libs/unveil/dirhandle"
	"github.com/nestybox/sysbox-libs/unveil/perm"
	"github.com/nestybox/sysbox-libs/unveil/policytable"
)

// requestableBits is the order the flag-matching rule iterates, and the
// order Parse/String use elsewhere.
var requestableBits = [...]perm.Perm{perm.READ, perm.WRITE, perm.EXEC, perm.CREATE}

// State is the per-resolution scratch space a single path walk carries: the
// permission mask the caller needs, the best matching DirEntry found so
// far, and a sticky denial flag.
//
// A State is created once per syscall-level path resolution and discarded
// when the resolution completes or is interrupted; it is never shared
// across lookups.
type State struct {
	requested    perm.Perm
	match        *direntry.DirEntry
	eaccesSticky bool

	// bypass marks a lookup the resolver has flagged as internal
	// (kernel-only), which unveil must not interfere with at all.
	bypass bool

	// mutation marks a lookup performed on behalf of the unveil syscall
	// itself, which instead of checking access merely records every
	// directory it walks through into traversed, for Add's step 6.
	mutation bool

	traversed []dirhandle.Handle
}

// New returns a State for an ordinary lookup requesting the given
// permission mask (zero is legal: a stat/access-style existence probe).
func New(requested perm.Perm) *State {
	return &State{requested: requested}
}

// NewBypass returns a State for a lookup the resolver has flagged to
// bypass unveil entirely (internal kernel operations).
func NewBypass() *State {
	return &State{bypass: true}
}

// NewMutation returns a State for the unveil syscall's own internal
// lookup of the path it is about to declare a policy for. CheckComponent
// on this State only accumulates Traversed(); it never checks access.
func NewMutation() *State {
	return &State{mutation: true}
}

// Match returns the DirEntry this lookup has currently matched, or nil.
func (s *State) Match() *direntry.DirEntry {
	return s.match
}

// EaccesSticky reports whether a flag mismatch against a USER_SET entry
// was observed at some ancestor of the current position.
func (s *State) EaccesSticky() bool {
	return s.eaccesSticky
}

// Traversed returns the directories recorded by CheckComponent while this
// State is in mutation mode, in walk order -- feeds ResolvedPath.Traversed
// for the subsequent Add call.
func (s *State) Traversed() []dirhandle.Handle {
	return s.traversed
}

// flagMatch is the flag-matching rule: every requested bit must be present
// in mask; a mismatch against anything other than a pure-INSPECT mask sets
// the lookup's sticky denial flag. A request for no bits at all (an
// existence/metadata probe) vacuously matches any non-revoked entry.
func flagMatch(s *State, mask perm.Perm) bool {
	ok := true
	for _, bit := range requestableBits {
		if !s.requested.Has(bit) {
			continue
		}
		if !mask.Has(bit) {
			if !mask.IsInspectOnly() {
				s.eaccesSticky = true
			}
			ok = false
		}
	}
	return ok
}

// StartRelative seeds a lookup's initial match from the directory the
// upcoming walk begins from; isCwdSentinel is true when the caller
// passed the process's current working directory (AT_FDCWD-equivalent)
// rather than an explicit starting file descriptor.
func StartRelative(pt *policytable.PolicyTable, s *State, startingDir dirhandle.Handle, isCwdSentinel bool) {
	if pt.Count() == 0 {
		return
	}

	var entry *direntry.DirEntry

	if isCwdSentinel {
		entry = pt.CwdEntry()
	} else if startingDir != nil {
		if idx, ok := pt.IndexOf(startingDir.Identity()); ok {
			entry = pt.Entry(idx)
		} else if idx := coverresolver.Find(startingDir, pt.Root(), pt); idx != coverresolver.NoCover {
			entry = pt.Entry(idx)
		}
	}

	if entry != nil && flagMatch(s, entry.Mask()) {
		s.match = entry
	}
}

// CheckComponent is called once per intermediate directory the resolver
// walks through, updating the current match. isDotDot marks a ".." ascent step;
// dir is the directory vnode involved in that step (the one being entered
// on descent, or the one being left on ascent).
func CheckComponent(pt *policytable.PolicyTable, s *State, dir dirhandle.Handle, isDotDot bool) {
	if s.mutation {
		s.traversed = append(s.traversed, dir)
		return
	}
	if s.bypass {
		return
	}

	if isDotDot {
		current := s.match
		if current != nil && current.Dir() != nil && current.Dir().SameAs(dir) {
			if cover := current.Cover(); cover != direntry.NoCover {
				s.match = pt.Entry(cover)
			} else {
				s.match = nil
			}
			s.eaccesSticky = false
		}
		return
	}

	idx, ok := pt.IndexOf(dir.Identity())
	if !ok {
		return
	}
	entry := pt.Entry(idx)
	if flagMatch(s, entry.Mask()) && entry.Mask().UserSet() {
		s.match = entry
	}
}

// CheckFinal is called once on the resolved terminal to render the final
// access decision. rp is the same fully-resolved path information the Mutation
// API's Add takes, since both need ni_vp/ni_dvp/the last component.
func CheckFinal(pt *policytable.PolicyTable, s *State, rp policytable.ResolvedPath) error {
	if s.bypass || s.mutation {
		return nil
	}

	switch {
	case rp.Final != nil && rp.FinalIsDir:
		if idx, ok := pt.IndexOf(rp.Final.Identity()); ok {
			entry := pt.Entry(idx)
			if flagMatch(s, entry.Mask()) {
				s.match = entry
				return nil
			}
			if entry.Mask().UserSet() {
				return policytable.ErrAccessDenied("directory flags do not satisfy request")
			}
			return policytable.ErrNotFound("directory flags do not satisfy request")
		}

	default:
		if rp.Parent == nil {
			break
		}
		idx, ok := pt.IndexOf(rp.Parent.Identity())
		if !ok {
			break
		}
		entry := pt.Entry(idx)

		if p, found := entry.LookupName(rp.LastComponent); found {
			if flagMatch(s, p) {
				s.match = entry
				return nil
			}
			return policytable.ErrAccessDenied("name flags do not satisfy request")
		}

		if flagMatch(s, entry.Mask()) {
			if entry.Mask().UserSet() {
				s.match = entry
			}
		} else if entry.Mask().UserSet() {
			return policytable.ErrAccessDenied("parent directory flags do not satisfy request")
		}
	}

	if s.match != nil {
		return nil
	}
	if s.eaccesSticky {
		return policytable.ErrAccessDenied("ancestor flag mismatch observed during walk")
	}
	return policytable.ErrNotFound("no covering policy entry")
}
