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

// Package unveil is the module root: it wires perm, name, nameset,
// dirhandle, mountinfo, direntry, coverresolver, policytable, lookup,
// revoke and procreg behind the seven external operations a kernel-level
// unveil(2) implementation exposes (add, copy-on-fork, destroy-on-teardown,
// start/check-component/check-final for lookup, and revoke), plus the
// per-process "unveil-denied" accounting bit.
package unveil

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nestybox/sysbox-libs/unveil/dirhandle"
	"github.com/nestybox/sysbox-libs/unveil/lookup"
	"github.com/nestybox/sysbox-libs/unveil/policytable"
	"github.com/nestybox/sysbox-libs/unveil/procreg"
	"github.com/nestybox/sysbox-libs/unveil/revoke"
)

// Engine owns one PolicyTable per tracked process, a shared directory-handle
// reverse-reference Registry, a procreg.Registry pinning each tracked pid to
// a race-free liveness prober, and a revoke.Watcher sweeping every tracked
// table's directories for external removal. A single Engine is meant to be
// shared across every process a host is enforcing unveil policy for.
type Engine struct {
	cfg     policytable.Config
	procs   *procreg.Registry
	handles *dirhandle.Registry
	watcher *revoke.Watcher

	stopDrain chan struct{}

	mu          sync.Mutex
	tables      map[int]*policytable.PolicyTable
	deniedPids  map[int]bool
	deniedTotal uint64
}

// New starts an Engine, including its background revoke watcher, governed
// by cfg (the MAX_DIRS/MAX_NAMES capacity constants, plus the
// implementation-tunable revoke poll interval).
func New(cfg policytable.Config) (*Engine, error) {
	w, err := revoke.New(revoke.Cfg{PollInterval: cfg.RevokePollInterval, EventBufSize: 64})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:        cfg,
		procs:      procreg.New(),
		handles:    dirhandle.NewRegistry(),
		watcher:    w,
		stopDrain:  make(chan struct{}),
		tables:     make(map[int]*policytable.PolicyTable),
		deniedPids: make(map[int]bool),
	}

	go e.drainRevokeEvents()

	return e, nil
}

// drainRevokeEvents keeps the watcher's event channel from filling up and
// blocking the poll loop. A caller that wants to react to revocations
// should watch Events itself; this goroutine only exists so an Engine is
// usable out of the box without one.
func (e *Engine) drainRevokeEvents() {
	for {
		select {
		case <-e.stopDrain:
			return
		case _, ok := <-e.watcher.Events():
			if !ok {
				return
			}
		}
	}
}

// Events exposes the revoke watcher's event stream directly, for a caller
// that wants to observe revocations. The Engine's own drain goroutine keeps
// reading the same channel, so each event batch goes to whichever reader
// receives it first.
func (e *Engine) Events() <-chan []revoke.Event {
	return e.watcher.Events()
}

// Close stops the revoke watcher and this Engine's background drain loop.
func (e *Engine) Close() {
	close(e.stopDrain)
	e.watcher.Close()
}

func (e *Engine) tableFor(pid int) (*policytable.PolicyTable, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tables[pid]
	return t, ok
}

// PolicyAdd implements policy_add: it declares permString over rp's
// resolved target for proc, lazily allocating proc's PolicyTable on first
// use and registering it with the process
// registry and revoke watcher the first time a mutation for this pid
// succeeds.
func (e *Engine) PolicyAdd(proc policytable.ProcessIdentity, root dirhandle.Handle, rp policytable.ResolvedPath, permString string) error {
	e.mu.Lock()
	t, existed := e.tables[proc.Pid]
	if !existed {
		t = policytable.New(e.cfg, proc, root)
	}
	e.mu.Unlock()

	if err := t.Add(rp, permString); err != nil {
		return err
	}

	if !existed {
		e.mu.Lock()
		e.tables[proc.Pid] = t
		e.mu.Unlock()

		if err := e.procs.Register(proc.Pid, t); err != nil {
			logrus.Warnf("unveil: pidfd registration failed for pid %d: %v", proc.Pid, err)
		}
		e.watcher.Watch(t)
	}

	return nil
}

// PolicyCopy implements "copy on fork": childPid inherits a deep clone of
// parentPid's PolicyTable, with every directory handle re-opened through
// childHandle (so the child's clone references its own open-file table, not
// the parent's) and ref-bumped in the shared dirhandle.Registry. A parent
// with no PolicyTable of its own (it never called policy_add) leaves the
// child with none either.
func (e *Engine) PolicyCopy(parentPid, childPid int, childHandle func(dirhandle.Handle) dirhandle.Handle) error {
	parent, ok := e.tableFor(parentPid)
	if !ok {
		return nil
	}

	child := parent.Copy(e.handles, childHandle)

	e.mu.Lock()
	e.tables[childPid] = child
	e.mu.Unlock()

	if err := e.procs.Register(childPid, child); err != nil {
		logrus.Warnf("unveil: pidfd registration failed for pid %d: %v", childPid, err)
	}
	e.watcher.Watch(child)

	return nil
}

// PolicyDestroy implements "destroy on teardown": releases pid's PolicyTable
// (unpinning every directory handle it held), stops the revoke watcher from
// sweeping it, and drops its pidfd registration and accounting state. Safe
// to call on a pid with no PolicyTable.
func (e *Engine) PolicyDestroy(pid int) {
	e.mu.Lock()
	t, ok := e.tables[pid]
	delete(e.tables, pid)
	delete(e.deniedPids, pid)
	e.mu.Unlock()

	if !ok {
		return
	}

	t.Destroy(e.handles)
	e.watcher.Forget(t)
	e.procs.Unregister(pid)
}

// PolicyStartRelative implements policy_start_relative, a no-op for a pid
// with no PolicyTable (unveil has nothing declared for it, so every lookup
// proceeds unrestricted).
func (e *Engine) PolicyStartRelative(pid int, s *lookup.State, startingDir dirhandle.Handle, isCwdSentinel bool) {
	t, ok := e.tableFor(pid)
	if !ok {
		return
	}
	lookup.StartRelative(t, s, startingDir, isCwdSentinel)
}

// PolicyCheckComponent implements policy_check_component, a no-op for a pid
// with no PolicyTable.
func (e *Engine) PolicyCheckComponent(pid int, s *lookup.State, dir dirhandle.Handle, isDotDot bool) {
	t, ok := e.tableFor(pid)
	if !ok {
		return
	}
	lookup.CheckComponent(t, s, dir, isDotDot)
}

// PolicyCheckFinal implements policy_check_final. A pid with no PolicyTable
// is left unrestricted (nil error). Every EACCES/ENOENT this returns sets
// pid's unveil-denied accounting bit, mirroring ps_acflag |= AUNVEIL in the
// original.
func (e *Engine) PolicyCheckFinal(pid int, s *lookup.State, rp policytable.ResolvedPath) error {
	t, ok := e.tableFor(pid)
	if !ok {
		return nil
	}

	err := lookup.CheckFinal(t, s, rp)

	if errno, isErrno := policytable.Errno(err); isErrno && (errno == unix.EACCES || errno == unix.ENOENT) {
		e.mu.Lock()
		e.deniedPids[pid] = true
		e.mu.Unlock()
		atomic.AddUint64(&e.deniedTotal, 1)
	}

	return err
}

// PolicyRevoke implements policy_revoke: the filesystem layer calls this
// once, on the destruction of a single directory handle, and the Engine
// fans it out to every tracked process's PolicyTable, since more than one
// process may have declared the same directory. It returns
// the total number of entries revoked across every table.
func (e *Engine) PolicyRevoke(id dirhandle.Identity) int {
	e.mu.Lock()
	tables := make([]*policytable.PolicyTable, 0, len(e.tables))
	for _, t := range e.tables {
		tables = append(tables, t)
	}
	e.mu.Unlock()

	total := 0
	for _, t := range tables {
		total += t.Revoke(id)
	}
	return total
}

// DeniedCount returns the number of EACCES/ENOENT denials PolicyCheckFinal
// has produced across every process this Engine has ever tracked.
func (e *Engine) DeniedCount() uint64 {
	return atomic.LoadUint64(&e.deniedTotal)
}

// Denied reports whether pid's unveil-denied accounting bit is set: whether
// PolicyCheckFinal has ever returned EACCES or ENOENT for it.
func (e *Engine) Denied(pid int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deniedPids[pid]
}

// Process is a thin, pid-scoped view onto an Engine's accounting state, for
// a caller that would rather carry one value around than thread both the
// Engine and the pid through its own call chain.
type Process struct {
	engine *Engine
	pid    int
}

// ForProcess returns a Process handle scoped to pid.
func (e *Engine) ForProcess(pid int) Process {
	return Process{engine: e, pid: pid}
}

// Pid returns the process id this handle is scoped to.
func (p Process) Pid() int { return p.pid }

// Denied reports whether this process's unveil-denied accounting bit is
// set.
func (p Process) Denied() bool { return p.engine.Denied(p.pid) }
