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

// Package procreg registers the processes the engine is tracking policy
// tables for, pinning each one to a pidfd-backed liveness prober so a
// revocation sweep that races a process exit and the kernel's pid reuse
// safely fails the liveness check instead of mutating a PolicyTable that
// has already been freed. Adapted from the pidfd package, whose pidfd_open
// support sysbox otherwise only uses for an equivalent race-free liveness
// check.
package procreg

import (
	"errors"
	"fmt"
	"sync"
	"syscall"

	"github.com/nestybox/sysbox-libs/unveil/policytable"
)

// ErrNotRegistered is returned by operations on a pid this Registry does
// not currently track.
var ErrNotRegistered = errors.New("procreg: pid not registered")

// prober is the liveness-check surface a registered process needs; the
// production implementation is pidFd.sendSignal(0), tests substitute a
// fake so they never depend on a real kernel pidfd.
type prober interface {
	alive() (bool, error)
	close() error
}

type pidfdProber struct {
	fd pidFd
}

func (p *pidfdProber) alive() (bool, error) {
	err := p.fd.sendSignal(syscall.Signal(0))
	if err == nil {
		return true, nil
	}
	var errno syscall.Errno
	if errors.As(err, &errno) && errno == syscall.ESRCH {
		return false, nil
	}
	return false, err
}

func (p *pidfdProber) close() error {
	return p.fd.close()
}

func openProber(pid int) (prober, error) {
	fd, err := openPidFd(pid)
	if err != nil {
		return nil, fmt.Errorf("procreg: pidfd_open(%d): %w", pid, err)
	}
	return &pidfdProber{fd: fd}, nil
}

type registration struct {
	table  *policytable.PolicyTable
	prober prober
}

// Registry maps a live pid to the PolicyTable it owns, pinned behind a
// pidfd-backed liveness prober.
type Registry struct {
	mu      sync.Mutex
	entries map[int]*registration
	openFn  func(pid int) (prober, error)
}

// New returns an empty Registry backed by real pidfd_open probes.
func New() *Registry {
	return &Registry{
		entries: make(map[int]*registration),
		openFn:  openProber,
	}
}

// Register pins pid to table behind a freshly opened pidfd. Replacing an
// already-registered pid closes its previous prober first.
func (r *Registry) Register(pid int, table *policytable.PolicyTable) error {
	p, err := r.openFn(pid)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.entries[pid]; ok {
		old.prober.close()
	}
	r.entries[pid] = &registration{table: table, prober: p}
	return nil
}

// Unregister closes pid's prober and drops it from the registry. Safe to
// call on a pid that was never registered.
func (r *Registry) Unregister(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[pid]
	if !ok {
		return
	}
	e.prober.close()
	delete(r.entries, pid)
}

// Table returns the PolicyTable registered for pid.
func (r *Registry) Table(pid int) (*policytable.PolicyTable, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[pid]
	if !ok {
		return nil, false
	}
	return e.table, true
}

// Alive reports whether pid is still alive, using the pidfd pinned at
// Register time rather than re-resolving pid against /proc -- the whole
// point being that this check cannot be fooled by pid reuse in the window
// between the check and whatever the caller does with the result.
func (r *Registry) Alive(pid int) (bool, error) {
	r.mu.Lock()
	e, ok := r.entries[pid]
	r.mu.Unlock()
	if !ok {
		return false, ErrNotRegistered
	}
	return e.prober.alive()
}

// Sweep checks every registered pid's liveness and unregisters (closing
// its prober) any found dead, returning the pids reaped so the caller can
// also Destroy each one's PolicyTable.
func (r *Registry) Sweep() []int {
	r.mu.Lock()
	pids := make([]int, 0, len(r.entries))
	for pid := range r.entries {
		pids = append(pids, pid)
	}
	r.mu.Unlock()

	var dead []int
	for _, pid := range pids {
		alive, err := r.Alive(pid)
		if err != nil {
			continue
		}
		if alive {
			continue
		}
		dead = append(dead, pid)
		r.Unregister(pid)
	}
	return dead
}

// Len returns the number of currently registered pids.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// ForEach calls fn once per currently registered (pid, table) pair, over a
// snapshot taken under lock so fn itself may call back into the Registry
// (e.g. Unregister) without deadlocking.
func (r *Registry) ForEach(fn func(pid int, table *policytable.PolicyTable)) {
	r.mu.Lock()
	pairs := make([]struct {
		pid   int
		table *policytable.PolicyTable
	}, 0, len(r.entries))
	for pid, e := range r.entries {
		pairs = append(pairs, struct {
			pid   int
			table *policytable.PolicyTable
		}{pid, e.table})
	}
	r.mu.Unlock()

	for _, p := range pairs {
		fn(p.pid, p.table)
	}
}
