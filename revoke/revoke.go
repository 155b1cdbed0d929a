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

// Package revoke watches every directory referenced by a set of registered
// PolicyTables for external removal or unmount, and revokes the matching
// DirEntry in place when one disappears. It uses a simple polling algorithm,
// the same shape fileMonitor uses to watch plain files.
package revoke

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nestybox/sysbox-libs/unveil/dirhandle"
	"github.com/nestybox/sysbox-libs/unveil/policytable"
)

// polling config limits, mirroring fileMonitor's PollMin/PollMax.
const (
	PollMin = 10 * time.Millisecond
	PollMax = 60 * time.Second
)

// Cfg holds the revoke watcher's tunables.
type Cfg struct {
	PollInterval time.Duration
	EventBufSize int
}

func validateCfg(cfg *Cfg) error {
	if cfg.PollInterval < PollMin || cfg.PollInterval > PollMax {
		return fmt.Errorf("invalid config: poll interval must be in range [%s, %s]; found %s", PollMin, PollMax, cfg.PollInterval)
	}
	return nil
}

// Event reports one directory identity found stale (removed or unmounted)
// during a poll, and the table it was revoked from.
type Event struct {
	Table    *policytable.PolicyTable
	Identity dirhandle.Identity
	Err      error
}

// Watcher periodically sweeps every registered PolicyTable's live entries,
// revoking any whose directory handle has gone stale, and compacting the
// table afterwards to keep it from growing unbounded over a long process
// lifetime (see policytable.Compact's grounding note).
type Watcher struct {
	mu     sync.Mutex
	cfg    Cfg
	tables map[*policytable.PolicyTable]bool

	eventCh chan []Event
	stopCh  chan struct{}
	done    chan struct{}
}

// New starts a Watcher running its poll loop in the background. Callers
// register PolicyTables to watch via Watch.
func New(cfg Cfg) (*Watcher, error) {
	if err := validateCfg(&cfg); err != nil {
		return nil, err
	}

	w := &Watcher{
		cfg:     cfg,
		tables:  make(map[*policytable.PolicyTable]bool),
		eventCh: make(chan []Event, cfg.EventBufSize),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}

	go watch(w)

	return w, nil
}

// Watch registers pt to be swept on every poll interval.
func (w *Watcher) Watch(pt *policytable.PolicyTable) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tables[pt] = true
}

// Forget stops sweeping pt, typically called once its process has exited
// and Destroy has already released its handles.
func (w *Watcher) Forget(pt *policytable.PolicyTable) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.tables, pt)
}

// Events returns the channel revocation events are published on.
func (w *Watcher) Events() <-chan []Event {
	return w.eventCh
}

// Close stops the poll loop and waits for it to exit.
func (w *Watcher) Close() {
	close(w.stopCh)
	<-w.done
}

func watch(w *Watcher) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer func() {
		ticker.Stop()
		close(w.done)
	}()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			sweep(w)
		}
	}
}

func sweep(w *Watcher) {
	w.mu.Lock()
	tables := make([]*policytable.PolicyTable, 0, len(w.tables))
	for pt := range w.tables {
		tables = append(tables, pt)
	}
	w.mu.Unlock()

	var events []Event
	for _, pt := range tables {
		events = append(events, sweepTable(pt)...)
	}

	if len(events) > 0 {
		w.eventCh <- events
	}
}

// sweepTable checks every live entry's directory handle for staleness,
// revoking and logging the ones that are gone, then compacts the table.
func sweepTable(pt *policytable.PolicyTable) []Event {
	if len(pt.TrackedIdentities()) == 0 {
		return nil
	}

	var events []Event
	for i := 0; i < pt.Count(); i++ {
		e := pt.Entry(i)
		if e == nil || e.Revoked() {
			continue
		}
		dir := e.Dir()
		if dir == nil || !dir.Stale() {
			continue
		}

		id := dir.Identity()
		if pt.Revoke(id) == 0 {
			continue
		}
		logrus.Warnf("unveil: revoke watcher found %s gone, entry revoked", dir.Path())
		events = append(events, Event{Table: pt, Identity: id})
	}

	pt.Compact()
	return events
}
