package revoke

import (
	"testing"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/nestybox/sysbox-libs/unveil/dirhandle"
	"github.com/nestybox/sysbox-libs/unveil/policytable"
	"github.com/nestybox/sysbox-libs/unveil/privilege"
)

func privilegedProc() policytable.ProcessIdentity {
	return policytable.ProcessIdentity{
		Pid: 1,
		Capabilities: &specs.LinuxCapabilities{
			Effective: []string{privilege.DeclareCap},
		},
	}
}

func mustOpen(t *testing.T, fs *dirhandle.MemFS, path string) dirhandle.Handle {
	t.Helper()
	if err := fs.Mkdir(path); err != nil {
		t.Fatalf("Mkdir(%s): %v", path, err)
	}
	h, err := fs.Open(path)
	if err != nil {
		t.Fatalf("Open(%s): %v", path, err)
	}
	return h
}

func TestNewRejectsOutOfRangePollInterval(t *testing.T) {
	if _, err := New(Cfg{PollInterval: time.Microsecond, EventBufSize: 1}); err == nil {
		t.Fatal("expected an error for a poll interval below PollMin")
	}
	if _, err := New(Cfg{PollInterval: time.Hour, EventBufSize: 1}); err == nil {
		t.Fatal("expected an error for a poll interval above PollMax")
	}
}

func TestWatcherRevokesRemovedDirectory(t *testing.T) {
	fs := dirhandle.NewMemFS()
	root := mustOpen(t, fs, "/")
	pt := policytable.New(policytable.DefaultConfig(), privilegedProc(), root)

	d := mustOpen(t, fs, "/d")
	rp := policytable.ResolvedPath{Final: d, FinalIsDir: true}
	if err := pt.Add(rp, "r"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	pollInterval := 20 * time.Millisecond
	w, err := New(Cfg{PollInterval: pollInterval, EventBufSize: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()
	w.Watch(pt)

	if err := fs.Remove("/d"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	select {
	case events := <-w.Events():
		if len(events) != 1 {
			t.Fatalf("got %d events, want 1", len(events))
		}
		if events[0].Identity != d.Identity() {
			t.Fatalf("event identity = %+v, want %+v", events[0].Identity, d.Identity())
		}
		if events[0].Table != pt {
			t.Fatal("event should name the table the entry was revoked from")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a revoke event")
	}

	idx, ok := pt.IndexOf(d.Identity())
	if ok {
		t.Fatalf("revoked directory should no longer be indexed (idx=%d)", idx)
	}
}

func TestForgetStopsSweepingATable(t *testing.T) {
	fs := dirhandle.NewMemFS()
	root := mustOpen(t, fs, "/")
	pt := policytable.New(policytable.DefaultConfig(), privilegedProc(), root)

	d := mustOpen(t, fs, "/d")
	rp := policytable.ResolvedPath{Final: d, FinalIsDir: true}
	if err := pt.Add(rp, "r"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	pollInterval := 20 * time.Millisecond
	w, err := New(Cfg{PollInterval: pollInterval, EventBufSize: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	w.Watch(pt)
	w.Forget(pt)

	if err := fs.Remove("/d"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	select {
	case events := <-w.Events():
		t.Fatalf("did not expect any events after Forget, got %+v", events)
	case <-time.After(5 * pollInterval):
		// expected: nothing arrived
	}

	if _, ok := pt.IndexOf(d.Identity()); !ok {
		t.Fatal("entry should remain present; the watcher was told to forget this table")
	}
}

func TestSweepTableSkipsEmptyTable(t *testing.T) {
	fs := dirhandle.NewMemFS()
	root := mustOpen(t, fs, "/")
	pt := policytable.New(policytable.DefaultConfig(), privilegedProc(), root)

	if events := sweepTable(pt); events != nil {
		t.Fatalf("expected no events for a table with nothing tracked, got %+v", events)
	}
}
