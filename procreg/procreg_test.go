package procreg

import (
	"errors"
	"testing"

	"github.com/nestybox/sysbox-libs/unveil/dirhandle"
	"github.com/nestybox/sysbox-libs/unveil/policytable"
)

// fakeProber lets tests control liveness without a real kernel pidfd.
type fakeProber struct {
	isAlive bool
	err     error
	closed  bool
}

func (f *fakeProber) alive() (bool, error) { return f.isAlive, f.err }
func (f *fakeProber) close() error         { f.closed = true; return nil }

func newTestRegistry(fakes map[int]*fakeProber) *Registry {
	r := New()
	r.openFn = func(pid int) (prober, error) {
		f, ok := fakes[pid]
		if !ok {
			return nil, errors.New("no fake registered for pid")
		}
		return f, nil
	}
	return r
}

func newTable(t *testing.T) *policytable.PolicyTable {
	t.Helper()
	fs := dirhandle.NewMemFS()
	if err := fs.Mkdir("/"); err != nil {
		t.Fatalf("Mkdir(/): %v", err)
	}
	root, err := fs.Open("/")
	if err != nil {
		t.Fatalf("Open(/): %v", err)
	}
	return policytable.New(policytable.DefaultConfig(), policytable.ProcessIdentity{Pid: 1}, root)
}

func TestRegisterAndTable(t *testing.T) {
	fake := &fakeProber{isAlive: true}
	r := newTestRegistry(map[int]*fakeProber{42: fake})
	pt := newTable(t)

	if err := r.Register(42, pt); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, ok := r.Table(42)
	if !ok || got != pt {
		t.Fatalf("Table(42) = (%v, %v), want (%v, true)", got, ok, pt)
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
}

func TestAliveDelegatesToProber(t *testing.T) {
	fake := &fakeProber{isAlive: false}
	r := newTestRegistry(map[int]*fakeProber{7: fake})
	if err := r.Register(7, newTable(t)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	alive, err := r.Alive(7)
	if err != nil {
		t.Fatalf("Alive: %v", err)
	}
	if alive {
		t.Fatal("expected Alive to report false")
	}
}

func TestAliveOnUnregisteredPidFails(t *testing.T) {
	r := newTestRegistry(nil)
	if _, err := r.Alive(99); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("Alive on unregistered pid: err = %v, want ErrNotRegistered", err)
	}
}

func TestUnregisterClosesProber(t *testing.T) {
	fake := &fakeProber{isAlive: true}
	r := newTestRegistry(map[int]*fakeProber{5: fake})
	if err := r.Register(5, newTable(t)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	r.Unregister(5)

	if !fake.closed {
		t.Fatal("expected Unregister to close the prober")
	}
	if _, ok := r.Table(5); ok {
		t.Fatal("expected pid to no longer be registered")
	}
}

func TestSweepReapsDeadPids(t *testing.T) {
	live := &fakeProber{isAlive: true}
	dead := &fakeProber{isAlive: false}
	r := newTestRegistry(map[int]*fakeProber{1: live, 2: dead})

	if err := r.Register(1, newTable(t)); err != nil {
		t.Fatalf("Register(1): %v", err)
	}
	if err := r.Register(2, newTable(t)); err != nil {
		t.Fatalf("Register(2): %v", err)
	}

	reaped := r.Sweep()
	if len(reaped) != 1 || reaped[0] != 2 {
		t.Fatalf("Sweep() = %v, want [2]", reaped)
	}
	if !dead.closed {
		t.Fatal("expected the dead pid's prober to be closed")
	}
	if live.closed {
		t.Fatal("did not expect the live pid's prober to be closed")
	}
	if r.Len() != 1 {
		t.Fatalf("Len() after Sweep = %d, want 1", r.Len())
	}
}

func TestRegisterReplacesAndClosesPreviousProber(t *testing.T) {
	first := &fakeProber{isAlive: true}
	second := &fakeProber{isAlive: true}
	r := New()

	calls := 0
	fakes := []*fakeProber{first, second}
	r.openFn = func(pid int) (prober, error) {
		f := fakes[calls]
		calls++
		return f, nil
	}

	pt1 := newTable(t)
	pt2 := newTable(t)
	if err := r.Register(3, pt1); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(3, pt2); err != nil {
		t.Fatalf("re-Register: %v", err)
	}

	if !first.closed {
		t.Fatal("expected the first prober to be closed when replaced")
	}
	got, _ := r.Table(3)
	if got != pt2 {
		t.Fatal("expected Table(3) to return the replacement table")
	}
}
