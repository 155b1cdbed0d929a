package coverresolver

import (
	"testing"

	"github.com/nestybox/sysbox-libs/unveil/dirhandle"
)

// fakeTable implements Table over an explicit set of declared identities.
type fakeTable struct {
	declared map[dirhandle.Identity]int
}

func newFakeTable() *fakeTable {
	return &fakeTable{declared: make(map[dirhandle.Identity]int)}
}

func (t *fakeTable) declare(h dirhandle.Handle, idx int) {
	t.declared[h.Identity()] = idx
}

func (t *fakeTable) IndexOf(id dirhandle.Identity) (int, bool) {
	idx, ok := t.declared[id]
	return idx, ok
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

func TestFindNearestAncestor(t *testing.T) {
	fs := dirhandle.NewMemFS()
	root := mustOpen(t, fs, "/")
	a := mustOpen(t, fs, "/a")
	_ = mustOpen(t, fs, "/a/b")
	c := mustOpen(t, fs, "/a/b/c")

	table := newFakeTable()
	table.declare(a, 0)

	got := Find(c, root, table)
	if got != 0 {
		t.Fatalf("Find() = %d, want 0 (the declared /a entry)", got)
	}
}

func TestFindNoCoverWhenNothingDeclared(t *testing.T) {
	fs := dirhandle.NewMemFS()
	root := mustOpen(t, fs, "/")
	d := mustOpen(t, fs, "/x/y/z")

	table := newFakeTable()

	if got := Find(d, root, table); got != NoCover {
		t.Fatalf("Find() = %d, want NoCover", got)
	}
}

func TestFindStopsAtClosestAncestor(t *testing.T) {
	fs := dirhandle.NewMemFS()
	root := mustOpen(t, fs, "/")
	a := mustOpen(t, fs, "/a")
	b := mustOpen(t, fs, "/a/b")
	c := mustOpen(t, fs, "/a/b/c")

	table := newFakeTable()
	table.declare(a, 0)
	table.declare(b, 1)

	if got := Find(c, root, table); got != 1 {
		t.Fatalf("Find() = %d, want 1 (the closer /a/b entry)", got)
	}
}

func TestFindCrossesMountBoundary(t *testing.T) {
	fs := dirhandle.NewMemFS()
	root := mustOpen(t, fs, "/")
	_ = mustOpen(t, fs, "/host/data")
	fs.MarkMountRoot("/mnt", "/host/data")
	_ = mustOpen(t, fs, "/mnt")
	inner := mustOpen(t, fs, "/mnt/sub")

	// The algorithm substitutes the mount root for the vnode it covers, then
	// checks THAT vnode's parent against the table -- so the cover which
	// makes this test pass is /host, not /host/data itself.
	host, err := fs.Open("/host")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	table := newFakeTable()
	table.declare(host, 0)

	got := Find(inner, root, table)
	if got != 0 {
		t.Fatalf("Find() = %d, want 0 (crossed the mount, found /host above /host/data)", got)
	}
}

func TestFindReturnsNoCoverAtProcessRoot(t *testing.T) {
	fs := dirhandle.NewMemFS()
	root := mustOpen(t, fs, "/chroot")
	if err := fs.Mkdir("/chroot/a"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	a := mustOpen(t, fs, "/chroot/a")

	table := newFakeTable()

	if got := Find(a, root, table); got != NoCover {
		t.Fatalf("Find() = %d, want NoCover", got)
	}
}
