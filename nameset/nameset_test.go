package nameset

import (
	"testing"

	"github.com/nestybox/sysbox-libs/unveil/name"
	"github.com/nestybox/sysbox-libs/unveil/perm"
)

func mustName(t *testing.T, s string) name.Name {
	t.Helper()
	n, err := name.New(s)
	if err != nil {
		t.Fatalf("name.New(%q): %v", s, err)
	}
	return n
}

func TestInsertNoReplace(t *testing.T) {
	s := New()
	foo := mustName(t, "foo")

	if !s.Insert(foo, perm.READ) {
		t.Fatal("expected first insert to succeed")
	}
	if s.Insert(foo, perm.WRITE) {
		t.Fatal("expected second insert of same name to report false")
	}
	got, ok := s.Lookup(foo)
	if !ok || got != perm.READ {
		t.Fatalf("Lookup(foo) = (%v, %v), want (READ, true)", got, ok)
	}
}

func TestReplace(t *testing.T) {
	s := New()
	foo := mustName(t, "foo")

	if existed := s.Replace(foo, perm.READ); existed {
		t.Fatal("expected first Replace to report no prior entry")
	}
	if existed := s.Replace(foo, perm.WRITE); !existed {
		t.Fatal("expected second Replace to report a prior entry")
	}
	got, ok := s.Lookup(foo)
	if !ok || got != perm.WRITE {
		t.Fatalf("Lookup(foo) = (%v, %v), want (WRITE, true)", got, ok)
	}
}

func TestLookupMissing(t *testing.T) {
	s := New()
	if _, ok := s.Lookup(mustName(t, "missing")); ok {
		t.Fatal("expected lookup of absent name to fail")
	}
}

func TestDrain(t *testing.T) {
	s := New()
	s.Insert(mustName(t, "a"), perm.READ)
	s.Insert(mustName(t, "bb"), perm.WRITE)
	s.Insert(mustName(t, "ccc"), perm.EXEC)

	if n := s.Drain(); n != 3 {
		t.Fatalf("Drain() = %d, want 3", n)
	}
	if s.Len() != 0 {
		t.Fatalf("Len() after Drain = %d, want 0", s.Len())
	}
}

func TestOrderingByLengthThenBytes(t *testing.T) {
	s := New()
	// "zz" is lexicographically greater than "a" but shorter.
	s.Insert(mustName(t, "zz"), perm.READ)
	s.Insert(mustName(t, "a"), perm.WRITE)
	s.Insert(mustName(t, "abc"), perm.EXEC)

	var seen []string
	s.Each(func(n name.Name, _ perm.Perm) {
		seen = append(seen, string(n))
	})

	want := []string{"a", "zz", "abc"}
	if len(seen) != len(want) {
		t.Fatalf("Each produced %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("Each()[%d] = %q, want %q (full: %v)", i, seen[i], want[i], seen)
		}
	}
}

func TestManyInsertsStayOrdered(t *testing.T) {
	s := New()
	names := []string{"mmm", "a", "zz", "bb", "aaaa", "q", "xy"}
	for _, n := range names {
		s.Insert(mustName(t, n), perm.READ)
	}
	if s.Len() != len(names) {
		t.Fatalf("Len() = %d, want %d", s.Len(), len(names))
	}

	var prev *name.Name
	s.Each(func(n name.Name, _ perm.Perm) {
		if prev != nil && !name.Less(*prev, n) {
			t.Fatalf("ordering violated: %q did not sort before %q", *prev, n)
		}
		cp := n
		prev = &cp
	})
}
