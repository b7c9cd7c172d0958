package ept

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tinyrange/vmext/internal/mm"
	"gvisor.dev/gvisor/pkg/hostarch"
)

func newMap(t *testing.T) (*Map, *mm.Pool) {
	t.Helper()
	pool := mm.NewPool(0)
	m, err := NewMap(pool)
	if err != nil {
		t.Fatalf("NewMap: %v", err)
	}
	t.Cleanup(func() {
		m.Release()
		if err := pool.Close(); err != nil {
			t.Errorf("pool Close: %v", err)
		}
	})
	return m, pool
}

func TestAddThenLookupReturnsSameEntry(t *testing.T) {
	m, _ := newMap(t)

	e, err := m.AddPage4K(0x1000)
	if err != nil {
		t.Fatalf("AddPage4K: %v", err)
	}
	got, err := m.Entry(0x1000)
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	if got != e {
		t.Fatalf("Entry returned %p, want %p", got, e)
	}
	if !e.Leaf() {
		t.Fatalf("new leaf missing entry type bit")
	}

	if err := m.RemovePage(0x1000); err != nil {
		t.Fatalf("RemovePage: %v", err)
	}
	if _, err := m.Entry(0x1000); !errors.Is(err, ErrNotMapped) {
		t.Fatalf("Entry after remove err = %v, want ErrNotMapped", err)
	}
}

func TestRemoveFreesEmptyTables(t *testing.T) {
	m, pool := newMap(t)
	if _, err := m.AddPage4K(0x4000_0000); err != nil {
		t.Fatalf("AddPage4K: %v", err)
	}
	if got := m.Tables(); got != 4 {
		t.Fatalf("tables = %d, want 4", got)
	}
	if err := m.RemovePage(0x4000_0000); err != nil {
		t.Fatalf("RemovePage: %v", err)
	}
	if got := m.Tables(); got != 1 {
		t.Fatalf("tables after remove = %d, want 1", got)
	}
	if got := pool.InUse(); got != 1 {
		t.Fatalf("pool in use = %d, want 1", got)
	}
}

func TestRemoveKeepsSharedTables(t *testing.T) {
	m, _ := newMap(t)
	m.AddPage4K(0x1000)
	m.AddPage4K(0x2000)
	if err := m.RemovePage(0x1000); err != nil {
		t.Fatalf("RemovePage: %v", err)
	}
	if !m.IsMapped4K(0x2000) {
		t.Fatalf("sibling mapping lost")
	}
	if got := m.Tables(); got != 4 {
		t.Fatalf("tables = %d, want 4", got)
	}
}

func TestConflictingGranularity(t *testing.T) {
	m, _ := newMap(t)
	if _, err := m.AddPage2M(0x20_0000); err != nil {
		t.Fatalf("AddPage2M: %v", err)
	}
	if _, err := m.AddPage4K(0x20_1000); !errors.Is(err, ErrMapped) {
		t.Fatalf("4K inside 2M err = %v, want ErrMapped", err)
	}
	if _, err := m.AddPage2M(0x20_0000); !errors.Is(err, ErrMapped) {
		t.Fatalf("duplicate 2M err = %v, want ErrMapped", err)
	}

	if _, err := m.AddPage4K(0x4000_0000); err != nil {
		t.Fatalf("AddPage4K: %v", err)
	}
	if _, err := m.AddPage1G(0x4000_0000); !errors.Is(err, ErrMapped) {
		t.Fatalf("1G over table err = %v, want ErrMapped", err)
	}
}

func TestMisaligned(t *testing.T) {
	m, _ := newMap(t)
	if _, err := m.AddPage2M(0x1000); !errors.Is(err, ErrMisaligned) {
		t.Fatalf("err = %v, want ErrMisaligned", err)
	}
}

func TestEPTP(t *testing.T) {
	m, _ := newMap(t)
	if got, want := m.EPTP(), uint64(mm.DefaultPhysBase|3<<3|6); got != want {
		t.Fatalf("EPTP = 0x%x, want 0x%x", got, want)
	}
}

func TestIdentityMapGreedy(t *testing.T) {
	m, _ := newMap(t)
	end := uint64(PageSize1G + PageSize2M + PageSize4K)
	if err := IdentityMap(m, 0, end, PassThroughWB); err != nil {
		t.Fatalf("IdentityMap: %v", err)
	}
	if !m.IsMapped1G(0) || !m.IsMapped2M(PageSize1G) || !m.IsMapped4K(PageSize1G+PageSize2M) {
		t.Fatalf("unexpected granularity")
	}
	hpa, err := m.Translate(0x1234_5678)
	if err != nil || hpa != 0x1234_5678 {
		t.Fatalf("Translate = 0x%x, %v", hpa, err)
	}
}

type leaf struct {
	Phys uint64
	Attr Attr
}

func TestConvert2MTo4K(t *testing.T) {
	m, _ := newMap(t)
	if err := IdentityMapRange(m, 0, 2*PageSize2M, PageSize2M, REWB); err != nil {
		t.Fatalf("IdentityMapRange: %v", err)
	}
	if err := IdentityMapConvert2MTo4K(m, PageSize2M+0x5000); err != nil {
		t.Fatalf("convert: %v", err)
	}

	var got, want []leaf
	for off := uint64(0); off < PageSize2M; off += PageSize4K {
		gpa := PageSize2M + off
		e, size, err := m.Lookup(gpa)
		if err != nil {
			t.Fatalf("Lookup(0x%x): %v", gpa, err)
		}
		if size != PageSize4K {
			t.Fatalf("0x%x mapped with size 0x%x", gpa, size)
		}
		got = append(got, leaf{e.Phys(), e.Attr()})
		want = append(want, leaf{gpa, REWB})
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("converted leaves mismatch (-want +got):\n%s", diff)
	}
	if !m.IsMapped2M(0) {
		t.Fatalf("neighbouring 2M page disturbed")
	}
}

func TestEntryAccessors(t *testing.T) {
	var e Entry
	e.SetAttr(RWUC)
	e.SetPhys(0xDEAD_B000)
	if !e.Read() || !e.Write() || e.Execute() || e.MemoryType() != UC {
		t.Fatalf("attr decode of 0x%x", uint64(e))
	}
	if !e.Present() {
		t.Fatalf("rw entry not present")
	}
	if e.Allows(hostarch.Execute) || !e.Allows(hostarch.ReadWrite) {
		t.Fatalf("Allows mismatch for 0x%x", uint64(e))
	}
	if got := RWUC.WithType(WB); got != RWWB {
		t.Fatalf("WithType = 0x%x, want 0x%x", uint64(got), uint64(RWWB))
	}
}

func TestReleasedMap(t *testing.T) {
	m, _ := newMap(t)
	m.Release()
	if _, err := m.AddPage4K(0); !errors.Is(err, ErrReleased) {
		t.Fatalf("err = %v, want ErrReleased", err)
	}
	if m.EPTP() != 0 {
		t.Fatalf("released map has eptp")
	}
}
