package mm

import (
	"errors"
	"testing"
	"unsafe"
)

func newPool(t *testing.T) *Pool {
	t.Helper()
	p := NewPool(0)
	t.Cleanup(func() {
		if err := p.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return p
}

func TestPoolTranslation(t *testing.T) {
	p := newPool(t)

	a, err := p.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	b, err := p.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if a.Phys != DefaultPhysBase || b.Phys != DefaultPhysBase+PageSize {
		t.Fatalf("phys = 0x%x, 0x%x", a.Phys, b.Phys)
	}

	phys, err := p.VirtToPhys(uintptr(unsafe.Pointer(&b.Data[8])))
	if err != nil {
		t.Fatalf("VirtToPhys: %v", err)
	}
	if phys != b.Phys+8 {
		t.Fatalf("VirtToPhys = 0x%x, want 0x%x", phys, b.Phys+8)
	}

	b.Data[16] = 0xAA
	v, err := p.PhysToVirt(b.Phys + 16)
	if err != nil {
		t.Fatalf("PhysToVirt: %v", err)
	}
	if v[0] != 0xAA || len(v) != PageSize-16 {
		t.Fatalf("PhysToVirt returned len %d first 0x%x", len(v), v[0])
	}
}

func TestPoolReuseZeroes(t *testing.T) {
	p := newPool(t)
	a, _ := p.AllocPage()
	a.Data[0] = 1
	p.FreePage(a)
	if p.InUse() != 0 {
		t.Fatalf("InUse = %d, want 0", p.InUse())
	}
	b, _ := p.AllocPage()
	if b.Phys != a.Phys || b.Data[0] != 0 {
		t.Fatalf("reused page phys 0x%x data 0x%x", b.Phys, b.Data[0])
	}
}

func TestPoolUnknownPhys(t *testing.T) {
	p := newPool(t)
	if _, err := p.PhysToVirt(0x1000); !errors.Is(err, ErrNotAllocated) {
		t.Fatalf("err = %v, want ErrNotAllocated", err)
	}
}

func TestFlatMemory(t *testing.T) {
	m := NewFlatMemory(0x1000, 0x100)
	if err := m.WriteGuest(0x1010, 0, []byte{1, 2, 3}); err != nil {
		t.Fatalf("WriteGuest: %v", err)
	}
	buf := make([]byte, 3)
	if err := m.ReadGuest(0x1010, 0, buf); err != nil {
		t.Fatalf("ReadGuest: %v", err)
	}
	if buf[2] != 3 {
		t.Fatalf("buf = %v", buf)
	}
	if err := m.ReadGuest(0x10FF, 0, buf); !errors.Is(err, ErrFault) {
		t.Fatalf("err = %v, want ErrFault", err)
	}
}
