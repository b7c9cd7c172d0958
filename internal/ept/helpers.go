package ept

import (
	"fmt"
	"log/slog"
)

func Align4K(addr uint64) uint64 { return addr &^ (PageSize4K - 1) }
func Align2M(addr uint64) uint64 { return addr &^ (PageSize2M - 1) }
func Align1G(addr uint64) uint64 { return addr &^ (PageSize1G - 1) }

// MapPage maps one page of the given size at gpa to hpa with attribute a.
func MapPage(m *Map, gpa, hpa, size uint64, a Attr) (*Entry, error) {
	var (
		e   *Entry
		err error
	)
	switch size {
	case PageSize4K:
		e, err = m.AddPage4K(gpa)
	case PageSize2M:
		e, err = m.AddPage2M(gpa)
	case PageSize1G:
		e, err = m.AddPage1G(gpa)
	default:
		return nil, fmt.Errorf("ept: invalid page size 0x%x", size)
	}
	if err != nil {
		return nil, err
	}
	if hpa&(size-1) != 0 {
		_ = m.RemovePage(gpa)
		return nil, fmt.Errorf("ept: hpa 0x%x: %w", hpa, ErrMisaligned)
	}
	e.SetPhys(hpa)
	e.SetAttr(a)
	return e, nil
}

func Map4K(m *Map, gpa, hpa uint64, a Attr) error {
	_, err := MapPage(m, gpa, hpa, PageSize4K, a)
	return err
}

func Map2M(m *Map, gpa, hpa uint64, a Attr) error {
	_, err := MapPage(m, gpa, hpa, PageSize2M, a)
	return err
}

func Map1G(m *Map, gpa, hpa uint64, a Attr) error {
	_, err := MapPage(m, gpa, hpa, PageSize1G, a)
	return err
}

// MapRange maps [gpa, end) to hpa onwards using pages of one size. end is
// exclusive and both ends must be aligned to size.
func MapRange(m *Map, gpa, end, hpa, size uint64, a Attr) error {
	if gpa >= end {
		return fmt.Errorf("ept: empty range [0x%x, 0x%x)", gpa, end)
	}
	if end&(size-1) != 0 {
		return fmt.Errorf("ept: range end 0x%x: %w", end, ErrMisaligned)
	}
	for off := uint64(0); gpa+off < end; off += size {
		if _, err := MapPage(m, gpa+off, hpa+off, size, a); err != nil {
			return err
		}
	}
	return nil
}

// IdentityMapRange maps [begin, end) onto itself with pages of one size.
func IdentityMapRange(m *Map, begin, end, size uint64, a Attr) error {
	return MapRange(m, begin, end, begin, size, a)
}

// IdentityMap maps [begin, end) onto itself using the largest page that fits
// at each step.
func IdentityMap(m *Map, begin, end uint64, a Attr) error {
	if begin&(PageSize4K-1) != 0 || end&(PageSize4K-1) != 0 {
		return fmt.Errorf("ept: identity map [0x%x, 0x%x): %w", begin, end, ErrMisaligned)
	}

	var n4k, n2m, n1g int
	for addr := begin; addr < end; {
		var size uint64
		switch {
		case addr&(PageSize1G-1) == 0 && end-addr >= PageSize1G:
			size = PageSize1G
			n1g++
		case addr&(PageSize2M-1) == 0 && end-addr >= PageSize2M:
			size = PageSize2M
			n2m++
		default:
			size = PageSize4K
			n4k++
		}
		if _, err := MapPage(m, addr, addr, size, a); err != nil {
			return err
		}
		addr += size
	}

	slog.Debug("ept: identity map",
		"begin", fmt.Sprintf("0x%x", begin),
		"end", fmt.Sprintf("0x%x", end),
		"1g", n1g, "2m", n2m, "4k", n4k)
	return nil
}

// Unmap removes whichever page maps gpa.
func Unmap(m *Map, gpa uint64) error {
	return m.RemovePage(gpa)
}

// ConvertTo4K replaces the 2M page containing gpa with 512 4K pages covering
// the same host range with the same attributes.
func ConvertTo4K(m *Map, gpa uint64) error {
	gpa = Align2M(gpa)

	e, size, err := m.Lookup(gpa)
	if err != nil {
		return err
	}
	if size != PageSize2M {
		return fmt.Errorf("ept: convert 0x%x: mapped with 0x%x page: %w", gpa, size, ErrNotMapped)
	}

	hpa := e.Phys()
	attr := e.Attr()
	pat := e.IgnorePAT()
	xu := e.ExecuteUser()

	if err := m.RemovePage(gpa); err != nil {
		return err
	}
	for off := uint64(0); off < PageSize2M; off += PageSize4K {
		pte, err := MapPage(m, gpa+off, hpa+off, PageSize4K, attr)
		if err != nil {
			return err
		}
		pte.SetIgnorePAT(pat)
		pte.SetExecuteUser(xu)
	}
	return nil
}

// IdentityMapConvert2MTo4K splits the identity-mapped 2M page at gpa into 4K
// pages.
func IdentityMapConvert2MTo4K(m *Map, gpa uint64) error {
	e, err := m.Entry(gpa)
	if err != nil {
		return err
	}
	if e.Phys() != Align2M(gpa) {
		return fmt.Errorf("ept: 0x%x is not identity mapped (hpa 0x%x)", gpa, e.Phys())
	}
	return ConvertTo4K(m, gpa)
}
