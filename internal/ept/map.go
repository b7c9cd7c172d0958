// Package ept builds and edits extended page tables.
//
// A Map is a four level radix tree rooted at a PML4 page. Intermediate tables
// are allocated on demand when a page is added and freed again once the last
// mapping beneath them is removed. Every leaf entry, including 4K PTEs, has
// the entry-type bit set, which is how the walker tells a mapped page from a
// pointer to a child table.
package ept

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/tinyrange/vmext/internal/mm"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// Page sizes handled by the engine.
const (
	PageSize4K = hostarch.PageSize
	PageSize2M = hostarch.HugePageSize
	PageSize1G = 1 << 30

	numEntries = 512
	indexMask  = numEntries - 1

	// MaxWalkLength is the number of paging levels the EPTP advertises.
	MaxWalkLength = 4
)

var (
	ErrMapped     = errors.New("ept: gpa already mapped")
	ErrNotMapped  = errors.New("ept: gpa not mapped")
	ErrMisaligned = errors.New("ept: gpa not aligned to page size")
	ErrReleased   = errors.New("ept: map released")
)

// Levels of the walk, from the root down.
const (
	levelPML4 = iota
	levelPDPT
	levelPD
	levelPT
)

var levelShift = [...]uint{39, 30, 21, 12}

var levelName = [...]string{"512G", "1G", "2M", "4K"}

func index(gpa uint64, level int) uint64 {
	return (gpa >> levelShift[level]) & indexMask
}

func levelSize(level int) uint64 {
	return 1 << levelShift[level]
}

// Map is an extended page table hierarchy. It owns every table page it
// allocates.
type Map struct {
	mu sync.Mutex

	alloc  mm.Allocator
	root   *mm.Page
	tables map[uint64]*mm.Page
}

// NewMap allocates an empty PML4.
func NewMap(alloc mm.Allocator) (*Map, error) {
	root, err := alloc.AllocPage()
	if err != nil {
		return nil, fmt.Errorf("ept: allocate pml4: %w", err)
	}
	return &Map{
		alloc:  alloc,
		root:   root,
		tables: map[uint64]*mm.Page{root.Phys: root},
	}, nil
}

func entries(p *mm.Page) []Entry {
	return unsafe.Slice((*Entry)(unsafe.Pointer(&p.Data[0])), numEntries)
}

func (m *Map) table(phys uint64) []Entry {
	return entries(m.tables[phys])
}

func empty(tbl []Entry) bool {
	for _, e := range tbl {
		if e != 0 {
			return false
		}
	}
	return true
}

// AddPage4K creates a leaf for the 4K page at gpa and returns it cleared
// except for the entry-type bit. The caller fills in access rights, memory
// type and the host physical address.
func (m *Map) AddPage4K(gpa uint64) (*Entry, error) { return m.addPage(gpa, levelPT) }

// AddPage2M creates a leaf for the 2M page at gpa.
func (m *Map) AddPage2M(gpa uint64) (*Entry, error) { return m.addPage(gpa, levelPD) }

// AddPage1G creates a leaf for the 1G page at gpa.
func (m *Map) AddPage1G(gpa uint64) (*Entry, error) { return m.addPage(gpa, levelPDPT) }

func (m *Map) addPage(gpa uint64, leaf int) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.root == nil {
		return nil, ErrReleased
	}
	if gpa&(levelSize(leaf)-1) != 0 {
		return nil, fmt.Errorf("ept: add %s page at 0x%x: %w", levelName[leaf], gpa, ErrMisaligned)
	}

	tbl := entries(m.root)
	for level := levelPML4; level < leaf; level++ {
		e := &tbl[index(gpa, level)]
		if e.Leaf() {
			return nil, fmt.Errorf("ept: add %s page at 0x%x: %s page in the way: %w",
				levelName[leaf], gpa, levelName[level], ErrMapped)
		}
		if *e == 0 {
			pt, err := m.alloc.AllocPage()
			if err != nil {
				return nil, fmt.Errorf("ept: allocate table: %w", err)
			}
			m.tables[pt.Phys] = pt
			e.SetRead(true)
			e.SetWrite(true)
			e.SetExecute(true)
			e.SetPhys(pt.Phys)
		}
		tbl = m.table(e.Phys())
	}

	e := &tbl[index(gpa, leaf)]
	if *e != 0 {
		return nil, fmt.Errorf("ept: add %s page at 0x%x: %w", levelName[leaf], gpa, ErrMapped)
	}
	e.setLeaf(true)
	return e, nil
}

// RemovePage clears the leaf that maps gpa, then frees every table left
// empty on the way back up. The root is never freed.
func (m *Map) RemovePage(gpa uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.root == nil {
		return ErrReleased
	}

	var path [MaxWalkLength]*Entry
	tbl := entries(m.root)
	level := levelPML4
	for ; level <= levelPT; level++ {
		e := &tbl[index(gpa, level)]
		if *e == 0 {
			return fmt.Errorf("ept: remove 0x%x: %w", gpa, ErrNotMapped)
		}
		path[level] = e
		if e.Leaf() {
			break
		}
		if level == levelPT {
			return fmt.Errorf("ept: remove 0x%x: %w", gpa, ErrNotMapped)
		}
		tbl = m.table(e.Phys())
	}

	path[level].Clear()
	for l := level - 1; l >= levelPML4; l-- {
		parent := path[l]
		child := m.tables[parent.Phys()]
		if !empty(entries(child)) {
			break
		}
		delete(m.tables, child.Phys)
		m.alloc.FreePage(child)
		parent.Clear()
	}
	return nil
}

// Lookup returns the leaf mapping gpa and the size of the page it maps.
func (m *Map) Lookup(gpa uint64) (*Entry, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.root == nil {
		return nil, 0, ErrReleased
	}

	tbl := entries(m.root)
	for level := levelPML4; level <= levelPT; level++ {
		e := &tbl[index(gpa, level)]
		if *e == 0 {
			return nil, 0, fmt.Errorf("ept: lookup 0x%x: nothing at the %s level: %w",
				gpa, levelName[level], ErrNotMapped)
		}
		if e.Leaf() {
			return e, levelSize(level), nil
		}
		if level == levelPT {
			break
		}
		tbl = m.table(e.Phys())
	}
	return nil, 0, fmt.Errorf("ept: lookup 0x%x: %w", gpa, ErrNotMapped)
}

// Entry returns the leaf mapping gpa.
func (m *Map) Entry(gpa uint64) (*Entry, error) {
	e, _, err := m.Lookup(gpa)
	return e, err
}

// Translate returns the host physical address gpa maps to.
func (m *Map) Translate(gpa uint64) (uint64, error) {
	e, size, err := m.Lookup(gpa)
	if err != nil {
		return 0, err
	}
	return e.Phys()&^(size-1) | gpa&(size-1), nil
}

func (m *Map) isMapped(gpa, size uint64) bool {
	_, got, err := m.Lookup(gpa)
	return err == nil && got == size
}

func (m *Map) IsMapped4K(gpa uint64) bool { return m.isMapped(gpa, PageSize4K) }
func (m *Map) IsMapped2M(gpa uint64) bool { return m.isMapped(gpa, PageSize2M) }
func (m *Map) IsMapped1G(gpa uint64) bool { return m.isMapped(gpa, PageSize1G) }

// EPTP returns the value to load into the EPT pointer: the PML4 address,
// write-back paging structures and a four level walk.
func (m *Map) EPTP() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.root == nil {
		return 0
	}
	return m.root.Phys | (MaxWalkLength-1)<<3 | WB
}

// Tables returns the number of table pages the map owns, including the root.
func (m *Map) Tables() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tables)
}

// Release frees every table, including the root. The map cannot be used
// afterwards.
func (m *Map) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for phys, p := range m.tables {
		m.alloc.FreePage(p)
		delete(m.tables, phys)
	}
	m.root = nil
}

func (m *Map) Close() error {
	m.Release()
	return nil
}
