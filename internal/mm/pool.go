package mm

import (
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	slabPages = 512
	slabSize  = slabPages * PageSize

	// DefaultPhysBase is where the Pool starts numbering physical pages.
	DefaultPhysBase = 0x1_0000_0000
)

type slab struct {
	mem  []byte
	phys uint64
	base uintptr
}

// Pool allocates pages from anonymous mmap slabs and assigns each slab a
// contiguous range of synthetic physical addresses.
type Pool struct {
	mu sync.Mutex

	physBase uint64
	slabs    []*slab
	free     []*Page
	inUse    int
}

var _ Allocator = (*Pool)(nil)

// NewPool returns an empty pool whose first page is at physBase. A physBase
// of zero selects DefaultPhysBase.
func NewPool(physBase uint64) *Pool {
	if physBase == 0 {
		physBase = DefaultPhysBase
	}
	return &Pool{physBase: physBase}
}

func (p *Pool) grow() error {
	mem, err := unix.Mmap(-1, 0, slabSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return fmt.Errorf("mm: mmap slab: %w", err)
	}

	s := &slab{
		mem:  mem,
		phys: p.physBase + uint64(len(p.slabs))*slabSize,
		base: uintptr(unsafe.Pointer(&mem[0])),
	}
	p.slabs = append(p.slabs, s)

	// Push in reverse so pages are handed out in ascending order.
	for i := slabPages - 1; i >= 0; i-- {
		off := uint64(i) * PageSize
		p.free = append(p.free, &Page{
			Data: mem[off : off+PageSize : off+PageSize],
			Phys: s.phys + off,
		})
	}

	slog.Debug("mm: grew pool", "slab", len(p.slabs)-1, "phys", fmt.Sprintf("0x%x", s.phys))
	return nil
}

// AllocPage returns a zeroed page.
func (p *Pool) AllocPage() (*Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		if err := p.grow(); err != nil {
			return nil, err
		}
	}

	pg := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	clear(pg.Data)
	p.inUse++
	return pg, nil
}

// FreePage returns pg to the pool. Freeing nil is a no-op.
func (p *Pool) FreePage(pg *Page) {
	if pg == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, pg)
	p.inUse--
}

// InUse reports how many pages are currently allocated.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

func (p *Pool) VirtToPhys(addr uintptr) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slabs {
		if addr >= s.base && addr < s.base+slabSize {
			return s.phys + uint64(addr-s.base), nil
		}
	}
	return 0, fmt.Errorf("mm: virt 0x%x: %w", addr, ErrNotAllocated)
}

func (p *Pool) PhysToVirt(phys uint64) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slabs {
		if phys >= s.phys && phys < s.phys+slabSize {
			off := phys - s.phys
			end := (off &^ (PageSize - 1)) + PageSize
			return s.mem[off:end:end], nil
		}
	}
	return nil, fmt.Errorf("mm: phys 0x%x: %w", phys, ErrNotAllocated)
}

// Close unmaps every slab. Pages obtained from the pool must not be used
// afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for _, s := range p.slabs {
		if err := unix.Munmap(s.mem); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mm: munmap slab: %w", err)
		}
	}
	p.slabs = nil
	p.free = nil
	p.inUse = 0
	return firstErr
}
