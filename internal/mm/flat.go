package mm

import (
	"fmt"
	"sync"
)

// FlatMemory is guest memory with an identity linear mapping. The cr3 passed
// to ReadGuest and WriteGuest is ignored.
type FlatMemory struct {
	mu   sync.Mutex
	base uint64
	data []byte
}

var _ GuestMemory = (*FlatMemory)(nil)

// NewFlatMemory returns size bytes of guest memory starting at base.
func NewFlatMemory(base uint64, size int) *FlatMemory {
	return &FlatMemory{base: base, data: make([]byte, size)}
}

func (m *FlatMemory) slice(gva uint64, n int) ([]byte, error) {
	if gva < m.base || gva-m.base+uint64(n) > uint64(len(m.data)) {
		return nil, fmt.Errorf("mm: gva 0x%x+%d: %w", gva, n, ErrFault)
	}
	off := gva - m.base
	return m.data[off : off+uint64(n)], nil
}

func (m *FlatMemory) ReadGuest(gva, cr3 uint64, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.slice(gva, len(p))
	if err != nil {
		return err
	}
	copy(p, b)
	return nil
}

func (m *FlatMemory) WriteGuest(gva, cr3 uint64, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.slice(gva, len(p))
	if err != nil {
		return err
	}
	copy(b, p)
	return nil
}
