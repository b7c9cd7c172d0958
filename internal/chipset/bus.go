// Package chipset routes port and memory-mapped accesses that the exit
// handlers emulate to the devices that serve them, and carries interrupt
// lines from devices to the IOAPIC.
package chipset

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrNoHandler = errors.New("chipset: no handler")
	ErrOverlap   = errors.New("chipset: region already claimed")
)

// Region is a guest physical MMIO window.
type Region struct {
	Address uint64
	Size    uint64
}

func (r Region) End() uint64 { return r.Address + r.Size }

func (r Region) Contains(addr, size uint64) bool {
	return addr >= r.Address && addr+size <= r.End() && addr+size >= addr
}

func (r Region) overlaps(o Region) bool {
	return r.Address < o.End() && o.Address < r.End()
}

// PortIOHandler handles reads and writes to individual I/O ports.
type PortIOHandler interface {
	ReadIOPort(port uint16, data []byte) error
	WriteIOPort(port uint16, data []byte) error
}

// MMIOHandler handles reads and writes to memory-mapped regions.
type MMIOHandler interface {
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

type mmioBinding struct {
	region  Region
	handler MMIOHandler
}

// Bus maps ports and MMIO regions to handlers.
type Bus struct {
	mu   sync.RWMutex
	pio  map[uint16]PortIOHandler
	mmio []mmioBinding
}

func NewBus() *Bus {
	return &Bus{pio: make(map[uint16]PortIOHandler)}
}

// AddPortIO routes each of ports to h.
func (b *Bus) AddPortIO(h PortIOHandler, ports ...uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, port := range ports {
		if _, ok := b.pio[port]; ok {
			return fmt.Errorf("chipset: port 0x%04x: %w", port, ErrOverlap)
		}
	}
	for _, port := range ports {
		b.pio[port] = h
	}
	return nil
}

// AddMMIO routes accesses inside r to h.
func (b *Bus) AddMMIO(r Region, h MMIOHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.mmio {
		if m.region.overlaps(r) {
			return fmt.Errorf("chipset: region 0x%x+0x%x: %w", r.Address, r.Size, ErrOverlap)
		}
	}
	b.mmio = append(b.mmio, mmioBinding{region: r, handler: h})
	return nil
}

// Ports returns the claimed ports in ascending order.
func (b *Bus) Ports() []uint16 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ports := make([]uint16, 0, len(b.pio))
	for p := range b.pio {
		ports = append(ports, p)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports
}

// Regions returns the claimed MMIO regions in registration order.
func (b *Bus) Regions() []Region {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Region, len(b.mmio))
	for i, m := range b.mmio {
		out[i] = m.region
	}
	return out
}

// HandlePIO dispatches an I/O port access to the registered device.
func (b *Bus) HandlePIO(port uint16, data []byte, isWrite bool) error {
	b.mu.RLock()
	handler, ok := b.pio[port]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("chipset: port 0x%04x: %w", port, ErrNoHandler)
	}
	if isWrite {
		return handler.WriteIOPort(port, data)
	}
	return handler.ReadIOPort(port, data)
}

// HandleMMIO dispatches an MMIO access to the registered device.
func (b *Bus) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	b.mu.RLock()
	var handler MMIOHandler
	for _, m := range b.mmio {
		if m.region.Contains(addr, uint64(len(data))) {
			handler = m.handler
			break
		}
	}
	b.mu.RUnlock()

	if handler == nil {
		return fmt.Errorf("chipset: mmio 0x%016x: %w", addr, ErrNoHandler)
	}
	if isWrite {
		return handler.WriteMMIO(addr, data)
	}
	return handler.ReadMMIO(addr, data)
}

// Claims reports whether an access of size bytes at addr has a handler.
func (b *Bus) Claims(addr, size uint64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, m := range b.mmio {
		if m.region.Contains(addr, size) {
			return true
		}
	}
	return false
}

// InterruptSink receives interrupt assertions for a given line.
type InterruptSink interface {
	SetIRQ(line uint8, level bool)
}

// LineInterrupt models an interrupt line that supports level and edge semantics.
type LineInterrupt interface {
	SetLevel(high bool)
	PulseInterrupt()
}
