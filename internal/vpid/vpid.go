// Package vpid allocates virtual processor identifiers.
package vpid

import (
	"errors"
	"fmt"
	"sync"

	"gvisor.dev/gvisor/pkg/bitmap"
)

// MaxID is the largest identifier the VMCS field can hold. Zero is reserved
// for the host.
const MaxID = 0xFFFF

var ErrExhausted = errors.New("vpid: no identifiers left")

// Allocator hands out identifiers in [1, max]. It is safe for concurrent use
// by vCPUs being created on different threads.
type Allocator struct {
	mu   sync.Mutex
	used bitmap.Bitmap
	max  uint32
	next uint32
}

// NewAllocator returns an allocator for identifiers 1 through max. A max of
// zero selects MaxID.
func NewAllocator(max uint16) *Allocator {
	if max == 0 {
		max = MaxID
	}
	a := &Allocator{
		used: bitmap.New(uint32(max) + 1),
		max:  uint32(max),
		next: 1,
	}
	a.used.Add(0)
	return a
}

// Allocate returns the lowest free identifier at or after the last one
// handed out, wrapping once.
func (a *Allocator) Allocate() (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id, err := a.used.FirstZero(a.next)
	if err != nil || id > a.max {
		id, err = a.used.FirstZero(1)
	}
	if err != nil || id > a.max {
		return 0, fmt.Errorf("%w (max %d)", ErrExhausted, a.max)
	}

	a.used.Add(id)
	a.next = id + 1
	if a.next > a.max {
		a.next = 1
	}
	return uint16(id), nil
}

// Release returns id to the pool. Releasing an identifier that is not held
// is a no-op.
func (a *Allocator) Release(id uint16) {
	if id == 0 || uint32(id) > a.max {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.used.Remove(uint32(id))
}

// InUse reports how many identifiers are allocated.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.used.GetNumOnes()) - 1
}
