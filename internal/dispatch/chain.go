// Package dispatch implements the handler-delegate chains every exit category
// is built on.
//
// Handlers are added to the front of a chain, so the most recently added
// handler runs first. A chain stops at the first handler that claims the
// event by returning true. Errors abort the chain and are returned to the
// caller unchanged.
package dispatch

import "github.com/tinyrange/vmext/internal/vmx"

// Delegate handles one event. info is owned by the caller and may be
// modified to influence what happens after the chain completes.
type Delegate[I any] func(vmcs vmx.VMCS, info *I) (bool, error)

// Chain is an ordered list of delegates.
type Chain[I any] struct {
	handlers []Delegate[I]
}

// Add inserts d at the front of the chain.
func (c *Chain[I]) Add(d Delegate[I]) {
	c.handlers = append([]Delegate[I]{d}, c.handlers...)
}

// Len returns the number of delegates in the chain.
func (c *Chain[I]) Len() int { return len(c.handlers) }

// Run calls each delegate in order until one claims the event.
func (c *Chain[I]) Run(vmcs vmx.VMCS, info *I) (bool, error) {
	for _, h := range c.handlers {
		claimed, err := h(vmcs, info)
		if err != nil {
			return false, err
		}
		if claimed {
			return true, nil
		}
	}
	return false, nil
}

// Keyed is a set of chains selected by key, such as an MSR address or port.
type Keyed[K comparable, I any] struct {
	chains map[K]*Chain[I]
}

// Add inserts d at the front of the chain for key.
func (k *Keyed[K, I]) Add(key K, d Delegate[I]) {
	if k.chains == nil {
		k.chains = make(map[K]*Chain[I])
	}
	c, ok := k.chains[key]
	if !ok {
		c = &Chain[I]{}
		k.chains[key] = c
	}
	c.Add(d)
}

// Has reports whether any delegate was added for key.
func (k *Keyed[K, I]) Has(key K) bool {
	_, ok := k.chains[key]
	return ok
}

// Keys returns every key with a chain, in no particular order.
func (k *Keyed[K, I]) Keys() []K {
	keys := make([]K, 0, len(k.chains))
	for key := range k.chains {
		keys = append(keys, key)
	}
	return keys
}

// Run runs the chain for key. found is false when no chain exists.
func (k *Keyed[K, I]) Run(key K, vmcs vmx.VMCS, info *I) (found, claimed bool, err error) {
	c, ok := k.chains[key]
	if !ok {
		return false, false, nil
	}
	claimed, err = c.Run(vmcs, info)
	return true, claimed, err
}
