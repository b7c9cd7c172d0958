// Package bits provides typed accessors over raw register values.
//
// A Field describes a contiguous run of bits by mask and shift. The helpers
// here are shared by the VMCS, EPT and APIC layers so that every register
// manipulation reads the same way.
package bits

// Field is a bit field inside a 64-bit register value.
type Field struct {
	Mask uint64
	From uint
}

// Bit returns a single-bit field at position n.
func Bit(n uint) Field {
	return Field{Mask: 1 << n, From: n}
}

// Range returns the field covering bits [lo, hi] inclusive.
func Range(hi, lo uint) Field {
	width := hi - lo + 1
	var mask uint64
	if width >= 64 {
		mask = ^uint64(0)
	} else {
		mask = ((uint64(1) << width) - 1) << lo
	}
	return Field{Mask: mask, From: lo}
}

// Get extracts the field from v.
func (f Field) Get(v uint64) uint64 {
	return (v & f.Mask) >> f.From
}

// Set returns v with the field replaced by x. Bits of x outside the field
// are discarded.
func (f Field) Set(v, x uint64) uint64 {
	return (v &^ f.Mask) | ((x << f.From) & f.Mask)
}

// Enable returns v with every bit of the field set.
func (f Field) Enable(v uint64) uint64 { return v | f.Mask }

// Disable returns v with every bit of the field cleared.
func (f Field) Disable(v uint64) uint64 { return v &^ f.Mask }

// IsEnabled reports whether any bit of the field is set in v.
func (f Field) IsEnabled(v uint64) bool { return v&f.Mask != 0 }

// IsDisabled reports whether every bit of the field is clear in v.
func (f Field) IsDisabled(v uint64) bool { return v&f.Mask == 0 }

// SetBit sets bit n in a little-endian byte bitmap.
func SetBit(b []byte, n uint64) {
	b[n>>3] |= 1 << (n & 7)
}

// ClearBit clears bit n in a little-endian byte bitmap.
func ClearBit(b []byte, n uint64) {
	b[n>>3] &^= 1 << (n & 7)
}

// IsBitSet reports whether bit n is set in a little-endian byte bitmap.
func IsBitSet(b []byte, n uint64) bool {
	return b[n>>3]&(1<<(n&7)) != 0
}

// Fill sets every byte in b to v.
func Fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}
