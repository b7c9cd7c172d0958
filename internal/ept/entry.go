package ept

import (
	"github.com/tinyrange/vmext/internal/bits"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// Memory types used in EPT entries and the EPT pointer.
const (
	UC = 0
	WC = 1
	WT = 4
	WP = 5
	WB = 6
)

var (
	readAccess    = bits.Bit(0)
	writeAccess   = bits.Bit(1)
	executeAccess = bits.Bit(2)
	memoryType    = bits.Range(5, 3)
	ignorePAT     = bits.Bit(6)
	entryType     = bits.Bit(7)
	accessed      = bits.Bit(8)
	dirty         = bits.Bit(9)
	executeUser   = bits.Bit(10)
	physAddr      = bits.Field{Mask: 0x0000_FFFF_FFFF_F000, From: 0}
	suppressVE    = bits.Bit(63)

	attrMask    = bits.Range(5, 0)
	presentMask = readAccess.Mask | writeAccess.Mask | executeAccess.Mask | executeUser.Mask
)

// Entry is one 64-bit EPT paging-structure entry. Entries returned by a Map
// point into the live table, so setters take effect immediately.
type Entry uint64

func (e *Entry) get(f bits.Field) uint64 { return f.Get(uint64(*e)) }
func (e *Entry) set(f bits.Field, v uint64) {
	*e = Entry(f.Set(uint64(*e), v))
}
func (e *Entry) toggle(f bits.Field, on bool) {
	if on {
		*e = Entry(f.Enable(uint64(*e)))
	} else {
		*e = Entry(f.Disable(uint64(*e)))
	}
}

func (e *Entry) Read() bool             { return readAccess.IsEnabled(uint64(*e)) }
func (e *Entry) SetRead(on bool)        { e.toggle(readAccess, on) }
func (e *Entry) Write() bool            { return writeAccess.IsEnabled(uint64(*e)) }
func (e *Entry) SetWrite(on bool)       { e.toggle(writeAccess, on) }
func (e *Entry) Execute() bool          { return executeAccess.IsEnabled(uint64(*e)) }
func (e *Entry) SetExecute(on bool)     { e.toggle(executeAccess, on) }
func (e *Entry) MemoryType() uint64     { return e.get(memoryType) }
func (e *Entry) SetMemoryType(t uint64) { e.set(memoryType, t) }
func (e *Entry) IgnorePAT() bool        { return ignorePAT.IsEnabled(uint64(*e)) }
func (e *Entry) SetIgnorePAT(on bool)   { e.toggle(ignorePAT, on) }
func (e *Entry) Accessed() bool         { return accessed.IsEnabled(uint64(*e)) }
func (e *Entry) Dirty() bool            { return dirty.IsEnabled(uint64(*e)) }
func (e *Entry) ExecuteUser() bool      { return executeUser.IsEnabled(uint64(*e)) }
func (e *Entry) SetExecuteUser(on bool) { e.toggle(executeUser, on) }
func (e *Entry) SuppressVE() bool       { return suppressVE.IsEnabled(uint64(*e)) }
func (e *Entry) SetSuppressVE(on bool)  { e.toggle(suppressVE, on) }

// Leaf reports whether the entry maps a page rather than a child table.
func (e *Entry) Leaf() bool        { return entryType.IsEnabled(uint64(*e)) }
func (e *Entry) setLeaf(on bool)   { e.toggle(entryType, on) }
func (e *Entry) Phys() uint64      { return physAddr.Get(uint64(*e)) }
func (e *Entry) SetPhys(pa uint64) { e.set(physAddr, pa) }

// Present reports whether the hardware would treat the entry as present.
func (e *Entry) Present() bool { return uint64(*e)&presentMask != 0 }

// Attr returns the access and memory-type bits of the entry.
func (e *Entry) Attr() Attr { return Attr(e.get(attrMask)) }

// SetAttr replaces the access and memory-type bits of the entry.
func (e *Entry) SetAttr(a Attr) { e.set(attrMask, uint64(a)) }

// Clear zeroes the entry.
func (e *Entry) Clear() { *e = 0 }

// Allows reports whether the entry permits every access in at.
func (e *Entry) Allows(at hostarch.AccessType) bool {
	if at.Read && !e.Read() {
		return false
	}
	if at.Write && !e.Write() {
		return false
	}
	if at.Execute && !e.Execute() {
		return false
	}
	return true
}

// Attr is a combination of access rights (bits 2:0) and memory type
// (bits 5:3), laid out exactly as in an entry.
type Attr uint64

// Access rights.
const (
	AccessNone Attr = 0
	AccessR    Attr = 1
	AccessW    Attr = 2
	AccessX    Attr = 4
)

func withType(access Attr, mt uint64) Attr { return access | Attr(mt<<3) }

// Common attributes. Trap attributes grant no access, so every guest access
// causes an EPT violation.
var (
	RWUC          = withType(AccessR|AccessW, UC)
	RWWB          = withType(AccessR|AccessW, WB)
	REUC          = withType(AccessR|AccessX, UC)
	REWB          = withType(AccessR|AccessX, WB)
	ROUC          = withType(AccessR, UC)
	ROWB          = withType(AccessR, WB)
	EOUC          = withType(AccessX, UC)
	EOWB          = withType(AccessX, WB)
	PassThroughUC = withType(AccessR|AccessW|AccessX, UC)
	PassThroughWB = withType(AccessR|AccessW|AccessX, WB)
	TrapUC        = withType(AccessNone, UC)
	TrapWB        = withType(AccessNone, WB)
)

// WithType returns a with its memory type replaced by mt.
func (a Attr) WithType(mt uint64) Attr { return withType(a&7, mt) }

// MemoryType returns the memory type encoded in a.
func (a Attr) MemoryType() uint64 { return uint64(a) >> 3 & 7 }
