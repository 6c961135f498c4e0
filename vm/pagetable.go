// SPDX-License-Identifier: Unlicense OR MIT

package vm

// pageTable is the hardware representation of an Sv39/Sv48 page
// table.
type pageTable [pageTableSize]pageTableEntry

// pageTableEntry is the hardware representation of a page table
// entry. Entries with the valid bit clear but other bits set are
// pending leaves: they hold a mapping descriptor handle instead of a
// physical page number.
type pageTableEntry uint64

type pageFlags uint64

const (
	pageFlagValid    pageFlags = 1 << 0
	pageFlagRead     pageFlags = 1 << 1
	pageFlagWrite    pageFlags = 1 << 2
	pageFlagExec     pageFlags = 1 << 3
	pageFlagUser     pageFlags = 1 << 4
	pageFlagGlobal   pageFlags = 1 << 5
	pageFlagAccessed pageFlags = 1 << 6
	pageFlagDirty    pageFlags = 1 << 7
	// pageFlagNoWrite is a software bit recording that the mapping
	// must never be made writable.
	pageFlagNoWrite pageFlags = 1 << 9

	allPageFlags = 1<<ptePPNShift - 1

	ptePPNShift = 10
)

type leafKind int

const (
	leafEmpty leafKind = iota
	leafPending
	leafBacked
)

// leafState is the decoded form of a leaf entry.
type leafState struct {
	kind  leafKind
	vmr   vmrHandle
	frame PhysicalAddress
	flags pageFlags
}

func (e pageTableEntry) valid() bool {
	return pageFlags(e)&pageFlagValid != 0
}

func (e pageTableEntry) pending() bool {
	return e != 0 && !e.valid()
}

// isLeaf reports whether a valid entry maps a page rather than
// pointing to the next level.
func (e pageTableEntry) isLeaf() bool {
	return pageFlags(e)&(pageFlagRead|pageFlagWrite|pageFlagExec) != 0
}

func (e pageTableEntry) addr() PhysicalAddress {
	return PhysicalAddress(e>>ptePPNShift) << PageShift
}

func (e pageTableEntry) flags() pageFlags {
	return pageFlags(e) & allPageFlags
}

func (e pageTableEntry) handle() vmrHandle {
	if !e.pending() {
		fatal("handle: entry is not pending")
	}
	return vmrHandle(e>>ptePPNShift) - 1
}

func (e pageTableEntry) state() leafState {
	switch {
	case e == 0:
		return leafState{kind: leafEmpty}
	case e.pending():
		return leafState{kind: leafPending, vmr: e.handle()}
	default:
		return leafState{kind: leafBacked, frame: e.addr(), flags: e.flags()}
	}
}

func pendingEntry(h vmrHandle) pageTableEntry {
	return pageTableEntry(h+1) << ptePPNShift
}

func leafEntry(addr PhysicalAddress, flags pageFlags) pageTableEntry {
	if addr%PageSize != 0 {
		fatal("leafEntry: frame not aligned")
	}
	return pageTableEntry(addr>>PageShift)<<ptePPNShift | pageTableEntry(flags|pageFlagValid)
}

// setPageTable points the entry to a page table.
func (e *pageTableEntry) setPageTable(addr PhysicalAddress) {
	*e = pageTableEntry(addr>>PageShift)<<ptePPNShift | pageTableEntry(pageFlagValid)
}

// protToFlags converts a protection to leaf flags. A PROT_NONE leaf
// is readable but never accessed, so every access to it fails the
// permission check.
func protToFlags(prot Prot, user bool) pageFlags {
	var f pageFlags
	if prot&ProtRead != 0 {
		f |= pageFlagRead | pageFlagAccessed
	}
	if prot&ProtWrite != 0 {
		f |= pageFlagWrite | pageFlagDirty
	}
	if prot&ProtExec != 0 {
		f |= pageFlagExec | pageFlagAccessed
	}
	if f == 0 {
		f = pageFlagRead
	}
	if user {
		f |= pageFlagUser
	}
	return f
}

// flagsToProt is the inverse of protToFlags.
func flagsToProt(f pageFlags) Prot {
	var prot Prot
	if f&(pageFlagAccessed|pageFlagDirty) == 0 {
		return ProtNone
	}
	if f&pageFlagRead != 0 {
		prot |= ProtRead
	}
	if f&pageFlagWrite != 0 {
		prot |= ProtWrite
	}
	if f&pageFlagExec != 0 {
		prot |= ProtExec
	}
	return prot
}

func pageIndex(addr VirtualAddress, level int) int {
	return int(addr>>(PageShift+levelBits*level)) & (pageTableSize - 1)
}

// walk returns the leaf entry for addr. Missing intermediate tables
// are allocated if create is set; otherwise walk returns nil when
// one is missing.
func (as *AddressSpace) walk(addr VirtualAddress, create bool) (*pageTableEntry, error) {
	if uint64(addr) >= as.vaLimit() {
		fatal("walk: address outside the virtual address space")
	}
	t := as.mem.pageTable(as.root)
	for level := as.levels - 1; level > 0; level-- {
		e := &t[pageIndex(addr, level)]
		if !e.valid() {
			if !create {
				return nil, nil
			}
			page, err := as.mem.alloc()
			if err != nil {
				return nil, err
			}
			e.setPageTable(page)
		} else if e.isLeaf() {
			fatal("walk: unexpected superpage")
		}
		t = as.mem.pageTable(e.addr())
	}
	return &t[pageIndex(addr, 0)], nil
}

// lookup is walk without table creation.
func (as *AddressSpace) lookup(addr VirtualAddress) *pageTableEntry {
	pte, _ := as.walk(addr, false)
	return pte
}

// missingLevel returns the level of the first invalid entry on the
// walk to addr, or 0 if the leaf table exists. walk(addr, true) would
// allocate that many tables.
func (as *AddressSpace) missingLevel(addr VirtualAddress) int {
	t := as.mem.pageTable(as.root)
	for level := as.levels - 1; level > 0; level-- {
		e := t[pageIndex(addr, level)]
		if !e.valid() {
			return level
		}
		t = as.mem.pageTable(e.addr())
	}
	return 0
}

// tablesNeeded counts the page table pages needed to map npage pages
// starting at addr.
func (as *AddressSpace) tablesNeeded(addr VirtualAddress, npage uint64) int {
	last := make([]uint64, as.levels)
	for i := range last {
		last[i] = ^uint64(0)
	}
	n := 0
	for i := uint64(0); i < npage; i++ {
		a := addr + VirtualAddress(i*PageSize)
		for level := as.missingLevel(a); level > 0; level-- {
			region := uint64(a) >> (PageShift + levelBits*level)
			if last[level] != region {
				last[level] = region
				n++
			}
		}
	}
	return n
}

// mapKernelRange identity maps physical memory for supervisor use.
func (as *AddressSpace) mapKernelRange(va VirtualAddress, pa PhysicalAddress, size uint64, prot Prot) {
	n := pageCount(size)
	for i := uint64(0); i < n; i++ {
		off := i * PageSize
		pte, err := as.walk(va+VirtualAddress(off), true)
		if err != nil {
			fatalError(err)
		}
		*pte = leafEntry(pa+PhysicalAddress(off), protToFlags(prot, false))
	}
}

func (as *AddressSpace) vaLimit() uint64 {
	return 1 << as.cfg.VABits
}
