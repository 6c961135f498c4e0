// SPDX-License-Identifier: Unlicense OR MIT

package vm

// vaAvail reports whether no mapping exists at addr.
func (as *AddressSpace) vaAvail(addr VirtualAddress) bool {
	pte := as.lookup(addr)
	return pte == nil || *pte == 0
}

// vmAlloc finds the lowest range of npage unmapped pages between the
// break and the top of the mmap arena.
func (as *AddressSpace) vmAlloc(npage uint64) (VirtualAddress, bool) {
	size := npage * PageSize
	if npage == 0 || size/PageSize != npage || size > uint64(as.mmapMax) {
		return 0, false
	}
	start, end := as.brk, as.mmapMax-VirtualAddress(size)
	for a := start; a <= end; a += PageSize {
		if !as.vaAvail(a) {
			continue
		}
		// Probe downwards from the top of the window; a hit leaves a
		// at the conflicting page and the scan resumes above it.
		first, last := a, a+VirtualAddress(size-PageSize)
		for a = last; a > first && as.vaAvail(a); a -= PageSize {
		}
		if a > first {
			continue
		}
		return a, true
	}
	return 0, false
}

// validUserRange reports whether [addr, addr+length) lies below the top
// of the mmap arena.
func (as *AddressSpace) validUserRange(addr VirtualAddress, length uint64) bool {
	end := uint64(addr) + length
	if end < uint64(addr) {
		return false
	}
	return end <= uint64(as.mmapMax)
}

// lowerBrkMax keeps the heap below a new mapping placed above the
// break.
func (as *AddressSpace) lowerBrkMax(addr VirtualAddress) {
	if addr >= as.brk && addr < as.brkMax {
		as.brkMax = addr
	}
}
