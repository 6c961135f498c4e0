// SPDX-License-Identifier: Unlicense OR MIT

package vm

import (
	"math"
)

// mmap flags.
const (
	MapShared    = 0x1
	MapPrivate   = 0x2
	MapFixed     = 0x10
	MapAnonymous = 0x20
	MapPopulate  = 0x8000
)

// Mmap maps length bytes of anonymous memory or of f starting at
// offset. Only private mappings are supported. Without MapFixed, addr
// is ignored and the lowest free range above the break is used. With
// MapFixed, any existing mapping in the range is replaced.
//
// Pages are filled on first access unless MapPopulate is set or the
// address space was configured with EagerPaging.
func (as *AddressSpace) Mmap(addr VirtualAddress, length uint64, prot Prot, flags int, f File, offset uint64) (VirtualAddress, error) {
	if flags&MapPrivate == 0 || flags&MapShared != 0 || length == 0 || offset%PageSize != 0 {
		return 0, ErrInvalidArgument
	}
	if prot&^protAll != 0 || length > math.MaxUint64-PageSize+1 {
		return 0, ErrInvalidArgument
	}
	anon := flags&MapAnonymous != 0
	switch {
	case anon && f != nil:
		return 0, ErrInvalidArgument
	case !anon && f == nil:
		return 0, ErrBadFile
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	addr, err := as.doMmap(addr, length, prot, flags, f, offset)
	if err != nil {
		return 0, err
	}
	as.lowerBrkMax(addr)
	return addr, nil
}

// doMmap reserves everything the mapping needs before changing any
// page table entry, so a failed call leaves the address space
// untouched.
func (as *AddressSpace) doMmap(addr VirtualAddress, length uint64, prot Prot, flags int, f File, offset uint64) (VirtualAddress, error) {
	npage := pageCount(length)
	size := npage * PageSize
	if flags&MapFixed != 0 {
		if !addr.aligned() || !as.validUserRange(addr, size) {
			return 0, ErrInvalidArgument
		}
	} else {
		var ok bool
		if addr, ok = as.vmAlloc(npage); !ok {
			return 0, ErrOutOfMemory
		}
	}
	populate := as.cfg.EagerPaging || flags&MapPopulate != 0
	if as.vmrs.available() == 0 {
		return 0, ErrOutOfMemory
	}
	frames := as.tablesNeeded(addr, npage)
	if populate {
		frames += int(npage)
	}
	if frames > as.mem.free() {
		return 0, ErrOutOfMemory
	}

	maxProt := protAll
	if f != nil {
		maxProt = f.Prot() | prot
	}
	h, ok := as.vmrs.alloc(addr, length, f, offset, uint32(npage), prot, maxProt)
	if !ok {
		fatal("mmap: descriptor table full after reservation")
	}
	replaced := false
	for a := addr; a < addr+VirtualAddress(size); a += PageSize {
		pte, err := as.walk(a, true)
		if err != nil {
			fatalError(err)
		}
		if *pte != 0 {
			as.unmapPage(pte)
			replaced = true
		}
		*pte = pendingEntry(h)
	}
	if replaced {
		as.flushTLB()
	}
	if populate {
		for a := addr; a < addr+VirtualAddress(size); a += PageSize {
			as.fill(a, as.lookup(a))
		}
		as.flushTLB()
	}
	as.tracef("mmap: [%#x, %#x) prot %d flags %#x descriptor %d", addr, addr+VirtualAddress(size), prot, flags, h)
	return addr, nil
}

// Munmap removes the mappings in [addr, addr+length). Frames of
// filled pages are not reclaimed.
func (as *AddressSpace) Munmap(addr VirtualAddress, length uint64) error {
	if !addr.aligned() || length == 0 || !as.validUserRange(addr, length) {
		return ErrInvalidArgument
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	as.doMunmap(addr, length)
	return nil
}

func (as *AddressSpace) doMunmap(addr VirtualAddress, length uint64) {
	end := addr + VirtualAddress(pageCount(length)*PageSize)
	for a := addr; a < end; a += PageSize {
		pte := as.lookup(a)
		if pte == nil || *pte == 0 {
			continue
		}
		as.unmapPage(pte)
	}
	as.flushTLB()
	as.tracef("munmap: [%#x, %#x)", addr, end)
}

// unmapPage clears a leaf entry, dropping its descriptor reference if
// the page was never filled.
func (as *AddressSpace) unmapPage(pte *pageTableEntry) {
	if pte.pending() {
		as.vmrs.decref(pte.handle(), 1)
	}
	*pte = 0
}

// Mprotect changes the protection of the pages in [addr, addr+length).
// Pending pages may not be given more than their mapping's ceiling;
// filled pages of read-only file mappings may not be made writable.
// The range is checked before any page is changed.
func (as *AddressSpace) Mprotect(addr VirtualAddress, length uint64, prot Prot) error {
	if !addr.aligned() || prot&^protAll != 0 {
		return ErrInvalidArgument
	}
	if !as.validUserRange(addr, length) {
		return ErrNoMapping
	}
	as.mu.Lock()
	defer as.mu.Unlock()

	end := addr + VirtualAddress(pageCount(length)*PageSize)
	// Pending pages per descriptor.
	pending := make(map[vmrHandle]uint32)
	for a := addr; a < end; a += PageSize {
		pte := as.lookup(a)
		if pte == nil || *pte == 0 {
			return ErrNoMapping
		}
		if pte.pending() {
			h := pte.handle()
			if prot&^as.vmrs.get(h).maxProt != 0 {
				return ErrPermissionDenied
			}
			pending[h]++
			continue
		}
		f := pte.flags()
		if f&pageFlagUser == 0 || (prot&ProtWrite != 0 && f&pageFlagNoWrite != 0) {
			return ErrPermissionDenied
		}
	}
	// Descriptors with pages outside the range are split.
	splits := 0
	for h, n := range pending {
		if v := as.vmrs.get(h); n < v.refcnt && v.prot != prot {
			splits++
		}
	}
	if splits > as.vmrs.available() {
		return ErrOutOfMemory
	}

	split := make(map[vmrHandle]vmrHandle)
	for a := addr; a < end; a += PageSize {
		pte := as.lookup(a)
		if !pte.pending() {
			keep := pte.flags() & pageFlagNoWrite
			*pte = leafEntry(pte.addr(), protToFlags(prot, true)|keep)
			continue
		}
		h := pte.handle()
		v := as.vmrs.get(h)
		switch {
		case v.prot == prot:
		case pending[h] == v.refcnt:
			v.prot = prot
		default:
			nh, ok := split[h]
			if !ok {
				nh, ok = as.vmrs.alloc(v.addr, v.length, v.file, v.offset, pending[h], prot, v.maxProt)
				if !ok {
					fatal("mprotect: descriptor table full after reservation")
				}
				split[h] = nh
			}
			*pte = pendingEntry(nh)
		}
	}
	for h, nh := range split {
		as.vmrs.decref(h, as.vmrs.get(nh).refcnt)
	}
	as.flushTLB()
	as.tracef("mprotect: [%#x, %#x) prot %d", addr, end, prot)
	return nil
}

// Brk moves the program break to addr, clamped to the heap bounds, and
// returns the new break. Pages between the old and new page-rounded
// break are mapped or unmapped. If the heap cannot grow, the break is
// left unchanged. The result is the clamped request, not rounded to a
// page; only the internal break is page aligned.
func (as *AddressSpace) Brk(addr VirtualAddress) VirtualAddress {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.doBrk(addr)
}

func (as *AddressSpace) doBrk(addr VirtualAddress) VirtualAddress {
	newbrk := addr
	if newbrk < as.brkMin {
		newbrk = as.brkMin
	} else if newbrk > as.brkMax {
		newbrk = as.brkMax
	}
	page := newbrk.AlignUp()
	switch {
	case as.brk > page:
		as.doMunmap(page, uint64(as.brk-page))
	case as.brk < page:
		const flags = MapFixed | MapPrivate | MapAnonymous
		if _, err := as.doMmap(as.brk, uint64(page-as.brk), protAll, flags, nil, 0); err != nil {
			as.tracef("brk: %#x: %v", addr, err)
			return as.brk
		}
	}
	as.brk = page
	return newbrk
}

// Mremap is not supported.
func (as *AddressSpace) Mremap(addr VirtualAddress, oldSize, newSize uint64, flags int) (VirtualAddress, error) {
	return 0, ErrNotSupported
}
