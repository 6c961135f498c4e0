// SPDX-License-Identifier: Unlicense OR MIT

package vm

import (
	"io"
)

// HandlePageFault resolves a fault at addr for the given access. A
// pending page is filled and mapped with the protection of its
// mapping; the access is then checked against the installed
// permissions. The result is nil, ErrUnmapped or ErrPermissionDenied.
func (as *AddressSpace) HandlePageFault(addr VirtualAddress, access Prot) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.handlePageFault(addr, access)
}

func (as *AddressSpace) handlePageFault(addr VirtualAddress, access Prot) error {
	as.stats.Faults++
	addr = addr.Align()
	if !as.validUserRange(addr, 1) {
		return ErrUnmapped
	}
	pte := as.lookup(addr)
	if pte == nil || *pte == 0 {
		as.tracef("fault: %#x unmapped", addr)
		return ErrUnmapped
	}
	if pte.pending() {
		as.fill(addr, pte)
	}
	perms := protToFlags(access, true)
	if pageFlags(*pte)&perms != perms {
		as.tracef("fault: %#x access %d denied", addr, access)
		return ErrPermissionDenied
	}
	as.flushTLB()
	return nil
}

// fill backs the pending page at addr with a new frame. The frame is
// first mapped writable for the kernel to copy into, then remapped
// with the mapping's protection.
func (as *AddressSpace) fill(addr VirtualAddress, pte *pageTableEntry) {
	h := pte.handle()
	v := as.vmrs.get(h)
	frame := as.mem.mustAlloc()
	*pte = leafEntry(frame, protToFlags(ProtRead|ProtWrite, false))
	as.flushTLB()

	dst := as.kernelPage(addr)
	n := 0
	if v.file != nil {
		voff := uint64(addr - v.addr)
		flen := v.length - voff
		if flen > PageSize {
			flen = PageSize
		}
		var err error
		n, err = v.file.ReadAt(dst[:flen], int64(v.offset+voff))
		if err != nil && err != io.EOF {
			fatalError(err)
		}
		as.stats.FileReads++
	}
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}

	flags := protToFlags(v.prot, true)
	if v.maxProt&ProtWrite == 0 {
		flags |= pageFlagNoWrite
	}
	as.vmrs.decref(h, 1)
	*pte = leafEntry(frame, flags)
	as.stats.Fills++
	as.tracef("fault: %#x filled from frame %#x (%d bytes read)", addr, frame, n)
}

// kernelPage returns the page mapped at addr for supervisor writes.
func (as *AddressSpace) kernelPage(addr VirtualAddress) []byte {
	pte := as.lookup(addr)
	const want = pageFlagValid | pageFlagWrite
	if pte == nil || pageFlags(*pte)&(want|pageFlagUser) != want {
		fatal("kernelPage: page not writable by the kernel")
	}
	return as.mem.page(pte.addr())
}
