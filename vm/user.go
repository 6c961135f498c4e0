// SPDX-License-Identifier: Unlicense OR MIT

// User space accesses, translated the way the MMU does.

package vm

// Load copies len(p) bytes at addr into p with user read access.
// Missing or pending translations fault into the page fault handler;
// a fault that cannot be resolved aborts the copy and is returned.
func (as *AddressSpace) Load(addr VirtualAddress, p []byte) error {
	return as.copyUser(addr, p, ProtRead)
}

// Store copies p to addr with user write access.
func (as *AddressSpace) Store(addr VirtualAddress, p []byte) error {
	return as.copyUser(addr, p, ProtWrite)
}

// Fetch reads instruction bytes at addr with execute access.
func (as *AddressSpace) Fetch(addr VirtualAddress, p []byte) error {
	return as.copyUser(addr, p, ProtExec)
}

func (as *AddressSpace) copyUser(addr VirtualAddress, p []byte, access Prot) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	for len(p) > 0 {
		page, err := as.userPage(addr, access)
		if err != nil {
			return err
		}
		var n int
		if access == ProtWrite {
			n = copy(page, p)
		} else {
			n = copy(p, page)
		}
		p = p[n:]
		addr += VirtualAddress(n)
	}
	return nil
}

// Populate touches every page of [start, start+size) so that it is
// filled, with a write access if prot includes ProtWrite. A range
// that wraps around the address space is unmapped.
func (as *AddressSpace) Populate(start VirtualAddress, size uint64, prot Prot) error {
	access := ProtRead
	if prot&ProtWrite != 0 {
		access = ProtWrite
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	end := start + VirtualAddress(size)
	if end < start {
		return ErrUnmapped
	}
	for a := start.Align(); a < end; a += PageSize {
		if _, err := as.userPage(a, access); err != nil {
			return err
		}
	}
	return nil
}

// Translate returns the physical address addr maps to, if its page is
// filled.
func (as *AddressSpace) Translate(addr VirtualAddress) (PhysicalAddress, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if uint64(addr) >= as.vaLimit() {
		return 0, false
	}
	pte := as.lookup(addr.Align())
	if pte == nil || !pte.valid() {
		return 0, false
	}
	return pte.addr() + PhysicalAddress(addr&(PageSize-1)), true
}

// userPage returns the bytes from addr to the end of its page,
// faulting the page in if the translation does not permit access.
func (as *AddressSpace) userPage(addr VirtualAddress, access Prot) ([]byte, error) {
	if uint64(addr) >= as.vaLimit() {
		as.stats.Faults++
		return nil, ErrUnmapped
	}
	perms := protToFlags(access, true) | pageFlagValid
	pte := as.lookup(addr.Align())
	if pte == nil || pageFlags(*pte)&perms != perms {
		if err := as.handlePageFault(addr, access); err != nil {
			return nil, err
		}
		pte = as.lookup(addr.Align())
	}
	off := int(addr & (PageSize - 1))
	return as.mem.page(pte.addr())[off:], nil
}
