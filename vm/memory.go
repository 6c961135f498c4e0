// SPDX-License-Identifier: Unlicense OR MIT

package vm

import (
	"unsafe"
)

const (
	PageShift = 12
	PageSize  = 1 << PageShift

	// DRAMBase is the physical address where RAM starts.
	DRAMBase PhysicalAddress = 0x80000000

	levelBits     = 9
	pageTableSize = 1 << levelBits
)

type PhysicalAddress uintptr

type VirtualAddress uintptr

// memory is a bump allocator for physical page frames. Frames are
// never returned.
type memory struct {
	ram []byte
	// next is the physical address of the next free frame.
	next PhysicalAddress
	end  PhysicalAddress
	// allocated counts frames handed out.
	allocated int
}

func newMemory(ram []byte, start PhysicalAddress) memory {
	return memory{
		ram:  ram,
		next: start.AlignUp(),
		end:  DRAMBase + PhysicalAddress(len(ram)),
	}
}

// alloc returns a zeroed page frame.
func (m *memory) alloc() (PhysicalAddress, error) {
	if m.next+PageSize > m.end {
		return 0, kernError("alloc: out of memory")
	}
	addr := m.next
	m.next += PageSize
	m.allocated++
	page := m.page(addr)
	for i := range page {
		page[i] = 0
	}
	return addr, nil
}

// mustAlloc is like alloc but calls fatal if memory is exhausted.
func (m *memory) mustAlloc() PhysicalAddress {
	addr, err := m.alloc()
	if err != nil {
		fatalError(err)
	}
	return addr
}

// free returns the number of frames left.
func (m *memory) free() int {
	return int((m.end - m.next) / PageSize)
}

// page returns the bytes of the frame containing addr.
func (m *memory) page(addr PhysicalAddress) []byte {
	addr = addr.Align()
	if addr < DRAMBase || addr+PageSize > m.end {
		fatal("page: physical address outside RAM")
	}
	off := uintptr(addr - DRAMBase)
	return m.ram[off : off+PageSize : off+PageSize]
}

func (m *memory) pageTable(addr PhysicalAddress) *pageTable {
	return (*pageTable)(unsafe.Pointer(&m.page(addr)[0]))
}

// Align the address downwards to the page size.
func (a PhysicalAddress) Align() PhysicalAddress {
	return a &^ PhysicalAddress(PageSize-1)
}

// Align the address upwards to the page size.
func (a PhysicalAddress) AlignUp() PhysicalAddress {
	return (a + PageSize - 1) &^ PhysicalAddress(PageSize-1)
}

// Align the address downwards to the page size.
func (a VirtualAddress) Align() VirtualAddress {
	return a &^ VirtualAddress(PageSize-1)
}

// Align the address upwards to the page size.
func (a VirtualAddress) AlignUp() VirtualAddress {
	return (a + PageSize - 1) &^ VirtualAddress(PageSize-1)
}

func (a VirtualAddress) aligned() bool {
	return a&(PageSize-1) == 0
}

func pageCount(length uint64) uint64 {
	return (length + PageSize - 1) / PageSize
}
