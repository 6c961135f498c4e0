// SPDX-License-Identifier: Unlicense OR MIT

package vm

import (
	"fmt"
	"io"
)

// Mapping describes one leaf page table entry.
type Mapping struct {
	Addr VirtualAddress
	// Pending is set for pages not yet filled; Descriptor then
	// identifies their mapping descriptor.
	Pending    bool
	Descriptor int
	Frame      PhysicalAddress
	Prot       Prot
	User       bool
}

// Descriptor describes a live mapping descriptor.
type Descriptor struct {
	Handle  int
	Addr    VirtualAddress
	Length  uint64
	Offset  uint64
	Refs    int
	Prot    Prot
	HasFile bool
}

// Dump returns every non-empty leaf entry in address order.
func (as *AddressSpace) Dump() []Mapping {
	as.mu.Lock()
	defer as.mu.Unlock()
	var entries []Mapping
	as.visitLeaves(as.root, as.levels-1, 0, func(addr VirtualAddress, e pageTableEntry) {
		m := Mapping{Addr: addr}
		switch s := e.state(); s.kind {
		case leafPending:
			m.Pending = true
			m.Descriptor = int(s.vmr)
			m.Prot = as.vmrs.get(s.vmr).prot
			m.User = true
		case leafBacked:
			m.Frame = s.frame
			m.Prot = flagsToProt(s.flags)
			m.User = s.flags&pageFlagUser != 0
		}
		entries = append(entries, m)
	})
	return entries
}

func (as *AddressSpace) visitLeaves(table PhysicalAddress, level int, base VirtualAddress, fn func(VirtualAddress, pageTableEntry)) {
	t := as.mem.pageTable(table)
	for i, e := range t {
		if e == 0 {
			continue
		}
		vaddr := base + VirtualAddress(i)<<(PageShift+levelBits*level)
		if level == 0 {
			fn(vaddr, e)
			continue
		}
		if !e.valid() || e.isLeaf() {
			fatal("visitLeaves: bad intermediate entry")
		}
		as.visitLeaves(e.addr(), level-1, vaddr, fn)
	}
}

// Descriptors returns the live mapping descriptors.
func (as *AddressSpace) Descriptors() []Descriptor {
	as.mu.Lock()
	defer as.mu.Unlock()
	var descs []Descriptor
	for i := range as.vmrs {
		v := &as.vmrs[i]
		if v.refcnt == 0 {
			continue
		}
		descs = append(descs, Descriptor{
			Handle:  i,
			Addr:    v.addr,
			Length:  v.length,
			Offset:  v.offset,
			Refs:    int(v.refcnt),
			Prot:    v.prot,
			HasFile: v.file != nil,
		})
	}
	return descs
}

// Verify checks that every descriptor's reference count matches the
// number of pending entries referring to it, and that the heap bounds
// are ordered.
func (as *AddressSpace) Verify() error {
	as.mu.Lock()
	defer as.mu.Unlock()
	var refs [DescriptorCapacity]uint32
	var err error
	as.visitLeaves(as.root, as.levels-1, 0, func(addr VirtualAddress, e pageTableEntry) {
		if !e.pending() {
			return
		}
		h := e.handle()
		if int(h) >= len(refs) || as.vmrs[h].refcnt == 0 {
			if err == nil {
				err = kernError(fmt.Sprintf("verify: %#x refers to free descriptor %d", addr, h))
			}
			return
		}
		refs[h]++
	})
	if err != nil {
		return err
	}
	for i := range as.vmrs {
		if got, want := refs[i], as.vmrs[i].refcnt; got != want {
			return kernError(fmt.Sprintf("verify: descriptor %d has %d references, %d pending pages", i, want, got))
		}
	}
	if !(as.brkMin <= as.brk && as.brk <= as.brkMax && as.brkMax <= as.mmapMax) {
		return kernError(fmt.Sprintf("verify: bad heap bounds %#x <= %#x <= %#x <= %#x", as.brkMin, as.brk, as.brkMax, as.mmapMax))
	}
	return nil
}

// WriteMappings prints the mappings, merging runs of adjacent pages
// with the same state.
func WriteMappings(w io.Writer, entries []Mapping) {
	for i := 0; i < len(entries); {
		m := entries[i]
		j := i + 1
		for j < len(entries) && sameRun(entries[j-1], entries[j]) {
			j++
		}
		end := entries[j-1].Addr + PageSize
		switch {
		case m.Pending:
			fmt.Fprintf(w, "%#010x-%#010x pending %s descriptor %d\n", m.Addr, end, m.Prot, m.Descriptor)
		case m.User:
			fmt.Fprintf(w, "%#010x-%#010x user    %s frame %#x\n", m.Addr, end, m.Prot, m.Frame)
		default:
			fmt.Fprintf(w, "%#010x-%#010x kernel  %s frame %#x\n", m.Addr, end, m.Prot, m.Frame)
		}
		i = j
	}
}

func sameRun(a, b Mapping) bool {
	if b.Addr != a.Addr+PageSize || a.Pending != b.Pending || a.Prot != b.Prot || a.User != b.User {
		return false
	}
	if a.Pending {
		return a.Descriptor == b.Descriptor
	}
	return b.Frame == a.Frame+PageSize
}

func (p Prot) String() string {
	b := []byte("---")
	if p&ProtRead != 0 {
		b[0] = 'r'
	}
	if p&ProtWrite != 0 {
		b[1] = 'w'
	}
	if p&ProtExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}
