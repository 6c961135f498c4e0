// SPDX-License-Identifier: Unlicense OR MIT

package vm

import (
	"unsafe"
)

// vmr describes the backing of one mmap call. Every pending leaf
// entry referring to it holds one reference.
type vmr struct {
	addr   VirtualAddress
	length uint64
	file   File
	offset uint64
	refcnt uint32
	prot   Prot
	// maxProt bounds what mprotect may grant.
	maxProt Prot
}

type vmrHandle int

// DescriptorCapacity is the number of mapping descriptors that fit in
// a page. It limits the number of mappings with pages not yet faulted
// in.
const DescriptorCapacity = PageSize / int(unsafe.Sizeof(vmr{}))

type vmrTable [DescriptorCapacity]vmr

// alloc returns a free descriptor slot, or false if all are in use.
func (t *vmrTable) alloc(addr VirtualAddress, length uint64, f File, offset uint64, refcnt uint32, prot, maxProt Prot) (vmrHandle, bool) {
	if refcnt == 0 {
		fatal("vmr alloc: zero reference count")
	}
	for i := range t {
		v := &t[i]
		if v.refcnt != 0 {
			continue
		}
		if f != nil {
			f.IncRef()
		}
		*v = vmr{
			addr:    addr,
			length:  length,
			file:    f,
			offset:  offset,
			refcnt:  refcnt,
			prot:    prot,
			maxProt: maxProt,
		}
		return vmrHandle(i), true
	}
	return 0, false
}

func (t *vmrTable) get(h vmrHandle) *vmr {
	if h < 0 || int(h) >= len(t) || t[h].refcnt == 0 {
		fatal("vmr: stale handle")
	}
	return &t[h]
}

// decref drops dec references and releases the file when none are
// left.
func (t *vmrTable) decref(h vmrHandle, dec uint32) {
	v := t.get(h)
	if dec > v.refcnt {
		fatal("vmr decref: negative ref count")
	}
	v.refcnt -= dec
	if v.refcnt == 0 {
		f := v.file
		*v = vmr{}
		if f != nil {
			f.DecRef()
		}
	}
}

// available returns the number of free slots.
func (t *vmrTable) available() int {
	n := 0
	for i := range t {
		if t[i].refcnt == 0 {
			n++
		}
	}
	return n
}
