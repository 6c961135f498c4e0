// SPDX-License-Identifier: Unlicense OR MIT

package vm

import (
	"testing"

	"golang.org/x/exp/rand"
)

func TestVMAllocLowest(t *testing.T) {
	as := newTestSpace(t, Config{})
	_, brk, _, _ := as.Bounds()
	a, err := as.Mmap(0, 2*PageSize, ProtRead, MapPrivate|MapAnonymous, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if a != brk {
		t.Errorf("first mapping at %#x, want the break %#x", a, brk)
	}
	b, err := as.Mmap(0x700000, PageSize, ProtRead, MapPrivate|MapAnonymous, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if b != a+2*PageSize {
		t.Errorf("second mapping at %#x, want %#x", b, a+2*PageSize)
	}
	if err := as.Munmap(a, PageSize); err != nil {
		t.Fatal(err)
	}
	c, err := as.Mmap(0, PageSize, ProtRead, MapPrivate|MapAnonymous, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if c != a {
		t.Errorf("mapping after munmap at %#x, want the hole at %#x", c, a)
	}
	// Too large for the one page hole.
	if err := as.Munmap(a, PageSize); err != nil {
		t.Fatal(err)
	}
	d, err := as.Mmap(0, 2*PageSize, ProtRead, MapPrivate|MapAnonymous, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if d != b+PageSize {
		t.Errorf("two page mapping at %#x, want %#x above the hole", d, b+PageSize)
	}
}

func TestVMAllocExhausted(t *testing.T) {
	as := newTestSpace(t, Config{})
	_, brk, _, mmapMax := as.Bounds()
	if _, ok := as.vmAlloc(uint64(mmapMax-brk)/PageSize + 1); ok {
		t.Error("vmAlloc succeeded for more pages than the arena holds")
	}
	if _, ok := as.vmAlloc(0); ok {
		t.Error("vmAlloc succeeded for zero pages")
	}
	if _, ok := as.vmAlloc(^uint64(0) / PageSize); ok {
		t.Error("vmAlloc succeeded for an overflowing size")
	}
}

func TestValidUserRange(t *testing.T) {
	as := newTestSpace(t, Config{})
	_, _, _, top := as.Bounds()
	tests := []struct {
		addr   VirtualAddress
		length uint64
		valid  bool
	}{
		{0, PageSize, true},
		{top - PageSize, PageSize, true},
		{top - PageSize, 2 * PageSize, false},
		{top, 0, true},
		{top, 1, false},
		{^VirtualAddress(0) - PageSize + 1, 2 * PageSize, false},
		{VirtualAddress(DRAMBase), PageSize, false},
	}
	for _, test := range tests {
		if got := as.validUserRange(test.addr, test.length); got != test.valid {
			t.Errorf("validUserRange(%#x, %#x) = %v, want %v", test.addr, test.length, got, test.valid)
		}
	}
}

func TestMmapNoOverlap(t *testing.T) {
	as := newTestSpace(t, Config{MemSize: 32 << 20})
	rng := rand.New(rand.NewSource(1))
	type region struct {
		addr VirtualAddress
		size uint64
	}
	var live []region
	for i := 0; i < 200; i++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			j := rng.Intn(len(live))
			r := live[j]
			if err := as.Munmap(r.addr, r.size); err != nil {
				t.Fatalf("munmap %#x: %v", r.addr, err)
			}
			live = append(live[:j], live[j+1:]...)
			continue
		}
		size := uint64(1+rng.Intn(8)) * PageSize
		addr, err := as.Mmap(0, size, ProtRead|ProtWrite, MapPrivate|MapAnonymous, nil, 0)
		if err == ErrOutOfMemory {
			continue
		}
		if err != nil {
			t.Fatalf("mmap %#x: %v", size, err)
		}
		for _, r := range live {
			if addr < r.addr+VirtualAddress(r.size) && r.addr < addr+VirtualAddress(size) {
				t.Fatalf("[%#x, %#x) overlaps live [%#x, %#x)", addr, addr+VirtualAddress(size), r.addr, r.addr+VirtualAddress(r.size))
			}
		}
		live = append(live, region{addr, size})
	}
	if err := as.Verify(); err != nil {
		t.Error(err)
	}
}
