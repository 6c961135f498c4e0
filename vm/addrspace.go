// SPDX-License-Identifier: Unlicense OR MIT

package vm

import (
	"fmt"
	"io"
	"sync"
)

// Prot is a mapping protection.
type Prot int

const (
	ProtNone  Prot = 0
	ProtRead  Prot = 1
	ProtWrite Prot = 2
	ProtExec  Prot = 4

	protAll = ProtRead | ProtWrite | ProtExec
)

// Config describes the machine an address space is created for. The
// zero value selects the defaults.
type Config struct {
	// MemSize is the size of RAM in bytes.
	MemSize uint64
	// KernelSize is the size of the runtime image at the start of
	// RAM.
	KernelSize uint64
	// MetadataPages is the number of pages reserved after the image
	// for page tables and bootstrap data.
	MetadataPages uint64
	// VABits is the virtual address width, 39 or 48.
	VABits int
	// BrkMin is the lowest heap address, usually the end of the
	// program image.
	BrkMin VirtualAddress
	// StackSize is the size of the initial stack mapping.
	StackSize uint64
	// EagerPaging disables demand paging: every mapping is
	// populated at mmap time.
	EagerPaging bool
	// Trace receives a line per mapping change and page fault.
	Trace io.Writer
	// FlushTLB is called whenever translations are invalidated.
	FlushTLB func()
}

// Stats counts address space events.
type Stats struct {
	// Faults is the number of page faults handled.
	Faults int
	// Fills is the number of pages filled from their descriptor.
	Fills int
	// FileReads is the number of fills read from a file.
	FileReads int
	// Frames is the number of physical frames allocated.
	Frames int
	// TLBFlushes is the number of TLB flushes.
	TLBFlushes int
}

// AddressSpace is a single user address space and the physical memory
// backing it. All operations are serialized by one lock.
type AddressSpace struct {
	mu sync.Mutex

	cfg    Config
	levels int
	mem    memory
	root   PhysicalAddress
	vmrs   vmrTable

	// firstFreePaddr is the end of the identity mapped kernel
	// region.
	firstFreePaddr PhysicalAddress

	brk      VirtualAddress
	brkMin   VirtualAddress
	brkMax   VirtualAddress
	mmapMax  VirtualAddress
	stackTop VirtualAddress

	stats Stats
}

const (
	defaultMemSize    = 16 << 20
	defaultKernelSize = 256 << 10
	defaultBrkMin     = 0x10000
)

func (c Config) withDefaults() Config {
	if c.MemSize == 0 {
		c.MemSize = defaultMemSize
	}
	if c.KernelSize == 0 {
		c.KernelSize = defaultKernelSize
	}
	memPages := c.MemSize / PageSize
	if c.MetadataPages == 0 {
		c.MetadataPages = memPages >> (levelBits - 1)
		if c.MetadataPages < 8 {
			c.MetadataPages = 8
		}
	}
	if c.VABits == 0 {
		c.VABits = 39
	}
	if c.BrkMin == 0 {
		c.BrkMin = defaultBrkMin
	}
	if c.StackSize == 0 {
		pages := memPages >> 5
		if pages > 2048 {
			pages = 2048
		}
		c.StackSize = pages * PageSize
	}
	return c
}

// New creates an address space: it allocates RAM, identity maps the
// runtime image and metadata region and maps the initial stack at the
// top of the user arena.
func New(cfg Config) (*AddressSpace, error) {
	cfg = cfg.withDefaults()
	if cfg.VABits != 39 && cfg.VABits != 48 {
		return nil, kernError("New: unsupported virtual address width")
	}
	if cfg.MemSize%PageSize != 0 || cfg.KernelSize%PageSize != 0 || cfg.StackSize%PageSize != 0 {
		return nil, kernError("New: sizes must be page aligned")
	}
	reserved := cfg.KernelSize + cfg.MetadataPages*PageSize
	if reserved >= cfg.MemSize {
		return nil, kernError("New: no memory left after the kernel")
	}
	ram, err := allocRAM(int(cfg.MemSize))
	if err != nil {
		return nil, err
	}
	as := &AddressSpace{
		cfg:    cfg,
		levels: (cfg.VABits - PageShift) / levelBits,
		mem:    newMemory(ram, DRAMBase+PhysicalAddress(cfg.KernelSize)),
	}
	as.root = as.mem.mustAlloc()
	as.firstFreePaddr = DRAMBase + PhysicalAddress(reserved)
	as.mapKernelRange(VirtualAddress(DRAMBase), DRAMBase, reserved, protAll)

	as.mmapMax = VirtualAddress(DRAMBase)
	if avail := VirtualAddress(cfg.MemSize - reserved); avail < as.mmapMax {
		as.mmapMax = avail
	}
	as.brkMax = as.mmapMax
	as.brkMin = cfg.BrkMin
	as.brk = as.brkMin.AlignUp()
	if as.brk+VirtualAddress(cfg.StackSize) >= as.mmapMax {
		freeRAM(ram)
		return nil, kernError("New: BrkMin leaves no room for the stack")
	}

	const stackFlags = MapPrivate | MapAnonymous | MapFixed
	bottom, err := as.doMmap(as.mmapMax-VirtualAddress(cfg.StackSize), cfg.StackSize, protAll, stackFlags, nil, 0)
	if err != nil {
		freeRAM(ram)
		return nil, err
	}
	as.lowerBrkMax(bottom)
	as.stackTop = bottom + VirtualAddress(cfg.StackSize)
	as.flushTLB()
	as.tracef("vm: mem %#x mmap_max %#x brk [%#x, %#x] stack %#x", cfg.MemSize, as.mmapMax, as.brkMin, as.brkMax, bottom)
	return as, nil
}

// Close drops the file references of pending mappings and releases
// RAM. The address space must not be used afterwards.
func (as *AddressSpace) Close() error {
	as.mu.Lock()
	defer as.mu.Unlock()
	for i := range as.vmrs {
		if v := &as.vmrs[i]; v.refcnt != 0 {
			as.vmrs.decref(vmrHandle(i), v.refcnt)
		}
	}
	ram := as.mem.ram
	as.mem = memory{}
	if ram == nil {
		return nil
	}
	return freeRAM(ram)
}

// Bounds returns the heap bounds, the current break and the top of
// the mmap arena.
func (as *AddressSpace) Bounds() (brkMin, brk, brkMax, mmapMax VirtualAddress) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.brkMin, as.brk, as.brkMax, as.mmapMax
}

// StackTop returns the top of the initial stack.
func (as *AddressSpace) StackTop() VirtualAddress {
	return as.stackTop
}

func (as *AddressSpace) Stats() Stats {
	as.mu.Lock()
	defer as.mu.Unlock()
	s := as.stats
	s.Frames = as.mem.allocated
	return s
}

func (as *AddressSpace) flushTLB() {
	as.stats.TLBFlushes++
	if as.cfg.FlushTLB != nil {
		as.cfg.FlushTLB()
	}
}

func (as *AddressSpace) tracef(format string, args ...interface{}) {
	if as.cfg.Trace == nil {
		return
	}
	fmt.Fprintf(as.cfg.Trace, format+"\n", args...)
}
