// SPDX-License-Identifier: Unlicense OR MIT

// Command pkvm boots a proxy kernel address space, optionally maps a
// file into it and prints the resulting page tables.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"eliasnaur.com/pk/vm"
)

var (
	memSize = flag.Uint64("mem", 16<<20, "RAM size in bytes")
	eager   = flag.Bool("p", false, "disable demand paging")
	trace   = flag.Bool("trace", false, "trace mapping changes and faults")
	heap    = flag.Uint64("heap", 3*vm.PageSize, "bytes to grow the heap by")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: pkvm [flags] [file]\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	cfg := vm.Config{
		MemSize:     *memSize,
		EagerPaging: *eager,
	}
	if *trace {
		cfg.Trace = os.Stderr
	}
	as, err := vm.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer as.Close()

	brkMin, _, _, _ := as.Bounds()
	end := as.Brk(brkMin + vm.VirtualAddress(*heap))
	fmt.Printf("heap: [%#x, %#x)\n", brkMin, end)

	if flag.NArg() > 0 {
		if err := mapFile(as, flag.Arg(0)); err != nil {
			log.Fatal(err)
		}
	}
	vm.WriteMappings(os.Stdout, as.Dump())
	if err := as.Verify(); err != nil {
		log.Fatal(err)
	}
	s := as.Stats()
	fmt.Printf("faults %d fills %d file reads %d frames %d tlb flushes %d\n", s.Faults, s.Fills, s.FileReads, s.Frames, s.TLBFlushes)
}

func mapFile(as *vm.AddressSpace, path string) error {
	f, err := vm.OpenFile(path)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := os.Stat(path)
	if err != nil {
		return err
	}
	size := uint64(st.Size())
	if size == 0 {
		return fmt.Errorf("pkvm: %s is empty", path)
	}
	addr, err := as.Mmap(0, size, vm.ProtRead, vm.MapPrivate, f, 0)
	if err != nil {
		return fmt.Errorf("pkvm: mmap %s: %v", path, err)
	}
	head := make([]byte, 16)
	if size < uint64(len(head)) {
		head = head[:size]
	}
	if err := as.Load(addr, head); err != nil {
		return fmt.Errorf("pkvm: load %#x: %v", addr, err)
	}
	fmt.Printf("%s: mapped at %#x, first bytes % x\n", path, addr, head)
	return nil
}
