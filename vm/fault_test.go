// SPDX-License-Identifier: Unlicense OR MIT

package vm

import (
	"bytes"
	"strings"
	"sync"
	"testing"
)

const anon = MapPrivate | MapAnonymous

func TestFaultUnmapped(t *testing.T) {
	as := newTestSpace(t, Config{})
	tests := []struct {
		name string
		addr VirtualAddress
	}{
		{"below break", 0x5000},
		{"arena hole", 0x800000},
		{"kernel", VirtualAddress(DRAMBase)},
		{"outside address space", 1 << 40},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if err := as.HandlePageFault(test.addr, ProtRead); err != ErrUnmapped {
				t.Errorf("HandlePageFault = %v, want ErrUnmapped", err)
			}
			if err := as.Load(test.addr, make([]byte, 8)); err != ErrUnmapped {
				t.Errorf("Load = %v, want ErrUnmapped", err)
			}
		})
	}
}

func TestFaultFillsOnce(t *testing.T) {
	flushes := 0
	as := newTestSpace(t, Config{FlushTLB: func() { flushes++ }})
	addr, err := as.Mmap(0, 2*PageSize, ProtRead|ProtWrite, anon, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	before := as.Stats()
	if _, ok := as.Translate(addr); ok {
		t.Fatal("page translated before first access")
	}
	buf := make([]byte, 16)
	if err := as.Load(addr+100, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, make([]byte, 16)) {
		t.Errorf("anonymous page not zero: % x", buf)
	}
	if err := as.Store(addr+100, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := as.Load(addr+100, buf[:5]); err != nil || string(buf[:5]) != "hello" {
		t.Errorf("Load after Store = %q, %v", buf[:5], err)
	}
	s := as.Stats()
	if got := s.Fills - before.Fills; got != 1 {
		t.Errorf("fills = %d, want 1", got)
	}
	if got := s.Faults - before.Faults; got != 1 {
		t.Errorf("faults = %d, want 1", got)
	}
	if got := s.Frames - before.Frames; got != 1 {
		t.Errorf("frames allocated = %d, want 1", got)
	}
	if flushes != s.TLBFlushes {
		t.Errorf("FlushTLB called %d times, stats report %d", flushes, s.TLBFlushes)
	}
	if _, ok := as.Translate(addr + PageSize); ok {
		t.Error("untouched second page was filled")
	}
	if err := as.Verify(); err != nil {
		t.Error(err)
	}
}

func TestFaultStraddlesPages(t *testing.T) {
	as := newTestSpace(t, Config{})
	addr, err := as.Mmap(0, 2*PageSize, ProtRead|ProtWrite, anon, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("across the page boundary")
	at := addr + PageSize - 6
	if err := as.Store(at, data); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(data))
	if err := as.Load(at, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Load = %q, want %q", got, data)
	}
	if s := as.Stats(); s.Fills != 2 {
		t.Errorf("fills = %d, want 2", s.Fills)
	}
}

func TestFaultFileBacked(t *testing.T) {
	data := make([]byte, PageSize+PageSize/2)
	for i := range data {
		data[i] = byte(i*7 + 1)
	}
	f := newTestFile(data, ProtRead)
	as := newTestSpace(t, Config{})
	// The mapping is longer than the file; the tail reads as zeros.
	addr, err := as.Mmap(0, 3*PageSize, ProtRead, MapPrivate, f, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := f.Refs(); got != 2 {
		t.Errorf("file refs after mmap = %d, want 2", got)
	}
	got := make([]byte, 3*PageSize)
	if err := as.Load(addr, got); err != nil {
		t.Fatal(err)
	}
	want := make([]byte, 3*PageSize)
	copy(want, data)
	if !bytes.Equal(got, want) {
		t.Error("file mapping contents differ from the file")
	}
	if f.reads != 3 {
		t.Errorf("file read %d times, want 3", f.reads)
	}
	if got := f.Refs(); got != 1 {
		t.Errorf("file refs after filling every page = %d, want 1", got)
	}
	if s := as.Stats(); s.FileReads != 3 {
		t.Errorf("FileReads = %d, want 3", s.FileReads)
	}
	f.Close()
	if !f.closed {
		t.Error("file not closed")
	}
	if err := as.Load(addr, got[:1]); err != nil {
		t.Errorf("filled page unreadable after the file was closed: %v", err)
	}
}

func TestFaultFileOffset(t *testing.T) {
	data := make([]byte, 4*PageSize)
	for i := range data {
		data[i] = byte(i / PageSize)
	}
	f := newTestFile(data, ProtRead)
	defer f.Close()
	as := newTestSpace(t, Config{})
	// A mapping of 100 bytes reads only those bytes of the file.
	addr, err := as.Mmap(0, 100, ProtRead, MapPrivate, f, 2*PageSize)
	if err != nil {
		t.Fatal(err)
	}
	page := make([]byte, PageSize)
	if err := as.Load(addr, page); err != nil {
		t.Fatal(err)
	}
	for i, b := range page {
		want := byte(0)
		if i < 100 {
			want = 2
		}
		if b != want {
			t.Fatalf("byte %d = %d, want %d", i, b, want)
		}
	}
}

func TestFaultPermissions(t *testing.T) {
	tests := []struct {
		name               string
		prot               Prot
		load, store, fetch error
	}{
		{"none", ProtNone, ErrPermissionDenied, ErrPermissionDenied, ErrPermissionDenied},
		{"read", ProtRead, nil, ErrPermissionDenied, ErrPermissionDenied},
		{"read write", ProtRead | ProtWrite, nil, nil, ErrPermissionDenied},
		{"read exec", ProtRead | ProtExec, nil, ErrPermissionDenied, nil},
		{"all", protAll, nil, nil, nil},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			as := newTestSpace(t, Config{})
			addr, err := as.Mmap(0, PageSize, test.prot, anon, nil, 0)
			if err != nil {
				t.Fatal(err)
			}
			buf := make([]byte, 4)
			if err := as.Load(addr, buf); err != test.load {
				t.Errorf("Load = %v, want %v", err, test.load)
			}
			if err := as.Store(addr, buf); err != test.store {
				t.Errorf("Store = %v, want %v", err, test.store)
			}
			if err := as.Fetch(addr, buf); err != test.fetch {
				t.Errorf("Fetch = %v, want %v", err, test.fetch)
			}
			// The page is filled by the first fault even if the
			// access is then denied.
			if _, ok := as.Translate(addr); !ok {
				t.Error("page not filled")
			}
		})
	}
}

func TestFaultTrace(t *testing.T) {
	var trace strings.Builder
	as := newTestSpace(t, Config{Trace: &trace})
	addr, err := as.Mmap(0, PageSize, ProtRead, anon, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := as.HandlePageFault(addr+8, ProtRead); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"mmap:", "fault:"} {
		if !strings.Contains(trace.String(), want) {
			t.Errorf("trace lacks %q:\n%s", want, trace.String())
		}
	}
}

func TestFaultConcurrent(t *testing.T) {
	as := newTestSpace(t, Config{})
	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id byte) {
			defer wg.Done()
			addr, err := as.Mmap(0, 4*PageSize, ProtRead|ProtWrite, anon, nil, 0)
			if err != nil {
				errs <- err
				return
			}
			data := bytes.Repeat([]byte{id}, 4*PageSize)
			if err := as.Store(addr, data); err != nil {
				errs <- err
				return
			}
			got := make([]byte, len(data))
			if err := as.Load(addr, got); err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(got, data) {
				errs <- kernError("concurrent mapping contents clobbered")
			}
		}(byte(i + 1))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if err := as.Verify(); err != nil {
		t.Error(err)
	}
	if s := as.Stats(); s.Fills != workers*4 {
		t.Errorf("fills = %d, want %d", s.Fills, workers*4)
	}
}
