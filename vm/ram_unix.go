// SPDX-License-Identifier: Unlicense OR MIT

//go:build unix

package vm

import (
	"golang.org/x/sys/unix"
)

// allocRAM reserves the simulated DRAM region outside the Go heap so
// page tables can be addressed in place.
func allocRAM(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func freeRAM(ram []byte) error {
	return unix.Munmap(ram)
}
