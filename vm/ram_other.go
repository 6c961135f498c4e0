// SPDX-License-Identifier: Unlicense OR MIT

//go:build !unix

package vm

import "unsafe"

func allocRAM(size int) ([]byte, error) {
	// Page table entries are accessed in place and must be 8 byte
	// aligned.
	words := make([]uint64, (size+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size), nil
}

func freeRAM(ram []byte) error {
	return nil
}
