// SPDX-License-Identifier: Unlicense OR MIT

//go:build unix

package vm

import (
	"golang.org/x/sys/unix"
)

const (
	// RISC-V Linux system call numbers.
	_SYS_brk      = 214
	_SYS_munmap   = 215
	_SYS_mremap   = 216
	_SYS_mmap     = 222
	_SYS_mprotect = 226
)

// FileTable resolves file descriptors for mmap.
type FileTable interface {
	Lookup(fd int) (File, bool)
}

// Syscall executes a memory management system call and returns its
// result register: an address, zero, or a negated errno.
func (as *AddressSpace) Syscall(files FileTable, sysno, a0, a1, a2, a3, a4, a5 uint64) uint64 {
	switch sysno {
	case _SYS_brk:
		return uint64(as.Brk(VirtualAddress(a0)))
	case _SYS_mmap:
		addr := VirtualAddress(a0)
		length := a1
		prot := Prot(a2)
		flags := int(a3)
		fd := int(int32(a4))
		off := a5
		var f File
		if flags&MapAnonymous == 0 && files != nil {
			if file, ok := files.Lookup(fd); ok {
				f = file
			}
		}
		addr, err := as.Mmap(addr, length, prot, flags, f, off)
		if err != nil {
			return errnoResult(err)
		}
		return uint64(addr)
	case _SYS_munmap:
		if err := as.Munmap(VirtualAddress(a0), a1); err != nil {
			return errnoResult(err)
		}
		return 0
	case _SYS_mprotect:
		if err := as.Mprotect(VirtualAddress(a0), a1, Prot(a2)); err != nil {
			return errnoResult(err)
		}
		return 0
	case _SYS_mremap:
		_, err := as.Mremap(VirtualAddress(a0), a1, a2, int(a3))
		return errnoResult(err)
	}
	return errnoResult(ErrNotSupported)
}

// Errno maps an error from this package to its errno value.
func Errno(err error) unix.Errno {
	switch err {
	case nil:
		return 0
	case ErrInvalidArgument:
		return unix.EINVAL
	case ErrOutOfMemory, ErrNoMapping:
		return unix.ENOMEM
	case ErrPermissionDenied:
		return unix.EACCES
	case ErrNotSupported:
		return unix.ENOSYS
	case ErrBadFile:
		return unix.EBADF
	default:
		return unix.EFAULT
	}
}

func errnoResult(err error) uint64 {
	return ^uint64(Errno(err)) + 1
}
