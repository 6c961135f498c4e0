// SPDX-License-Identifier: Unlicense OR MIT

package vm

// kernError is the error type of the memory core.
type kernError string

// Page fault results. The trap dispatcher turns both into a fatal
// signal for the faulting thread.
const (
	ErrUnmapped         kernError = "page fault on unmapped address"
	ErrPermissionDenied kernError = "page fault: access not permitted"
)

const (
	ErrInvalidArgument kernError = "invalid argument"
	ErrOutOfMemory     kernError = "out of memory"
	ErrNotSupported    kernError = "operation not supported"
	ErrBadFile         kernError = "bad file descriptor"
	// ErrNoMapping is returned by Mprotect for ranges with unmapped
	// pages.
	ErrNoMapping kernError = "range not mapped"
)

func (k kernError) Error() string {
	return string(k)
}

// fatalError reports an unrecoverable error.
func fatalError(err error) {
	switch err := err.(type) {
	case kernError:
		panic(err)
	default:
		panic(kernError(err.Error()))
	}
}

// fatal reports a broken invariant.
func fatal(msg string) {
	panic(kernError(msg))
}
