// SPDX-License-Identifier: Unlicense OR MIT

package vm

import (
	"io"
	"sync/atomic"

	"golang.org/x/exp/mmap"
)

// File is the backing of a file mapping. Mapping descriptors hold a
// reference for as long as any of their pages is not faulted in.
type File interface {
	// ReadAt is a positioned read. Short reads are allowed; the
	// fault handler zero fills the rest of the page.
	ReadAt(p []byte, off int64) (int, error)
	// Prot returns the widest protection a private mapping of the
	// file may be given.
	Prot() Prot
	IncRef()
	DecRef()
}

// RefFile is a reference counted File. The underlying closer is
// closed when the last reference is dropped.
type RefFile struct {
	r    io.ReaderAt
	c    io.Closer
	prot Prot
	refs int32
}

type mappedFile struct {
	*mmap.ReaderAt
}

// NewFile wraps r in a File with a single reference owned by the
// caller.
func NewFile(r io.ReaderAt, c io.Closer, prot Prot) *RefFile {
	return &RefFile{r: r, c: c, prot: prot, refs: 1}
}

// OpenFile maps the named file read-only for use as mapping backing.
func OpenFile(path string) (*RefFile, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	return NewFile(mappedFile{r}, r, ProtRead|ProtExec), nil
}

func (f *RefFile) ReadAt(p []byte, off int64) (int, error) {
	return f.r.ReadAt(p, off)
}

func (f *RefFile) Prot() Prot {
	return f.prot
}

func (f *RefFile) IncRef() {
	atomic.AddInt32(&f.refs, 1)
}

func (f *RefFile) DecRef() {
	switch n := atomic.AddInt32(&f.refs, -1); {
	case n < 0:
		fatal("file: negative ref count")
	case n == 0 && f.c != nil:
		f.c.Close()
	}
}

// Refs returns the current number of references.
func (f *RefFile) Refs() int {
	return int(atomic.LoadInt32(&f.refs))
}

// Close drops the caller's reference.
func (f *RefFile) Close() error {
	f.DecRef()
	return nil
}

// ReadAt reports io.EOF for reads past the end, where the mmap reader
// reports an invalid offset.
func (m mappedFile) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(m.Len()) {
		return 0, io.EOF
	}
	return m.ReaderAt.ReadAt(p, off)
}
