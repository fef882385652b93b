// Package buffer implements the Connection's input/message buffer
// described in spec.md §3: a contiguous byte slice with a small fixed
// prepend region and a growable payload region, plus a scatter-read
// operation that borrows a stack-resident overflow area to minimize
// per-read syscalls while keeping steady-state memory small. Grounded in
// original_source/net/Buffer.cpp (muduo's Buffer), expressed with Go
// slices instead of a raw vector<char>.
package buffer

import (
	"bytes"
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	// CheapPrepend is the minimum size of the prepend region (spec.md §3:
	// "a small fixed prepend region (>= 8 bytes)"), reserved for a caller
	// to later stamp a length header in front of already-appended data
	// without a second allocation.
	CheapPrepend = 8
	// InitialSize is the starting capacity of the payload region.
	InitialSize = 1024
	// overflowSize is the stack-resident scatter-read overflow area
	// (spec.md §3: ">= 64 KiB").
	overflowSize = 64 * 1024
)

var crlf = []byte("\r\n")

// Buffer is not safe for concurrent use; spec.md confines it to a single
// Connection, touched only on that Connection's owning loop thread.
type Buffer struct {
	buf        []byte
	readerIdx  int
	writerIdx  int
}

// New returns an empty Buffer with CheapPrepend bytes reserved ahead of
// the payload region.
func New() *Buffer {
	return &Buffer{
		buf:       make([]byte, CheapPrepend+InitialSize),
		readerIdx: CheapPrepend,
		writerIdx: CheapPrepend,
	}
}

func (b *Buffer) ReadableBytes() int { return b.writerIdx - b.readerIdx }
func (b *Buffer) WritableBytes() int { return len(b.buf) - b.writerIdx }
func (b *Buffer) PrependableBytes() int { return b.readerIdx }

// Peek returns the readable region without consuming it. The returned
// slice aliases the Buffer's storage and is only valid until the next
// mutating call.
func (b *Buffer) Peek() []byte {
	return b.buf[b.readerIdx:b.writerIdx]
}

// Retrieve consumes n bytes from the front of the readable region.
func (b *Buffer) Retrieve(n int) {
	if n >= b.ReadableBytes() {
		b.RetrieveAll()
		return
	}
	b.readerIdx += n
}

// RetrieveAll consumes the entire readable region and resets both indices
// so the next Append starts right after the prepend region again.
func (b *Buffer) RetrieveAll() {
	b.readerIdx = CheapPrepend
	b.writerIdx = CheapPrepend
}

// RetrieveAllAsString consumes and returns the entire readable region.
func (b *Buffer) RetrieveAllAsString() string {
	s := string(b.Peek())
	b.RetrieveAll()
	return s
}

// RetrieveAsString consumes and returns n bytes from the front.
func (b *Buffer) RetrieveAsString(n int) string {
	s := string(b.buf[b.readerIdx : b.readerIdx+n])
	b.Retrieve(n)
	return s
}

// Append grows the payload region as needed and copies data in.
func (b *Buffer) Append(data []byte) {
	if b.WritableBytes() < len(data) {
		b.makeSpace(len(data))
	}
	n := copy(b.buf[b.writerIdx:], data)
	b.writerIdx += n
}

// Prepend writes data just ahead of the current readable region; it must
// fit within PrependableBytes (spec.md §3's fixed prepend region exists
// precisely so this never needs to reallocate).
func (b *Buffer) Prepend(data []byte) error {
	if len(data) > b.PrependableBytes() {
		return errors.New("buffer: prepend data larger than prependable region")
	}
	b.readerIdx -= len(data)
	copy(b.buf[b.readerIdx:], data)
	return nil
}

// FindCRLF returns the index (relative to the readable region) of the
// first "\r\n", or -1 if none is present yet.
func (b *Buffer) FindCRLF() int {
	return bytes.Index(b.Peek(), crlf)
}

func (b *Buffer) makeSpace(need int) {
	if b.WritableBytes()+b.PrependableBytes() < need+CheapPrepend {
		newCap := len(b.buf) + need
		newBuf := make([]byte, newCap)
		n := copy(newBuf[CheapPrepend:], b.buf[b.readerIdx:b.writerIdx])
		b.buf = newBuf
		b.writerIdx = CheapPrepend + n
		b.readerIdx = CheapPrepend
		return
	}
	// Slide the readable region back to the front of the payload area to
	// reclaim the space already retrieved, instead of growing.
	readable := b.ReadableBytes()
	copy(b.buf[CheapPrepend:], b.buf[b.readerIdx:b.writerIdx])
	b.readerIdx = CheapPrepend
	b.writerIdx = CheapPrepend + readable
}

// ReadFromFd performs a scatter-read into the buffer's writable tail plus
// a stack-resident overflow area, so a single readv(2) call can drain a
// large readable fd without first growing the buffer (spec.md §3, §4.7).
// On success it appends whatever landed in the overflow area onto the
// buffer and returns the total bytes read (0 on EOF).
func (b *Buffer) ReadFromFd(fd int) (int, error) {
	var overflow [overflowSize]byte
	writable := b.WritableBytes()

	iov := make([][]byte, 0, 2)
	iov = append(iov, b.buf[b.writerIdx:])
	if writable < overflowSize {
		iov = append(iov, overflow[:])
	}

	n, err := readv(fd, iov)
	if err != nil || n == 0 {
		return n, err
	}

	if n <= writable {
		b.writerIdx += n
		return n, nil
	}
	b.writerIdx = len(b.buf)
	b.Append(overflow[:n-writable])
	return n, nil
}

func readv(fd int, iov [][]byte) (int, error) {
	vecs := make([]unix.Iovec, len(iov))
	for i, s := range iov {
		if len(s) == 0 {
			continue
		}
		vecs[i].SetLen(len(s))
		vecs[i].Base = &s[0]
	}
	n, _, errno := unix.Syscall(unix.SYS_READV, uintptr(fd), uintptr(unsafe.Pointer(&vecs[0])), uintptr(len(vecs)))
	if errno != 0 {
		return int(n), errno
	}
	return int(n), nil
}
