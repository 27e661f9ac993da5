// Package pagefile implements the fixed-size page file layer: per-table
// header page, intrusive free-page list, and file growth by doubling.
package pagefile

import (
	"encoding/binary"
	"os"
	"sync"

	"github.com/pkg/errors"
)

const (
	// PageSize is the fixed on-disk page size.
	PageSize = 4096

	// InitialFileSize is the size of a freshly created table file (10 MiB).
	InitialFileSize = 10 * 1024 * 1024
	initialPages    = InitialFileSize / PageSize

	// MagicNumber identifies a valid table file.
	MagicNumber = 2022

	// Header page field offsets.
	hdrOffsetMagic     = 0
	hdrOffsetFreeList  = 8
	hdrOffsetNumPages  = 16
	hdrOffsetRootPage  = 24

	// HeaderPageNum is the page number of every table's header page.
	HeaderPageNum = 0
)

var (
	ErrInvalidMagic  = errors.New("pagefile: invalid magic number")
	ErrShortIO       = errors.New("pagefile: short page read or write")
	ErrPageOutOfRange = errors.New("pagefile: page number out of range")
)

// Page is a raw fixed-size page buffer.
type Page [PageSize]byte

// File manages one table's on-disk page file: open/create, page I/O,
// allocation and the free-page list. It does not cache pages; callers
// (the buffer manager) own caching.
type File struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// Open opens an existing table file or creates one if it does not exist.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "open %s", path)
		}
		return create(path)
	}

	pf := &File{f: f, path: path}
	if err := pf.verifyMagic(); err != nil {
		f.Close()
		return nil, err
	}
	return pf, nil
}

func create(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", path)
	}

	pf := &File{f: f, path: path}

	var hdr Page
	binary.BigEndian.PutUint64(hdr[hdrOffsetMagic:], MagicNumber)
	binary.BigEndian.PutUint64(hdr[hdrOffsetNumPages:], initialPages)

	first := uint64(initialPages - 1)
	binary.BigEndian.PutUint64(hdr[hdrOffsetFreeList:], first)
	binary.BigEndian.PutUint64(hdr[hdrOffsetRootPage:], 0)

	if err := pf.writePageRaw(HeaderPageNum, &hdr); err != nil {
		f.Close()
		return nil, err
	}

	// Thread pages 1..N-1 onto the free list in descending order, so the
	// last page becomes the head.
	for i := first; i > 0; i-- {
		var fp Page
		binary.BigEndian.PutUint64(fp[0:8], i-1)
		if err := pf.writePageRaw(i, &fp); err != nil {
			f.Close()
			return nil, err
		}
	}

	if err := pf.extendToEnd(first); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "fsync on create")
	}

	return pf, nil
}

func (pf *File) verifyMagic() error {
	var hdr Page
	if err := pf.readPageRaw(HeaderPageNum, &hdr); err != nil {
		return err
	}
	if binary.BigEndian.Uint64(hdr[hdrOffsetMagic:]) != MagicNumber {
		return ErrInvalidMagic
	}
	return nil
}

func (pf *File) readPageRaw(num uint64, dst *Page) error {
	n, err := pf.f.ReadAt(dst[:], int64(num)*PageSize)
	if err != nil {
		return errors.Wrapf(err, "read page %d", num)
	}
	if n != PageSize {
		return ErrShortIO
	}
	return nil
}

func (pf *File) writePageRaw(num uint64, src *Page) error {
	n, err := pf.f.WriteAt(src[:], int64(num)*PageSize)
	if err != nil {
		return errors.Wrapf(err, "write page %d", num)
	}
	if n != PageSize {
		return ErrShortIO
	}
	return nil
}

func (pf *File) extendToEnd(last uint64) error {
	_, err := pf.f.WriteAt([]byte{0}, int64(last+1)*PageSize-1)
	return errors.Wrap(err, "extend file")
}

// ReadPage reads page num into dst.
func (pf *File) ReadPage(num uint64, dst *Page) error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return pf.readPageRaw(num, dst)
}

// WritePage writes src to page num, then fsyncs.
func (pf *File) WritePage(num uint64, src *Page) error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	if err := pf.writePageRaw(num, src); err != nil {
		return err
	}
	return errors.Wrap(pf.f.Sync(), "fsync after write")
}

func (pf *File) readHeader() (Page, error) {
	var hdr Page
	err := pf.readPageRaw(HeaderPageNum, &hdr)
	return hdr, err
}

func headerFirstFree(hdr *Page) uint64 {
	return binary.BigEndian.Uint64(hdr[hdrOffsetFreeList:])
}
func headerSetFirstFree(hdr *Page, v uint64) {
	binary.BigEndian.PutUint64(hdr[hdrOffsetFreeList:], v)
}
func headerNumPages(hdr *Page) uint64 {
	return binary.BigEndian.Uint64(hdr[hdrOffsetNumPages:])
}
func headerSetNumPages(hdr *Page, v uint64) {
	binary.BigEndian.PutUint64(hdr[hdrOffsetNumPages:], v)
}

// HeaderRootPage returns the root page number stored on page 0.
func HeaderRootPage(hdr *Page) uint64 {
	return binary.BigEndian.Uint64(hdr[hdrOffsetRootPage:])
}

// HeaderSetRootPage sets the root page number on the given header page bytes.
func HeaderSetRootPage(hdr *Page, root uint64) {
	binary.BigEndian.PutUint64(hdr[hdrOffsetRootPage:], root)
}

// AllocatePage pops the head of the free list, doubling the file if the
// list is empty, and returns the allocated page number. hdr is the
// caller's in-memory copy of the header page; it is read, mutated in
// place and written back here, so a caller that keeps a cached header
// (the buffer manager) stays authoritative.
func (pf *File) AllocatePage(hdr *Page) (uint64, error) {
	pf.mu.Lock()
	defer pf.mu.Unlock()

	first := headerFirstFree(hdr)
	if first == 0 {
		numPages := headerNumPages(hdr)
		newSize := numPages * 2

		last := newSize - 1
		for i := last; i > numPages; i-- {
			var fp Page
			binary.BigEndian.PutUint64(fp[0:8], i-1)
			if err := pf.writePageRaw(i, &fp); err != nil {
				return 0, err
			}
		}
		var fp Page
		binary.BigEndian.PutUint64(fp[0:8], 0)
		if err := pf.writePageRaw(numPages, &fp); err != nil {
			return 0, err
		}
		if err := pf.extendToEnd(last); err != nil {
			return 0, err
		}

		headerSetNumPages(hdr, newSize)
		first = last
	}

	var freePage Page
	if err := pf.readPageRaw(first, &freePage); err != nil {
		return 0, err
	}
	next := binary.BigEndian.Uint64(freePage[0:8])
	headerSetFirstFree(hdr, next)

	if err := pf.writePageRaw(HeaderPageNum, hdr); err != nil {
		return 0, err
	}
	if err := pf.f.Sync(); err != nil {
		return 0, errors.Wrap(err, "fsync after allocate")
	}

	return first, nil
}

// FreePage pushes num onto the head of the free list.
func (pf *File) FreePage(hdr *Page, num uint64) error {
	pf.mu.Lock()
	defer pf.mu.Unlock()

	first := headerFirstFree(hdr)

	var fp Page
	binary.BigEndian.PutUint64(fp[0:8], first)
	if err := pf.writePageRaw(num, &fp); err != nil {
		return err
	}

	headerSetFirstFree(hdr, num)
	if err := pf.writePageRaw(HeaderPageNum, hdr); err != nil {
		return err
	}
	return errors.Wrap(pf.f.Sync(), "fsync after free")
}

// ReadHeader reads and returns a fresh copy of the header page.
func (pf *File) ReadHeader() (Page, error) {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return pf.readHeader()
}

// WriteHeader persists hdr to page 0 and fsyncs.
func (pf *File) WriteHeader(hdr *Page) error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	if err := pf.writePageRaw(HeaderPageNum, hdr); err != nil {
		return err
	}
	return errors.Wrap(pf.f.Sync(), "fsync after header write")
}

// Close closes the underlying OS file.
func (pf *File) Close() error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return errors.Wrap(pf.f.Close(), "close table file")
}

// Path returns the path this file was opened from.
func (pf *File) Path() string {
	return pf.path
}
