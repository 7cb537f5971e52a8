// Package filemap provides scoped, bounds-checked, memory-mapped access to a
// file of known length. It is the safe Go replacement for the original
// squashmerge tool's mmap_file: instead of handing out raw pointers, every
// FileMap exposes Read/Write helpers that validate offset+length against the
// mapping before touching memory.
package filemap

import (
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/distr1/squashmerge/internal/sqerr"
)

// FileMap is an ordered byte sequence of known length, backed by an open
// file descriptor and a memory mapping. Every FileMap is exclusively owned
// by whoever opened it; read/write views handed to worker goroutines are
// borrowings over non-overlapping byte ranges, so no synchronization is
// needed on the mapped bytes themselves.
type FileMap struct {
	f        *os.File
	data     []byte
	writable bool
}

// Open mmaps an existing file read-only, sized to its current length.
func Open(path string) (*FileMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("opening %s: %w: %v", path, sqerr.IO, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, xerrors.Errorf("stat %s: %w: %v", path, sqerr.IO, err)
	}
	return mapFile(f, fi.Size(), false)
}

// Create creates (or truncates) path, preallocates it to size bytes, and
// mmaps it read-write. Used for the scratch image, whose final size is
// known up front.
func Create(path string, size int64) (*FileMap, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return nil, xerrors.Errorf("creating %s: %w: %v", path, sqerr.IO, err)
	}
	if size > 0 {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, xerrors.Errorf("truncating %s to %d: %w: %v", path, size, sqerr.IO, err)
		}
	}
	return mapFile(f, size, true)
}

// CreateUnmapped creates (or truncates) path without sizing or mapping it
// yet. Used for the target file, which is created before the scratch
// file's working directory is resolved and only gains content (and a
// mapping) once the external differ has run — see Remap.
func CreateUnmapped(path string) (*FileMap, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return nil, xerrors.Errorf("creating %s: %w: %v", path, sqerr.IO, err)
	}
	return &FileMap{f: f}, nil
}

func mapFile(f *os.File, size int64, writable bool) (*FileMap, error) {
	if size == 0 {
		// mmap() of a zero-length region is invalid on Linux; keep the
		// FileMap usable (Len()==0, no bytes readable or writable) without
		// a backing mapping.
		return &FileMap{f: f, writable: writable}, nil
	}
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, xerrors.Errorf("mmap %s: %w: %v", f.Name(), sqerr.IO, err)
	}
	return &FileMap{f: f, data: data, writable: writable}, nil
}

// Remap re-mmaps the file after its length has changed out from under this
// FileMap (e.g. an external process wrote to its fd directly, as the Differ
// does). It unmaps any existing mapping first. Used by the pipeline to
// transition the target file from its freshly-created state to holding
// the post-diff content.
func (fm *FileMap) Remap() error {
	if fm.data != nil {
		if err := unix.Munmap(fm.data); err != nil {
			return xerrors.Errorf("munmap %s: %w: %v", fm.f.Name(), sqerr.IO, err)
		}
		fm.data = nil
	}
	fi, err := fm.f.Stat()
	if err != nil {
		return xerrors.Errorf("stat %s: %w: %v", fm.f.Name(), sqerr.IO, err)
	}
	remapped, err := mapFile(fm.f, fi.Size(), true)
	if err != nil {
		return err
	}
	fm.data = remapped.data
	fm.writable = true
	return nil
}

// Len returns the current mapped length in bytes.
func (fm *FileMap) Len() int64 {
	return int64(len(fm.data))
}

// Fd returns the underlying file descriptor, for wiring into exec.Cmd.
func (fm *FileMap) Fd() uintptr {
	return fm.f.Fd()
}

// File returns the underlying *os.File, for Seek/SetDeadline-style use.
func (fm *FileMap) File() *os.File {
	return fm.f
}

// Read returns a read-only view of [off, off+length) within the mapping.
// Bounds violations are reported, not undefined behavior.
func (fm *FileMap) Read(off, length int64) ([]byte, error) {
	if off < 0 || length < 0 || off+length > int64(len(fm.data)) {
		return nil, xerrors.Errorf("read [%d,%d) exceeds length %d: %w", off, off+length, len(fm.data), sqerr.Bounds)
	}
	return fm.data[off : off+length], nil
}

// Write copies src into [off, off+len(src)) within the mapping.
func (fm *FileMap) Write(off int64, src []byte) error {
	if !fm.writable {
		return xerrors.Errorf("write to read-only mapping %s: %w", fm.f.Name(), sqerr.IO)
	}
	length := int64(len(src))
	if off < 0 || off+length > int64(len(fm.data)) {
		return xerrors.Errorf("write [%d,%d) exceeds length %d: %w", off, off+length, len(fm.data), sqerr.Bounds)
	}
	copy(fm.data[off:off+length], src)
	return nil
}

// Slice returns a mutable view of [off, off+length), for callers (worker
// tasks) that need to write in place rather than via Write. It is the
// caller's responsibility to keep the returned range disjoint from any
// other goroutine's in-flight slice, per the WorkerPool partition
// guarantee.
func (fm *FileMap) Slice(off, length int64) ([]byte, error) {
	if off < 0 || length < 0 || off+length > int64(len(fm.data)) {
		return nil, xerrors.Errorf("slice [%d,%d) exceeds length %d: %w", off, off+length, len(fm.data), sqerr.Bounds)
	}
	return fm.data[off : off+length], nil
}

// Truncate shrinks (or grows) the file to n bytes and re-maps it.
// Used by the Squasher to strip the uncompressed-payload region and
// trailing metadata once recompression completes.
func (fm *FileMap) Truncate(n int64) error {
	if fm.data != nil {
		if err := unix.Munmap(fm.data); err != nil {
			return xerrors.Errorf("munmap %s: %w: %v", fm.f.Name(), sqerr.IO, err)
		}
		fm.data = nil
	}
	if err := fm.f.Truncate(n); err != nil {
		return xerrors.Errorf("truncate %s to %d: %w: %v", fm.f.Name(), n, sqerr.IO, err)
	}
	if n == 0 {
		return nil
	}
	remapped, err := mapFile(fm.f, n, fm.writable)
	if err != nil {
		return err
	}
	fm.data = remapped.data
	return nil
}

// Close flushes (msync) and unmaps the mapping, then closes the file
// descriptor. Safe to call on a FileMap with no mapping.
func (fm *FileMap) Close() error {
	var err error
	if fm.data != nil {
		if syncErr := unix.Msync(fm.data, unix.MS_SYNC); syncErr != nil {
			err = xerrors.Errorf("msync %s: %w: %v", fm.f.Name(), sqerr.IO, syncErr)
		}
		if unmapErr := unix.Munmap(fm.data); unmapErr != nil && err == nil {
			err = xerrors.Errorf("munmap %s: %w: %v", fm.f.Name(), sqerr.IO, unmapErr)
		}
		fm.data = nil
	}
	if closeErr := fm.f.Close(); closeErr != nil && err == nil {
		err = xerrors.Errorf("close %s: %w: %v", fm.f.Name(), sqerr.IO, closeErr)
	}
	return err
}
