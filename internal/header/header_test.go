package header

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/distr1/squashmerge/internal/filemap"
	"github.com/distr1/squashmerge/internal/sqerr"
)

// SquashFS superblock compressor ids, mirrored here rather than imported
// from internal/codec (unexported there) since these are on-wire
// constants this test fixes bytes against, not codec package internals.
const (
	squashfsCompLZO = 3
	squashfsCompLZ4 = 5
)

func newScratch(t *testing.T, size int64) *filemap.FileMap {
	t.Helper()
	fm, err := filemap.Create(filepath.Join(t.TempDir(), "fixture"), size)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { fm.Close() })
	return fm
}

func TestReadSquashfsSuperblockLittleEndian(t *testing.T) {
	fm := newScratch(t, SquashfsHeaderSize)

	buf := make([]byte, SquashfsHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], squashfsMagicLE)
	binary.LittleEndian.PutUint16(buf[20:22], squashfsCompLZO)
	if err := fm.Write(0, buf); err != nil {
		t.Fatal(err)
	}

	sb, err := ReadSquashfsSuperblock(fm)
	if err != nil {
		t.Fatal(err)
	}
	if sb.BigEndian {
		t.Errorf("BigEndian = true, want false")
	}
	if sb.CompressionID != squashfsCompLZO {
		t.Errorf("CompressionID = %d, want %d", sb.CompressionID, squashfsCompLZO)
	}
	if sb.CodecSelector>>24 != uint32(0x01) {
		t.Errorf("CodecSelector = %#08x, want an LZO-tagged selector", sb.CodecSelector)
	}
}

func TestReadSquashfsSuperblockBigEndian(t *testing.T) {
	fm := newScratch(t, SquashfsHeaderSize)

	buf := make([]byte, SquashfsHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], squashfsMagicLE)
	binary.BigEndian.PutUint16(buf[20:22], squashfsCompLZ4)
	if err := fm.Write(0, buf); err != nil {
		t.Fatal(err)
	}

	sb, err := ReadSquashfsSuperblock(fm)
	if err != nil {
		t.Fatal(err)
	}
	if !sb.BigEndian {
		t.Errorf("BigEndian = false, want true")
	}
	if sb.CompressionID != squashfsCompLZ4 {
		t.Errorf("CompressionID = %d, want %d", sb.CompressionID, squashfsCompLZ4)
	}
}

func TestReadSquashfsSuperblockBadMagic(t *testing.T) {
	fm := newScratch(t, SquashfsHeaderSize)

	if _, err := ReadSquashfsSuperblock(fm); !sqerr.Is(err, sqerr.Format) {
		t.Errorf("ReadSquashfsSuperblock with zeroed buffer error = %v, want a Format error", err)
	}
}

func TestReadSquashfsSuperblockUnsupportedCompressor(t *testing.T) {
	fm := newScratch(t, SquashfsHeaderSize)

	buf := make([]byte, SquashfsHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], squashfsMagicLE)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // zlib: unsupported by this tool
	if err := fm.Write(0, buf); err != nil {
		t.Fatal(err)
	}

	if _, err := ReadSquashfsSuperblock(fm); !sqerr.Is(err, sqerr.Format) {
		t.Errorf("ReadSquashfsSuperblock with zlib compressor error = %v, want a Format error", err)
	}
}

func writeSqdeltaHeader(t *testing.T, fm *filemap.FileMap, offset int64, flags, compression, blockCount uint32) {
	t.Helper()
	buf := make([]byte, SqdeltaHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], sqdeltaMagic)
	binary.BigEndian.PutUint32(buf[4:8], flags)
	binary.BigEndian.PutUint32(buf[8:12], compression)
	binary.BigEndian.PutUint32(buf[12:16], blockCount)
	if err := fm.Write(offset, buf); err != nil {
		t.Fatal(err)
	}
}

func TestReadSqdeltaHeaderValid(t *testing.T) {
	fm := newScratch(t, SqdeltaHeaderSize)
	writeSqdeltaHeader(t, fm, 0, 0, 0x01000009, 3)

	h, err := ReadSqdeltaHeader(fm, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := SqdeltaHeader{Magic: sqdeltaMagic, Flags: 0, Compression: 0x01000009, BlockCount: 3}
	if !cmp.Equal(h, want) {
		t.Errorf("ReadSqdeltaHeader mismatch (-want +got):\n%s", cmp.Diff(want, h))
	}
}

func TestReadSqdeltaHeaderBadMagic(t *testing.T) {
	fm := newScratch(t, SqdeltaHeaderSize)
	// Leave the buffer zeroed: magic won't match.

	if _, err := ReadSqdeltaHeader(fm, 0); !sqerr.Is(err, sqerr.Format) {
		t.Errorf("ReadSqdeltaHeader with zeroed buffer error = %v, want a Format error", err)
	}
}

func TestReadSqdeltaHeaderUnknownFlags(t *testing.T) {
	fm := newScratch(t, SqdeltaHeaderSize)
	writeSqdeltaHeader(t, fm, 0, 0x01, 0x01000009, 0)

	if _, err := ReadSqdeltaHeader(fm, 0); !sqerr.Is(err, sqerr.Format) {
		t.Errorf("ReadSqdeltaHeader with nonzero flags error = %v, want a Format error", err)
	}
}

func TestReadSqdeltaHeaderTruncatedIsBoundsError(t *testing.T) {
	fm := newScratch(t, SqdeltaHeaderSize-4)

	if _, err := ReadSqdeltaHeader(fm, 0); !sqerr.Is(err, sqerr.Bounds) {
		t.Errorf("ReadSqdeltaHeader on truncated file error = %v, want a Bounds error", err)
	}
}
