// Package blocktable represents the ordered list of compressed-block
// descriptors that drives expansion and re-compression.
package blocktable

import (
	"encoding/binary"

	"golang.org/x/xerrors"

	"github.com/distr1/squashmerge/internal/filemap"
	"github.com/distr1/squashmerge/internal/header"
	"github.com/distr1/squashmerge/internal/sqerr"
)

// Block is one compressed-block descriptor: offset and length locate the
// compressed payload within the owning file; UncompressedLength is its
// expanded size. All three are big-endian u32 on the wire.
type Block struct {
	Offset             uint32
	Length             uint32
	UncompressedLength uint32
}

// Table is an immutable, read-only view over N descriptors.
type Table struct {
	blocks []Block
}

// Read parses blockCount descriptors starting at offset within fm,
// validating that offsets are strictly increasing and non-overlapping and
// that each descriptor's payload fits within fileLen. The whole table
// must additionally fit within fm itself — a short patch or target file
// is a BoundsError.
func Read(fm *filemap.FileMap, offset int64, blockCount uint32, fileLen uint32) (Table, error) {
	raw, err := fm.Read(offset, int64(blockCount)*header.CompressedBlockSize)
	if err != nil {
		return Table{}, xerrors.Errorf("reading block table (%d blocks): %w", blockCount, err)
	}

	blocks := make([]Block, blockCount)
	var prevEnd uint32
	for i := range blocks {
		b := raw[i*header.CompressedBlockSize:]
		blocks[i] = Block{
			Offset:             binary.BigEndian.Uint32(b[0:4]),
			Length:             binary.BigEndian.Uint32(b[4:8]),
			UncompressedLength: binary.BigEndian.Uint32(b[8:12]),
		}
		if i > 0 && blocks[i].Offset < prevEnd {
			return Table{}, xerrors.Errorf("block %d offset %d overlaps previous block ending at %d: %w", i, blocks[i].Offset, prevEnd, sqerr.Format)
		}
		if i > 0 && blocks[i].Offset <= blocks[i-1].Offset {
			return Table{}, xerrors.Errorf("block %d offset %d does not follow previous offset %d: %w", i, blocks[i].Offset, blocks[i-1].Offset, sqerr.Format)
		}
		end := blocks[i].Offset + blocks[i].Length
		if end < blocks[i].Offset {
			return Table{}, xerrors.Errorf("block %d offset+length overflows: %w", i, sqerr.Format)
		}
		if end > fileLen {
			return Table{}, xerrors.Errorf("block %d [%d,%d) exceeds file length %d: %w", i, blocks[i].Offset, end, fileLen, sqerr.Bounds)
		}
		prevEnd = end
	}
	return Table{blocks: blocks}, nil
}

// Len returns the number of blocks.
func (t Table) Len() int { return len(t.blocks) }

// Block returns the i'th descriptor in forward order.
func (t Table) Block(i int) Block { return t.blocks[i] }

// Reverse returns the i'th descriptor counting from the end (index 0 is
// the last block), for the Squasher's reverse-order pass.
func (t Table) Reverse(i int) Block { return t.blocks[len(t.blocks)-1-i] }

// GapBefore returns the source range [prevEnd, block[i].Offset) that must
// be copied verbatim before block i. i may equal Len() to mean "the
// trailing gap after the last block".
func (t Table) GapBefore(i int, fileLen uint32) (start, end uint32) {
	var prevEnd uint32
	if i > 0 {
		b := t.blocks[i-1]
		prevEnd = b.Offset + b.Length
	}
	if i == len(t.blocks) {
		return prevEnd, fileLen
	}
	return prevEnd, t.blocks[i].Offset
}

// SumUncompressedLength returns Σ uncompressed_length_i across all blocks,
// the size of the Expander's append region.
func (t Table) SumUncompressedLength() uint64 {
	var sum uint64
	for _, b := range t.blocks {
		sum += uint64(b.UncompressedLength)
	}
	return sum
}

// ByteSize returns the on-wire size of the whole table.
func (t Table) ByteSize() int64 {
	return int64(len(t.blocks)) * header.CompressedBlockSize
}

// UncompressedOffset returns the offset, relative to the start of the
// append region, where block i's decompressed payload begins — i.e.
// Σ_{j<i} uncompressed_length_j.
func (t Table) UncompressedOffset(i int) uint64 {
	var sum uint64
	for j := 0; j < i; j++ {
		sum += uint64(t.blocks[j].UncompressedLength)
	}
	return sum
}
