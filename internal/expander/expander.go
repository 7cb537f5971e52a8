// Package expander builds the expanded scratch image: it copies the
// verbatim gaps between compressed blocks, decompresses every block into
// an append region, and appends the patch's block table and header as a
// trailing, self-describing footer.
package expander

import (
	"golang.org/x/xerrors"

	"github.com/distr1/squashmerge/internal/blocktable"
	"github.com/distr1/squashmerge/internal/codec"
	"github.com/distr1/squashmerge/internal/filemap"
	"github.com/distr1/squashmerge/internal/header"
	"github.com/distr1/squashmerge/internal/sqerr"
	"github.com/distr1/squashmerge/internal/workerpool"
)

// Size computes the exact scratch image size so the caller can
// preallocate the scratch FileMap before Expand runs.
func Size(sourceLen int64, blocks blocktable.Table) int64 {
	return sourceLen + header.SqdeltaHeaderSize + blocks.ByteSize() + int64(blocks.SumUncompressedLength())
}

// Expand performs the three-step build of the scratch image:
//  1. copy every verbatim gap (and the trailing tail) from source to scratch
//     at the same offset;
//  2. decompress every block in parallel into the append region starting at
//     sourceLen;
//  3. append the patch's block table then its header, verbatim.
//
// selector is the codec selector used to decompress source's blocks,
// derived from source's own SquashFS superblock rather than the patch's.
func Expand(selector uint32, blocks blocktable.Table, source, patch, scratch *filemap.FileMap) error {
	sourceLen := uint32(source.Len())

	if err := copyGaps(blocks, source, scratch, sourceLen); err != nil {
		return xerrors.Errorf("copying verbatim gaps: %w", err)
	}

	if err := decompressBlocks(selector, blocks, source, scratch, uint64(sourceLen)); err != nil {
		return xerrors.Errorf("decompressing blocks: %w", err)
	}

	if err := appendTrailer(blocks, patch, scratch, uint64(sourceLen)); err != nil {
		return xerrors.Errorf("appending patch trailer: %w", err)
	}

	return nil
}

func copyGaps(blocks blocktable.Table, source, scratch *filemap.FileMap, sourceLen uint32) error {
	for i := 0; i <= blocks.Len(); i++ {
		start, end := blocks.GapBefore(i, sourceLen)
		if end <= start {
			continue
		}
		buf, err := source.Read(int64(start), int64(end-start))
		if err != nil {
			return err
		}
		if err := scratch.Write(int64(start), buf); err != nil {
			return err
		}
	}
	return nil
}

func decompressBlocks(selector uint32, blocks blocktable.Table, source, scratch *filemap.FileMap, appendBase uint64) error {
	return workerpool.Run(func(threadNo, workerCount int) error {
		for i := 0; i < blocks.Len(); i++ {
			if i%workerCount != threadNo {
				continue
			}
			b := blocks.Block(i)
			src, err := source.Read(int64(b.Offset), int64(b.Length))
			if err != nil {
				return xerrors.Errorf("block %d: reading compressed payload: %w", i, err)
			}
			dstOff := appendBase + blocks.UncompressedOffset(i)
			dst, err := scratch.Slice(int64(dstOff), int64(b.UncompressedLength))
			if err != nil {
				return xerrors.Errorf("block %d: %w", i, err)
			}
			n, err := codec.Decompress(selector, dst, src, int(b.UncompressedLength))
			if err != nil {
				return xerrors.Errorf("block %d: %w", i, err)
			}
			if uint32(n) != b.UncompressedLength {
				return xerrors.Errorf("block %d: decompressed %d bytes, expected %d: %w", i, n, b.UncompressedLength, sqerr.Codec)
			}
		}
		return nil
	})
}

func appendTrailer(blocks blocktable.Table, patch, scratch *filemap.FileMap, appendBase uint64) error {
	tablePos := int64(appendBase) + int64(blocks.SumUncompressedLength())
	tableBytes, err := patch.Read(header.SqdeltaHeaderSize, blocks.ByteSize())
	if err != nil {
		return xerrors.Errorf("reading patch block table: %w", err)
	}
	if err := scratch.Write(tablePos, tableBytes); err != nil {
		return err
	}

	headerPos := tablePos + blocks.ByteSize()
	headerBytes, err := patch.Read(0, header.SqdeltaHeaderSize)
	if err != nil {
		return xerrors.Errorf("reading patch header: %w", err)
	}
	if err := scratch.Write(headerPos, headerBytes); err != nil {
		return err
	}

	return nil
}
