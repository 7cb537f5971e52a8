// Package squasher re-compresses the block payloads of a post-diff target
// file, in reverse order, then truncates the trailing scratch metadata so
// the result is again a valid SquashFS archive.
package squasher

import (
	"golang.org/x/xerrors"

	"github.com/distr1/squashmerge/internal/blocktable"
	"github.com/distr1/squashmerge/internal/codec"
	"github.com/distr1/squashmerge/internal/filemap"
	"github.com/distr1/squashmerge/internal/header"
	"github.com/distr1/squashmerge/internal/sqerr"
	"github.com/distr1/squashmerge/internal/workerpool"
)

// RecoverHeader reads the trailing SqdeltaHeader embedded by the Expander
// and replicated by xdelta3's copy-through, located at the very end of
// target.
func RecoverHeader(target *filemap.FileMap) (header.SqdeltaHeader, int64, error) {
	headerOffset := target.Len() - header.SqdeltaHeaderSize
	if headerOffset < 0 {
		return header.SqdeltaHeader{}, 0, xerrors.Errorf("target file too short to contain a trailing header: %w", sqerr.Bounds)
	}
	dh, err := header.ReadSqdeltaHeader(target, headerOffset)
	if err != nil {
		return header.SqdeltaHeader{}, 0, xerrors.Errorf("recovering trailing header: %w", err)
	}
	return dh, headerOffset, nil
}

// RecoverBlockTable reads the block_count descriptors immediately
// preceding the trailing header, and returns the table plus
// prevOffset, the byte offset one past the last uncompressed payload
// (i.e. where reverse re-compression starts walking backward from).
func RecoverBlockTable(target *filemap.FileMap, dh header.SqdeltaHeader, headerOffset int64) (blocktable.Table, int64, error) {
	tableSize := int64(dh.BlockCount) * header.CompressedBlockSize
	tableOffset := headerOffset - tableSize
	if tableOffset < 0 {
		return blocktable.Table{}, 0, xerrors.Errorf("target file too short to contain a block table of %d entries: %w", dh.BlockCount, sqerr.Bounds)
	}
	blocks, err := blocktable.Read(target, tableOffset, dh.BlockCount, uint32(target.Len()))
	if err != nil {
		return blocktable.Table{}, 0, xerrors.Errorf("recovering trailing block table: %w", err)
	}
	return blocks, tableOffset, nil
}

// Squash runs the WorkerPool compress pass over blocks in reverse order.
// The append region holding every block's uncompressed payload sits
// immediately before the block table, i.e. in
// [tableOffset-Σuncompressed_length, tableOffset); each block's payload is
// located within that region by UncompressedOffset and recompressed into
// its declared compressed slot in target. After the pool completes,
// target is truncated to the start of that region, stripping the
// uncompressed-payload region, block table, and trailing header.
func Squash(selector uint32, blocks blocktable.Table, target *filemap.FileMap, tableOffset int64) error {
	regionStart := tableOffset - int64(blocks.SumUncompressedLength())
	if regionStart < 0 {
		return xerrors.Errorf("uncompressed payload region starts before file start: %w", sqerr.Bounds)
	}

	if err := workerpool.Run(func(threadNo, workerCount int) error {
		for i := 0; i < blocks.Len(); i++ {
			if i%workerCount != threadNo {
				continue
			}
			reverseIdx := blocks.Len() - 1 - i
			b := blocks.Block(reverseIdx)
			srcOff := regionStart + int64(blocks.UncompressedOffset(reverseIdx))

			src, err := target.Read(srcOff, int64(b.UncompressedLength))
			if err != nil {
				return xerrors.Errorf("block %d: reading uncompressed payload: %w", reverseIdx, err)
			}
			dst, err := target.Slice(int64(b.Offset), int64(b.Length))
			if err != nil {
				return xerrors.Errorf("block %d: %w", reverseIdx, err)
			}
			n, err := codec.Compress(selector, dst, src, int(b.Length))
			if err != nil {
				return xerrors.Errorf("block %d: %w", reverseIdx, err)
			}
			if uint32(n) != b.Length {
				return xerrors.Errorf("block %d: recompressed to %d bytes, declared length %d: %w", reverseIdx, n, b.Length, sqerr.Codec)
			}
		}
		return nil
	}); err != nil {
		return err
	}

	return target.Truncate(regionStart)
}
