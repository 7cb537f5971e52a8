// Package header parses and validates the two on-wire headers squashmerge
// reads: the SquashFS superblock (enough of it to recover the compressor
// id) and the sqdelta patch header, grounded on the original C tool's
// read_squashfs_header and read_sqdelta_header.
package header

import (
	"encoding/binary"

	"golang.org/x/xerrors"

	"github.com/distr1/squashmerge/internal/codec"
	"github.com/distr1/squashmerge/internal/filemap"
	"github.com/distr1/squashmerge/internal/sqerr"
)

const (
	squashfsMagicLE uint32 = 0x73717368
	squashfsMagicBE uint32 = 0x68737173

	sqdeltaMagic uint32 = 0x5371ceb4

	// SquashfsHeaderSize is the parsed prefix of the superblock: magic (4),
	// four unused u32s (16), compression (2) = 22 bytes.
	SquashfsHeaderSize = 22

	// SqdeltaHeaderSize is the canonical (modern) sqdelta header: magic,
	// flags, compression, block_count, 4 bytes each.
	SqdeltaHeaderSize = 16

	// CompressedBlockSize is the on-wire size of one block descriptor.
	CompressedBlockSize = 12
)

// SquashfsSuperblock is the subset of the SquashFS superblock this tool
// needs: enough to validate the magic and recover the compressor id and
// its on-wire byte order.
type SquashfsSuperblock struct {
	Magic          uint32
	CompressionID  uint16
	BigEndian      bool
	CodecSelector  uint32
}

// defaultLZOLevel is used only to satisfy codec.Init's range check when
// deriving a selector from a SquashFS superblock: the superblock records
// just the compressor id, not the LZO level or flag bits used to compress
// it, and decompression (the only operation the source-side
// selector ever drives) ignores the level entirely — codec.Decompress
// dispatches on the high-byte id alone.
const defaultLZOLevel = 9

// ReadSquashfsSuperblock reads the 22-byte superblock prefix at offset 0,
// validates the magic, extracts the compressor id in the byte order
// implied by which magic matched, and translates it into a sqdelta codec
// selector via codec.SquashfsCompressorToSelector, then eagerly validates
// that selector with codec.Init — matching read_squashfs_header's call
// into compressor_init before returning.
func ReadSquashfsSuperblock(fm *filemap.FileMap) (SquashfsSuperblock, error) {
	var sb SquashfsSuperblock

	raw, err := fm.Read(0, SquashfsHeaderSize)
	if err != nil {
		return sb, xerrors.Errorf("reading superblock: %w", err)
	}

	magic := binary.LittleEndian.Uint32(raw[0:4])
	switch magic {
	case squashfsMagicLE:
		sb.Magic = squashfsMagicLE
		sb.BigEndian = false
		sb.CompressionID = binary.LittleEndian.Uint16(raw[20:22])
	case squashfsMagicBE:
		sb.Magic = squashfsMagicBE
		sb.BigEndian = true
		sb.CompressionID = binary.BigEndian.Uint16(raw[20:22])
	default:
		return sb, xerrors.Errorf("Invalid magic in squashfs input: got %#08x: %w", magic, sqerr.Format)
	}

	sel, err := codec.SquashfsCompressorToSelector(sb.CompressionID, defaultLZOLevel, false)
	if err != nil {
		return sb, xerrors.Errorf("Unsupported compression method in squashfs input (compressor id: %d): %w", sb.CompressionID, err)
	}
	if err := codec.Init(sel); err != nil {
		return sb, xerrors.Errorf("initializing codec %s: %w", codec.String(sel), err)
	}
	sb.CodecSelector = sel
	return sb, nil
}

// SqdeltaHeader is the decoded, big-endian-on-wire patch header.
type SqdeltaHeader struct {
	Magic       uint32
	Flags       uint32
	Compression uint32
	BlockCount  uint32
}

// ReadSqdeltaHeader reads SqdeltaHeaderSize bytes at offset within fm,
// requires the magic and a zero flags word, and returns the decoded
// header. Every field is big-endian on the wire.
func ReadSqdeltaHeader(fm *filemap.FileMap, offset int64) (SqdeltaHeader, error) {
	var h SqdeltaHeader

	raw, err := fm.Read(offset, SqdeltaHeaderSize)
	if err != nil {
		return h, xerrors.Errorf("reading sqdelta header: %w", err)
	}

	magic := binary.BigEndian.Uint32(raw[0:4])
	if magic != sqdeltaMagic {
		return h, xerrors.Errorf("Incorrect magic in patch file (magic: %#08x, expected: %#08x): %w", magic, sqdeltaMagic, sqerr.Format)
	}
	h.Magic = magic

	h.Flags = binary.BigEndian.Uint32(raw[4:8])
	if h.Flags != 0 {
		return h, xerrors.Errorf("Unknown flag enabled in patch file (flags: %#08x): %w", h.Flags, sqerr.Format)
	}

	h.Compression = binary.BigEndian.Uint32(raw[8:12])
	h.BlockCount = binary.BigEndian.Uint32(raw[12:16])
	return h, nil
}
