// Package codec implements the sqdelta selector-dispatched compressor
// contract: a tagged 32-bit selector picks LZO or LZ4, with per-codec
// flag validation, eager init, and a safe (bounds-checked) decompress
// path.
package codec

import (
	"fmt"

	"github.com/pierrec/lz4/v4"
	"github.com/woozymasta/lzo"
	"golang.org/x/xerrors"

	"github.com/distr1/squashmerge/internal/sqerr"
)

// ID is the high-byte codec identifier portion of a selector.
type ID uint32

const (
	IDLZO ID = 0x01
	IDLZ4 ID = 0x02
)

const idShift = 24

// LZO flag bits, within the low 24 bits of a selector.
const (
	lzoAlgoMask    = 0x0f
	lzoAlgoMin     = 0x01
	lzoAlgoMax     = 0x09
	lzoOptimized   = 0x10
	lzoKnownMask   = lzoOptimized
	lzoFlagMask    = 0xfffff0
)

// LZ4 flag bits.
const (
	lz4HC        = 0x01
	lz4KnownMask = lz4HC
	lz4FlagMask  = 0xffffff
)

func splitSelector(selector uint32) (ID, uint32) {
	return ID(selector >> idShift), selector & 0x00ffffff
}

// Init validates selector and eagerly initializes any codec-global state
// (mirroring the original's compressor_init, which called lzo_init() once
// up front). LZ4 has no process-wide init step; LZO's woozymasta
// implementation is stateless per call, so Init here is pure validation;
// the woozymasta/lzo package needs no once-guard.
func Init(selector uint32) error {
	id, flags := splitSelector(selector)
	switch id {
	case IDLZO:
		algo := flags & lzoAlgoMask
		if algo < lzoAlgoMin || algo > lzoAlgoMax {
			return xerrors.Errorf("unsupported LZO variant %#02x: %w", algo, sqerr.Codec)
		}
		if rest := (flags & lzoFlagMask) &^ lzoKnownMask; rest != 0 {
			return xerrors.Errorf("unknown LZO flags %#06x: %w", rest, sqerr.Codec)
		}
	case IDLZ4:
		if rest := (flags & lz4FlagMask) &^ lz4KnownMask; rest != 0 {
			return xerrors.Errorf("unknown LZ4 flags %#06x: %w", rest, sqerr.Codec)
		}
	default:
		return xerrors.Errorf("unknown compressor %#02x: %w", uint32(id), sqerr.Codec)
	}
	return nil
}

// Compress dispatches to the codec named by selector, writing into dst
// (which must have capacity dstCap) and returning the number of bytes
// produced. A return of 0 signals failure.
func Compress(selector uint32, dst, src []byte, dstCap int) (int, error) {
	id, flags := splitSelector(selector)
	switch id {
	case IDLZO:
		return compressLZO(flags, dst, src, dstCap)
	case IDLZ4:
		return compressLZ4(flags, dst, src, dstCap)
	default:
		return 0, xerrors.Errorf("unknown compressor %#02x: %w", uint32(id), sqerr.Codec)
	}
}

// Decompress dispatches to the codec named by selector's safe (bounds
// checked) decompressor, writing up to dstCap bytes into dst.
func Decompress(selector uint32, dst, src []byte, dstCap int) (int, error) {
	id, _ := splitSelector(selector)
	switch id {
	case IDLZO:
		return decompressLZO(dst, src, dstCap)
	case IDLZ4:
		return decompressLZ4(dst, src, dstCap)
	default:
		return 0, xerrors.Errorf("unknown compressor %#02x: %w", uint32(id), sqerr.Codec)
	}
}

func compressLZO(flags uint32, dst, src []byte, dstCap int) (int, error) {
	level := int(flags & lzoAlgoMask)
	out, err := lzo.Compress1X999Level(src, level)
	if err != nil {
		return 0, xerrors.Errorf("LZO compression failed: %w: %v", sqerr.Codec, err)
	}
	if flags&lzoOptimized != 0 {
		// The original ran lzo1x_optimize in place against the compressed
		// bytes and the original input, verifying the optimize pass
		// reports having consumed exactly len(src) input bytes. The
		// woozymasta/lzo package does not expose a separate optimize
		// pass; Compress1X999Level already produces a minimal, decodable
		// stream, so we verify the documented postcondition directly by
		// round-tripping instead of invoking a nonexistent optimize step.
		roundTripped, err := lzo.Decompress(out, &lzo.DecompressOptions{OutLen: len(src)})
		if err != nil {
			return 0, xerrors.Errorf("LZO optimize verification failed: %w: %v", sqerr.Codec, err)
		}
		if len(roundTripped) != len(src) {
			return 0, xerrors.Errorf("LZO optimization resulted in different input length (%d != %d): %w", len(roundTripped), len(src), sqerr.Codec)
		}
	}
	if len(out) > dstCap {
		return 0, xerrors.Errorf("LZO output %d exceeds capacity %d: %w", len(out), dstCap, sqerr.Codec)
	}
	copy(dst, out)
	return len(out), nil
}

func decompressLZO(dst, src []byte, dstCap int) (int, error) {
	out, err := lzo.Decompress(src, &lzo.DecompressOptions{OutLen: dstCap})
	if err != nil {
		return 0, xerrors.Errorf("LZO decompression failed (corrupted data?): %w: %v", sqerr.Codec, err)
	}
	copy(dst, out)
	return len(out), nil
}

func compressLZ4(flags uint32, dst, src []byte, dstCap int) (int, error) {
	var (
		n   int
		err error
	)
	if flags&lz4HC != 0 {
		c := lz4.CompressorHC{Level: lz4.Level9}
		n, err = c.CompressBlock(src, dst)
	} else {
		var c lz4.Compressor
		n, err = c.CompressBlock(src, dst)
	}
	if err != nil {
		return 0, xerrors.Errorf("LZ4 compression failed: %w: %v", sqerr.Codec, err)
	}
	if n <= 0 {
		return 0, xerrors.Errorf("LZ4 compression produced non-positive size %d: %w", n, sqerr.Codec)
	}
	if n > dstCap {
		return 0, xerrors.Errorf("LZ4 output %d exceeds capacity %d: %w", n, dstCap, sqerr.Codec)
	}
	return n, nil
}

func decompressLZ4(dst, src []byte, dstCap int) (int, error) {
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return 0, xerrors.Errorf("LZ4 decompression failed (corrupted data?): %w: %v", sqerr.Codec, err)
	}
	if n > dstCap {
		return 0, xerrors.Errorf("LZ4 decompressed %d exceeds capacity %d: %w", n, dstCap, sqerr.Codec)
	}
	return n, nil
}

// String renders a selector for diagnostics, e.g. "LZO(level=9,optimized)".
func String(selector uint32) string {
	id, flags := splitSelector(selector)
	switch id {
	case IDLZO:
		s := fmt.Sprintf("LZO(level=%d", flags&lzoAlgoMask)
		if flags&lzoOptimized != 0 {
			s += ",optimized"
		}
		return s + ")"
	case IDLZ4:
		if flags&lz4HC != 0 {
			return "LZ4(HC)"
		}
		return "LZ4(default)"
	default:
		return fmt.Sprintf("unknown(%#02x)", uint32(id))
	}
}

// SquashfsCompressorToSelector translates a SquashFS superblock compressor
// id into a sqdelta selector. Only the codecs this tool supports are
// mapped; anything else is a FormatError.
func SquashfsCompressorToSelector(compID uint16, lzoLevel uint32, lz4HCFlag bool) (uint32, error) {
	switch compID {
	case compLZO:
		sel := uint32(IDLZO)<<idShift | lzoLevel
		return sel, nil
	case compLZ4:
		sel := uint32(IDLZ4) << idShift
		if lz4HCFlag {
			sel |= lz4HC
		}
		return sel, nil
	default:
		return 0, xerrors.Errorf("unsupported SquashFS compressor id %d: %w", compID, sqerr.Format)
	}
}

// SquashFS superblock compressor ids (subset this tool understands).
const (
	compLZO = 3
	compLZ4 = 5
)
