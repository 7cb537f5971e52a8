package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/distr1/squashmerge/internal/blocktable"
	"github.com/distr1/squashmerge/internal/codec"
	"github.com/distr1/squashmerge/internal/differ"
	"github.com/distr1/squashmerge/internal/expander"
	"github.com/distr1/squashmerge/internal/filemap"
	"github.com/distr1/squashmerge/internal/header"
)

const testSelector = uint32(codec.IDLZO)<<24 | 9

// buildFixture lays out a minimal but valid SquashFS-shaped source image
// (22-byte superblock prefix naming the LZO compressor, followed directly
// by two compressed blocks with no gaps) and the block table describing
// it, returning both plus the original plaintext for later comparison.
func buildFixture(t *testing.T) (sourcePath string, blocks blocktable.Table, plain0, plain1 []byte) {
	t.Helper()

	if err := codec.Init(testSelector); err != nil {
		t.Fatal(err)
	}
	plain0 = bytes.Repeat([]byte{0xCC}, 40)
	plain1 = bytes.Repeat([]byte{0xDD}, 88)

	compress := func(p []byte) []byte {
		dst := make([]byte, len(p)*2+64)
		n, err := codec.Compress(testSelector, dst, p, len(dst))
		if err != nil {
			t.Fatal(err)
		}
		return dst[:n]
	}
	c0 := compress(plain0)
	c1 := compress(plain1)

	const superblockSize = header.SquashfsHeaderSize
	sb := make([]byte, superblockSize)
	binary.LittleEndian.PutUint32(sb[0:4], 0x73717368) // squashfs LE magic
	binary.LittleEndian.PutUint16(sb[20:22], 3)         // LZO compressor id

	b0Off := int64(superblockSize)
	b1Off := b0Off + int64(len(c0))
	total := b1Off + int64(len(c1))

	buf := make([]byte, total)
	copy(buf, sb)
	copy(buf[b0Off:], c0)
	copy(buf[b1Off:], c1)

	sourcePath = filepath.Join(t.TempDir(), "source.sqfs")
	source, err := filemap.Create(sourcePath, total)
	if err != nil {
		t.Fatal(err)
	}
	if err := source.Write(0, buf); err != nil {
		t.Fatal(err)
	}
	if err := source.Close(); err != nil {
		t.Fatal(err)
	}

	descBuf := make([]byte, 2*header.CompressedBlockSize)
	binary.BigEndian.PutUint32(descBuf[0:4], uint32(b0Off))
	binary.BigEndian.PutUint32(descBuf[4:8], uint32(len(c0)))
	binary.BigEndian.PutUint32(descBuf[8:12], uint32(len(plain0)))
	binary.BigEndian.PutUint32(descBuf[12:16], uint32(b1Off))
	binary.BigEndian.PutUint32(descBuf[16:20], uint32(len(c1)))
	binary.BigEndian.PutUint32(descBuf[20:24], uint32(len(plain1)))

	descFm, err := filemap.Create(filepath.Join(t.TempDir(), "desc"), int64(len(descBuf)))
	if err != nil {
		t.Fatal(err)
	}
	defer descFm.Close()
	if err := descFm.Write(0, descBuf); err != nil {
		t.Fatal(err)
	}
	blocks, err = blocktable.Read(descFm, 0, 2, uint32(total))
	if err != nil {
		t.Fatal(err)
	}

	return sourcePath, blocks, plain0, plain1
}

// buildIdentityPatch builds a well-formed sqdelta patch that round-trips
// sourcePath back to itself: it expands the source exactly as the
// pipeline will, asks the real xdelta3 encoder for the identity delta
// against that scratch image, and assembles header + block table + body.
func buildIdentityPatch(t *testing.T, sourcePath string, blocks blocktable.Table) string {
	t.Helper()

	source, err := filemap.Open(sourcePath)
	if err != nil {
		t.Fatal(err)
	}
	defer source.Close()

	scratchPath := filepath.Join(t.TempDir(), "fixture-scratch")
	scratch, err := filemap.Create(scratchPath, expander.Size(source.Len(), blocks))
	if err != nil {
		t.Fatal(err)
	}
	// The real patch does not exist yet, so hand Expand a stand-in
	// FileMap holding the same header and block table the real patch
	// will carry; the trailer it appends is then the one Apply's own
	// expansion produces.
	emptyPatch := buildTrailerSource(t, blocks)
	if err := expander.Expand(testSelector, blocks, source, emptyPatch, scratch); err != nil {
		t.Fatal(err)
	}
	mapped, err := scratch.Read(0, scratch.Len())
	if err != nil {
		t.Fatal(err)
	}
	// Read returns a view into the mapping, which Close unmaps.
	scratchBytes := append([]byte(nil), mapped...)
	if err := scratch.Close(); err != nil {
		t.Fatal(err)
	}

	body := runXdelta3Encode(t, scratchPath, scratchBytes)

	headerBuf := make([]byte, header.SqdeltaHeaderSize)
	binary.BigEndian.PutUint32(headerBuf[0:4], 0x5371ceb4)
	binary.BigEndian.PutUint32(headerBuf[4:8], 0)
	binary.BigEndian.PutUint32(headerBuf[8:12], testSelector)
	binary.BigEndian.PutUint32(headerBuf[12:16], uint32(blocks.Len()))

	tableBuf := make([]byte, blocks.ByteSize())
	for i := 0; i < blocks.Len(); i++ {
		b := blocks.Block(i)
		off := int64(i) * header.CompressedBlockSize
		binary.BigEndian.PutUint32(tableBuf[off:off+4], b.Offset)
		binary.BigEndian.PutUint32(tableBuf[off+4:off+8], b.Length)
		binary.BigEndian.PutUint32(tableBuf[off+8:off+12], b.UncompressedLength)
	}

	patchBytes := append(append(headerBuf, tableBuf...), body...)
	patchPath := filepath.Join(t.TempDir(), "update.sqdelta")
	patch, err := filemap.Create(patchPath, int64(len(patchBytes)))
	if err != nil {
		t.Fatal(err)
	}
	if err := patch.Write(0, patchBytes); err != nil {
		t.Fatal(err)
	}
	if err := patch.Close(); err != nil {
		t.Fatal(err)
	}

	return patchPath
}

// buildTrailerSource provides a minimal "patch" FileMap exposing only the
// header+table bytes Expand's appendTrailer step reads, for use while
// still constructing the real patch file (its own trailer bytes are
// identical to what Expand would append, since they are copied from
// whatever patch FileMap is passed in — here, itself).
func buildTrailerSource(t *testing.T, blocks blocktable.Table) *filemap.FileMap {
	t.Helper()

	headerBuf := make([]byte, header.SqdeltaHeaderSize)
	binary.BigEndian.PutUint32(headerBuf[0:4], 0x5371ceb4)
	binary.BigEndian.PutUint32(headerBuf[4:8], 0)
	binary.BigEndian.PutUint32(headerBuf[8:12], testSelector)
	binary.BigEndian.PutUint32(headerBuf[12:16], uint32(blocks.Len()))

	tableBuf := make([]byte, blocks.ByteSize())
	for i := 0; i < blocks.Len(); i++ {
		b := blocks.Block(i)
		off := int64(i) * header.CompressedBlockSize
		binary.BigEndian.PutUint32(tableBuf[off:off+4], b.Offset)
		binary.BigEndian.PutUint32(tableBuf[off+4:off+8], b.Length)
		binary.BigEndian.PutUint32(tableBuf[off+8:off+12], b.UncompressedLength)
	}

	buf := append(headerBuf, tableBuf...)
	fm, err := filemap.Create(filepath.Join(t.TempDir(), "trailer-source"), int64(len(buf)))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { fm.Close() })
	if err := fm.Write(0, buf); err != nil {
		t.Fatal(err)
	}
	return fm
}

func runXdelta3Encode(t *testing.T, sourcePath string, targetContent []byte) []byte {
	t.Helper()

	cmd := exec.Command(differ.BinaryName, "-e", "-f", "-s", sourcePath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.Fatal(err)
	}
	out, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatal(err)
	}
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	go func() {
		stdin.Write(targetContent)
		stdin.Close()
	}()
	body := make([]byte, 0, len(targetContent)+256)
	buf := make([]byte, 4096)
	for {
		n, readErr := out.Read(buf)
		if n > 0 {
			body = append(body, buf[:n]...)
		}
		if readErr != nil {
			break
		}
	}
	if err := cmd.Wait(); err != nil {
		t.Fatalf("building identity delta: %v", err)
	}
	return body
}

func TestApplyIdentityPatch(t *testing.T) {
	if _, err := exec.LookPath(differ.BinaryName); err != nil {
		t.Skipf("%s not found in $PATH", differ.BinaryName)
	}

	sourcePath, blocks, plain0, plain1 := buildFixture(t)
	patchPath := buildIdentityPatch(t, sourcePath, blocks)
	targetPath := filepath.Join(t.TempDir(), "target.sqfs")

	if err := Apply(context.Background(), sourcePath, patchPath, targetPath); err != nil {
		t.Fatal(err)
	}

	target, err := filemap.Open(targetPath)
	if err != nil {
		t.Fatal(err)
	}
	defer target.Close()

	sourceBytes, err := readFile(t, sourcePath)
	if err != nil {
		t.Fatal(err)
	}
	if target.Len() != int64(len(sourceBytes)) {
		t.Fatalf("target length = %d, want %d", target.Len(), len(sourceBytes))
	}

	// The superblock prefix (the untouched gap) must survive byte for
	// byte.
	gotPrefix, err := target.Read(0, header.SquashfsHeaderSize)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(gotPrefix, sourceBytes[:header.SquashfsHeaderSize]) {
		t.Errorf("superblock prefix not preserved")
	}

	for i, want := range [][]byte{plain0, plain1} {
		b := blocks.Block(i)
		compressed, err := target.Read(int64(b.Offset), int64(b.Length))
		if err != nil {
			t.Fatalf("block %d: %v", i, err)
		}
		roundTrip := make([]byte, len(want))
		n, err := codec.Decompress(testSelector, roundTrip, compressed, len(want))
		if err != nil {
			t.Fatalf("block %d decompress: %v", i, err)
		}
		if n != len(want) || !bytes.Equal(roundTrip, want) {
			t.Errorf("block %d round trip mismatch", i)
		}
	}
}

func readFile(t *testing.T, path string) ([]byte, error) {
	t.Helper()
	fm, err := filemap.Open(path)
	if err != nil {
		return nil, err
	}
	defer fm.Close()
	b, err := fm.Read(0, fm.Len())
	if err != nil {
		return nil, err
	}
	// Copy out of the mapping before the deferred Close unmaps it.
	return append([]byte(nil), b...), nil
}
