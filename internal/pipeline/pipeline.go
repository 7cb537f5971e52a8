// Package pipeline implements Apply, the full patch-apply data flow:
//
//	(source.sqfs, patch.sqdelta)
//	  → HeaderCodec
//	  → BlockTable
//	  → Expander (writes scratch.tmp via Codec+WorkerPool)
//	  → Differ (scratch.tmp × patch-body → target.sqfs with trailing metadata)
//	  → Squasher (Codec+WorkerPool → truncated final target.sqfs)
package pipeline

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/xerrors"

	"github.com/distr1/squashmerge/internal/blocktable"
	"github.com/distr1/squashmerge/internal/codec"
	"github.com/distr1/squashmerge/internal/differ"
	"github.com/distr1/squashmerge/internal/expander"
	"github.com/distr1/squashmerge/internal/filemap"
	"github.com/distr1/squashmerge/internal/header"
	"github.com/distr1/squashmerge/internal/sqcontext"
	"github.com/distr1/squashmerge/internal/squasher"
)

// Apply runs the full pipeline: it opens sourcePath and patchPath
// read-only, creates targetPath, builds a scratch image in a temporary
// directory, invokes the external xdelta3 differ, recompresses the
// result, and leaves the finished archive at targetPath. On any failure
// the partial target file is left for diagnostic inspection; the scratch
// file is always unlinked. ctx is threaded through to the external differ
// invocation so a cancellation (e.g. SIGINT) kills the xdelta3 child
// rather than leaving it running against an already-removed target.
func Apply(ctx context.Context, sourcePath, patchPath, targetPath string) error {
	source, err := filemap.Open(sourcePath)
	if err != nil {
		return xerrors.Errorf("opening source: %w", err)
	}
	defer source.Close()

	sb, err := header.ReadSquashfsSuperblock(source)
	if err != nil {
		return xerrors.Errorf("reading source superblock: %w", err)
	}

	patch, err := filemap.Open(patchPath)
	if err != nil {
		return xerrors.Errorf("opening patch: %w", err)
	}
	defer patch.Close()

	dh, err := header.ReadSqdeltaHeader(patch, 0)
	if err != nil {
		return xerrors.Errorf("reading patch header: %w", err)
	}

	if err := codec.Init(dh.Compression); err != nil {
		return xerrors.Errorf("initializing patch codec %s: %w", codec.String(dh.Compression), err)
	}

	blocks, err := blocktable.Read(patch, header.SqdeltaHeaderSize, dh.BlockCount, uint32(source.Len()))
	if err != nil {
		return xerrors.Errorf("reading patch block table: %w", err)
	}

	// Create target before resolving the scratch directory, mirroring the
	// original's "open target before chdir()" comment.
	target, err := filemap.CreateUnmapped(targetPath)
	if err != nil {
		return xerrors.Errorf("creating target: %w", err)
	}
	defer target.Close()

	scratchPath, cleanupScratch, err := createScratch()
	if err != nil {
		return xerrors.Errorf("preparing scratch image: %w", err)
	}
	defer cleanupScratch()

	scratch, err := filemap.Create(scratchPath, expander.Size(source.Len(), blocks))
	if err != nil {
		return xerrors.Errorf("mapping scratch image: %w", err)
	}

	if err := expander.Expand(sb.CodecSelector, blocks, source, patch, scratch); err != nil {
		scratch.Close()
		return xerrors.Errorf("expanding source image: %w", err)
	}
	if err := scratch.Close(); err != nil {
		return xerrors.Errorf("closing scratch image: %w", err)
	}

	bodyOffset := int64(header.SqdeltaHeaderSize) + blocks.ByteSize()
	if err := differ.Run(ctx, scratchPath, patch, bodyOffset, target); err != nil {
		return xerrors.Errorf("running external differ: %w", err)
	}

	// xdelta3 wrote directly to target's fd, bypassing any mapping this
	// process held; remap before touching it.
	if err := target.Remap(); err != nil {
		return xerrors.Errorf("remapping target after diff: %w", err)
	}

	targetDH, headerOffset, err := squasher.RecoverHeader(target)
	if err != nil {
		return xerrors.Errorf("recovering target header: %w", err)
	}
	targetBlocks, tableOffset, err := squasher.RecoverBlockTable(target, targetDH, headerOffset)
	if err != nil {
		return xerrors.Errorf("recovering target block table: %w", err)
	}

	if err := squasher.Squash(targetDH.Compression, targetBlocks, target, tableOffset); err != nil {
		return xerrors.Errorf("re-compressing target blocks: %w", err)
	}

	return nil
}

// createScratch allocates a uniquely named scratch file under the
// resolved TMPDIR, returning its path and a cleanup func that unlinks it.
// Rather than os.Chdir into TMPDIR as the original does (process-wide
// chdir is unsafe for a library used concurrently, e.g. by tests), the
// scratch path is already absolute when handed to the differ.
func createScratch() (path string, cleanup func(), err error) {
	f, err := os.CreateTemp(sqcontext.TmpDir(), "tmp.")
	if err != nil {
		return "", nil, xerrors.Errorf("creating scratch file: %w", err)
	}
	path = f.Name()
	f.Close()

	cleanup = func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "warning: failed to remove scratch file %s: %v\n", path, err)
		}
	}
	return path, cleanup, nil
}
