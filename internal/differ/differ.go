// Package differ forks the external xdelta3 binary and wires the patch
// body to its stdin and the target file to its stdout.
//
// Grounded on distr1/distri's exec.CommandContext wiring style
// (internal/build/build.go's objcopy/strip invocations: construct the
// *exec.Cmd from a ctx, assign Stdin/Stdout/Stderr, Run(), wrap a
// non-zero exit with xerrors.Errorf) and on the original's
// fork+dup2+execlp, which this replaces with Go's higher-level os/exec
// plumbing.
package differ

import (
	"context"
	"os"
	"os/exec"

	"golang.org/x/xerrors"

	"github.com/distr1/squashmerge/internal/filemap"
	"github.com/distr1/squashmerge/internal/sqerr"
)

// BinaryName is the external differ this package invokes. It must be on
// PATH.
const BinaryName = "xdelta3"

// Run invokes `xdelta3 -c -d -s <scratchPath>`, reading the patch body
// (patch seeked to bodyOffset, i.e. past the header and block table) from
// stdin and writing the expanded target image to target's file
// descriptor. Stderr is inherited, unredirected. A non-zero exit is a
// ChildError. ctx is wired via exec.CommandContext so a cancellation
// (e.g. SIGINT) kills the child rather than leaving it running against a
// now-unlinked target.
func Run(ctx context.Context, scratchPath string, patch *filemap.FileMap, bodyOffset int64, target *filemap.FileMap) error {
	if _, err := patch.File().Seek(bodyOffset, 0); err != nil {
		return xerrors.Errorf("seeking patch file to body offset %d: %w: %v", bodyOffset, sqerr.IO, err)
	}

	cmd := exec.CommandContext(ctx, BinaryName, "-c", "-d", "-s", scratchPath)
	cmd.Stdin = patch.File()
	cmd.Stdout = target.File()
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return xerrors.Errorf("%s exited with status %d: %w", BinaryName, exitErr.ExitCode(), sqerr.Child)
		}
		return xerrors.Errorf("running %s: %w: %v", BinaryName, sqerr.IO, err)
	}
	return nil
}
