// Package sqerr defines the error taxonomy shared by every squashmerge
// component, so that callers can classify a failure with errors.Is while
// the wrapping chain (built with golang.org/x/xerrors) still carries a
// human-readable diagnostic and stack frames for operators.
package sqerr

import "errors"

// Sentinel categories. Every error returned by internal/* is, somewhere in
// its xerrors.Errorf("...: %w", ...) chain, one of these.
var (
	// IO errors: open/seek/mmap/fork/exec/truncate failed.
	IO = errors.New("io error")

	// Format errors: bad magic, unknown flag, unsupported codec id, block
	// descriptor out of file.
	Format = errors.New("format error")

	// Codec errors: init rejected the selector, or compress/decompress
	// returned 0 or an unexpected length.
	Codec = errors.New("codec error")

	// Child errors: xdelta3 exited non-zero.
	Child = errors.New("child process error")

	// Bounds errors: a read/write into a FileMap would exceed its length.
	Bounds = errors.New("bounds error")
)

// Is reports whether err's chain contains the given category sentinel.
func Is(err, category error) bool {
	return errors.Is(err, category)
}
