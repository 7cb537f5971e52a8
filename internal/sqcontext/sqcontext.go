// Package sqcontext provides the ambient process wiring the pipeline
// needs outside of the core patch-apply algorithm: an interruptible
// context (so a hung xdelta3 child can be signalled) paired with
// best-effort cleanup registration, and TMPDIR resolution for the
// scratch file.
//
// Grounded on distr1/distri's distri.InterruptibleContext (context.go) and
// internal/oninterrupt's Register callback list, merged into one package
// since squashmerge is a single short-lived command rather than a
// multi-subcommand daemon.
package sqcontext

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Interruptible returns a context canceled on SIGINT or SIGTERM, and a
// Cleanup registrar: functions registered via the returned register func
// run once, in registration order, when the signal arrives — e.g.
// unlinking the scratch file before the process exits.
func Interruptible() (ctx context.Context, cancel context.CancelFunc, register func(func())) {
	ctx, cancel = context.WithCancel(context.Background())

	var mu sync.Mutex
	var cleanups []func()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		signal.Stop(sig)
		cancel()
		mu.Lock()
		for _, f := range cleanups {
			f()
		}
		mu.Unlock()
	}()

	register = func(f func()) {
		mu.Lock()
		defer mu.Unlock()
		cleanups = append(cleanups, f)
	}
	return ctx, cancel, register
}

// TmpDir resolves the scratch-file working directory: $TMPDIR, falling
// back to the platform's default temp directory (Go's os.TempDir
// implements the same P_tmpdir-or-/tmp fallback the original gets from
// <stdio.h>'s P_tmpdir).
func TmpDir() string {
	if dir := os.Getenv("TMPDIR"); dir != "" {
		return dir
	}
	return os.TempDir()
}
