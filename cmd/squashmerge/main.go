// Program squashmerge applies a binary delta patch to a SquashFS image,
// producing a new, fully compressed SquashFS image without re-running the
// original filesystem build.
//
// Example usage:
//	squashmerge base.sqfs update.sqdelta updated.sqfs
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/distr1/squashmerge/internal/pipeline"
	"github.com/distr1/squashmerge/internal/sqcontext"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <source> <patch> <target>\n", os.Args[0])
}

func logic(source, patch, target string) error {
	ctx, cancel, register := sqcontext.Interruptible()
	defer cancel()
	register(func() {
		// Best-effort: leave no half-written target behind on interrupt.
		os.Remove(target)
	})

	return pipeline.Apply(ctx, source, patch, target)
}

func main() {
	log.SetFlags(0)
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 3 {
		usage()
		os.Exit(1)
	}

	args := flag.Args()
	if err := logic(args[0], args[1], args[2]); err != nil {
		log.Fatalf("%s: %v", os.Args[0], err)
	}
}
