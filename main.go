package main

import (
	"errors"
	"os"

	"github.com/amiv-eth/bouncer/internal/bouncer"
)

// exitPartial is the exit status when a run finished but some requests
// failed; the results that did arrive were still reported.
const exitPartial = 2

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if errors.Is(err, bouncer.ErrPartialFailure) {
			printError(os.Stderr, err)
			os.Exit(exitPartial)
		}

		exitOnError(err)
	}
}
