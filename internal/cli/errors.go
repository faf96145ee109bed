package cli

import (
	"fmt"
	"os"

	orcerrors "github.com/emily-flambe/orca-sub000/internal/errors"
)

// PrintError prints an error to stderr. Structured errors use the
// what/why/fix format; plain errors degrade to a one-liner.
func PrintError(err error) {
	if oe := orcerrors.AsOrcaError(err); oe != nil {
		fmt.Fprintln(os.Stderr, oe.UserMessage())
		if verbose {
			fmt.Fprintf(os.Stderr, "\nCode: %s\n", oe.Code)
			if oe.Cause != nil {
				fmt.Fprintf(os.Stderr, "Cause: %v\n", oe.Cause)
			}
		}
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
}
