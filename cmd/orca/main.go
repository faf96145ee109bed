package main

import (
	"os"

	"github.com/emily-flambe/orca-sub000/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
