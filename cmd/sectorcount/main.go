// Command sectorcount drives dual-blind sector inventory counts.
package main

import (
	"context"
	"os"

	"github.com/roach88/sectorcount/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
