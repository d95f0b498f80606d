// Command syncql is an offline-first GraphQL client.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/syncql/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
