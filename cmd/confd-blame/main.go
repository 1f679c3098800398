// Command confd-blame prints the transaction log a confd-writerd
// instance wrote when run with --blame (SPEC_FULL.md §4: a thin
// diagnostics boundary, not the full dconf CLI spec.md's Non-goals
// exclude).
package main

import (
	"fmt"
	"io"
	"os"

	flag "github.com/spf13/pflag"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out, errOut io.Writer) int {
	flags := flag.NewFlagSet("confd-blame", flag.ContinueOnError)
	flagPath := flags.StringP("path", "p", "", "path to the blame log written by confd-writerd --blame-path")
	flags.Usage = func() {}

	if err := flags.Parse(args); err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 2
	}

	if *flagPath == "" {
		fmt.Fprintln(errOut, "error: --path is required")

		return 2
	}

	data, err := os.ReadFile(*flagPath)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	if _, err := out.Write(data); err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	return 0
}
