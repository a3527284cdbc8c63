// Command itsylinker links relocatable RV64 ELF objects and archives
// into a single static executable image.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/diodesign/itsylinker/cli"
	"github.com/diodesign/itsylinker/linker"
)

func main() {
	root := &cobra.Command{
		Use:                   "itsylinker [options] <file>...",
		Short:                 "A minimalist static linker for RV64 ELF objects",
		DisableFlagParsing:    true,
		SilenceUsage:          true,
		SilenceErrors:         true,
		DisableFlagsInUseLine: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args)
		},
	}
	root.SetHelpTemplate("Usage: itsylinker [options] <file>...\n\n" +
		"  -L <dir>                add a search directory\n" +
		"  -o <path>               set the output path (default a.out)\n" +
		"  -T <path>               link-script path (mandatory)\n" +
		"  -flavor gnu             accept the gnu driver flavor\n" +
		"  --start-group/--end-group   bracket a group of archive members\n" +
		"  --help                  print a usage line\n" +
		"  --version               print the version\n")

	if err := root.Execute(); err != nil {
		fatal(err)
	}
}

func run(args []string) error {
	parsed, err := cli.Parse(args)
	if err != nil {
		return &linker.FatalError{Tag: linker.UsageError, Err: err}
	}

	if parsed.Help {
		fmt.Println("Usage: itsylinker [options] <file>...")
		os.Exit(1)
	}
	if parsed.Version {
		fmt.Println("itsylinker (Go port)")
		os.Exit(1)
	}

	ctx := linker.NewContext(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err := linker.Link(ctx, parsed.Stream, parsed.ScriptPath, parsed.Output); err != nil {
		return err
	}
	return nil
}

func fatal(err error) {
	color.New(color.FgRed, color.Bold).Fprint(os.Stderr, "itsylinker: ")
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
