package main

import (
	"fmt"
	"os"

	"nikand.dev/go/cli"
)

// Version is set at build time.
var Version = "dev"

func main() {
	replayCmd := &cli.Command{
		Name:        "replay",
		Description: "replay a YAML trace and print the symbolic expressions it creates",
		Action:      replayAct,
		Args:        cli.Args{},
		Flags: []*cli.Flag{
			cli.NewFlag("mode,m", "", "representation mode (smt or python), overrides the trace"),
			cli.NewFlag("state,s", false, "print the symbolic registers after the trace"),
			cli.NewFlag("simplify", false, "simplify expressions before printing"),
		},
	}

	versionCmd := &cli.Command{
		Name:   "version",
		Action: versionAct,
	}

	app := &cli.Command{
		Name:        "symex",
		Description: "symex is a tool for inspecting symbolic expressions built from instruction traces",
		Commands: []*cli.Command{
			replayCmd,
			versionCmd,
		},
	}

	cli.RunAndExit(app, os.Args, os.Environ())
}

func versionAct(c *cli.Command) error {
	fmt.Printf("symex %s\n", Version)
	return nil
}
