package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/effective-security/p11scan/cmd/p11scan/cli"
	"github.com/effective-security/p11scan/internal/version"
	"github.com/effective-security/x/ctl"
)

type app struct {
	cli.Cli

	Scan    cli.ScanCmd    `cmd:"" help:"Scan the tokens and print the scan tree"`
	Tokens  cli.TokensCmd  `cmd:"" help:"Print labels of the tokens"`
	Watch   cli.WatchCmd   `cmd:"" help:"Watch slot events and print scan results"`
	Serve   cli.ServeCmd   `cmd:"" help:"Stream slot events and scan results over WebSocket"`
	Version cli.VersionCmd `cmd:"" help:"Print version information"`
}

func main() {
	realMain(os.Args, os.Stdout, os.Stderr, os.Exit)
}

func realMain(args []string, out io.Writer, errout io.Writer, exit func(int)) {
	cl := app{
		Cli: cli.Cli{},
	}
	cl.Cli.WithErrWriter(errout).
		WithWriter(out)

	parser, err := kong.New(&cl,
		kong.Name("p11scan"),
		kong.Description("PKCS#11 token scanner and monitor"),
		kong.Writers(out, errout),
		kong.Exit(exit),
		ctl.BoolPtrMapper,
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"version": version.Current().String(),
		})
	if err != nil {
		panic(err)
	}

	ctx, err := parser.Parse(args[1:])
	parser.FatalIfErrorf(err)

	if ctx != nil {
		if cl.Debug {
			// in DEBUG more print command line
			_, _ = fmt.Fprintf(ctx.Stdout, "#\n# %s\n#\n", strings.Join(args, " "))
		}
		err = ctx.Run(&cl.Cli)
		ctx.FatalIfErrorf(err)
	}
}
