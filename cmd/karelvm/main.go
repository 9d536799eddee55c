// Command karelvm is a command-line host for the Karel VM facade: it
// compiles a program, optionally loads a world fixture, runs an entry
// point, and prints the result — one urfave/cli Command per verb,
// mirroring the pack's own disassembler CLI shape.
package main

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli"

	"github.com/Caszual/Kvm/compiler"
	"github.com/Caszual/Kvm/karel"
	"github.com/Caszual/Kvm/world"
)

var logger = log.New(os.Stderr, "karelvm: ", log.LstdFlags)

func runCommand(c *cli.Context) error {
	args := c.Args()
	if len(args) < 1 {
		return cli.NewExitError("Insufficient arguments", 1)
	}
	source := args[0]
	entry := c.String("entry")
	worldPath := c.String("world")

	v := karel.New()
	defer v.Close()

	if err := v.LoadFile(source); err != nil {
		return cli.NewExitError(fmt.Sprintf("compile failed: %v", err), 1)
	}

	if worldPath != "" {
		f, err := os.Open(worldPath)
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("could not open world file: %v", err), 1)
		}
		defer f.Close()
		if err := v.LoadWorldYAML(f); err != nil {
			return cli.NewExitError(fmt.Sprintf("could not load world: %v", err), 1)
		}
	} else {
		var cityBytes [world.Size * world.Size]byte
		if err := v.LoadWorld(cityBytes, [5]uint32{0, 0, world.North, 0, 0}); err != nil {
			return cli.NewExitError(fmt.Sprintf("could not load default world: %v", err), 1)
		}
	}

	n, runErr := v.RunSymbol(entry)
	fmt.Printf("result: %s (%d instructions)\n", v.Status(), n)

	var buf bytes.Buffer
	if err := v.DumpWorldYAML(&buf); err != nil {
		logger.Printf("could not dump world: %v", err)
	} else {
		fmt.Print(buf.String())
	}

	if runErr != nil {
		return cli.NewExitError(runErr.Error(), 1)
	}
	return nil
}

func dumpCommand(c *cli.Context) error {
	args := c.Args()
	if len(args) < 1 {
		return cli.NewExitError("Insufficient arguments", 1)
	}

	v := karel.New()
	defer v.Close()

	if err := v.LoadFile(args[0]); err != nil {
		return cli.NewExitError(fmt.Sprintf("compile failed: %v", err), 1)
	}

	snap := v.DumpLoaded()
	fmt.Printf("instance %s\n", snap.Instance)
	for _, s := range snap.Symbols {
		fmt.Printf("%08x  %s\n", s.Addr, s.Name)
	}
	return nil
}

func checkCommand(c *cli.Context) error {
	args := c.Args()
	if len(args) < 1 {
		return cli.NewExitError("Insufficient arguments", 1)
	}

	v := karel.New()
	defer v.Close()

	if err := v.LoadFile(args[0]); err != nil {
		var compErr *compiler.Error
		if errors.As(err, &compErr) {
			return cli.NewExitError(compErr.Error(), 1)
		}
		return cli.NewExitError(err.Error(), 1)
	}
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "karelvm"
	app.Usage = "Compile and run Karel-lang programs"
	app.Action = func(c *cli.Context) error {
		cli.ShowAppHelp(c)
		return nil
	}
	app.Commands = []cli.Command{
		{
			Name:      "run",
			Usage:     "Compile, load a world, and run an entry point",
			ArgsUsage: "source.karel",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "entry",
					Value: "TEST",
					Usage: "symbol to run",
				},
				cli.StringFlag{
					Name:  "world",
					Usage: "YAML world fixture (default: empty city, Karel at origin facing north)",
				},
			},
			Action: runCommand,
		},
		{
			Name:      "dump",
			Usage:     "Compile and print the symbol table sorted by address",
			ArgsUsage: "source.karel",
			Action:    dumpCommand,
		},
		{
			Name:      "check",
			Usage:     "Compile only; report success or the compile error",
			ArgsUsage: "source.karel",
			Action:    checkCommand,
		},
	}
	app.Run(os.Args)
}
