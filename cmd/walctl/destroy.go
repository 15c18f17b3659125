package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/quarrydb/quarry"
)

// DestroyCommand represents a command to remove the log of a database that
// is not in use.
type DestroyCommand struct {
	// Path to the main database file.
	Path string

	// Skip the checkpoint and discard non-backfilled frames.
	Force bool
}

// NewDestroyCommand returns a new instance of DestroyCommand.
func NewDestroyCommand() *DestroyCommand {
	return &DestroyCommand{}
}

// ParseFlags parses the command line flags.
func (c *DestroyCommand) ParseFlags(ctx context.Context, args []string) (err error) {
	fs := flag.NewFlagSet("walctl-destroy", flag.ContinueOnError)
	fs.BoolVar(&c.Force, "force", false, "discard frames that have not been checkpointed")
	fs.Usage = func() {
		fmt.Println(`
The destroy command checkpoints the log into the database file and removes
it. With -force the checkpoint is skipped and any committed transactions
still in the log are lost.

Usage:

	walctl destroy [arguments] DB_PATH

Arguments:
`[1:])
		fs.PrintDefaults()
		fmt.Println("")
	}
	if err := fs.Parse(args); err != nil {
		return err
	} else if fs.NArg() == 0 {
		fs.Usage()
		return flag.ErrHelp
	} else if fs.NArg() > 1 {
		return fmt.Errorf("too many arguments")
	}

	c.Path = fs.Arg(0)
	return nil
}

// Run executes the command.
func (c *DestroyCommand) Run(ctx context.Context) error {
	mgr := quarry.NewFileManager()

	if c.Force {
		if err := mgr.Destroy(ctx, c.Path); err != nil {
			return err
		}
		fmt.Printf("log removed for %q\n", c.Path)
		return nil
	}

	conn, err := mgr.Open(ctx, c.Path)
	if err != nil {
		return err
	}
	if err := mgr.Close(ctx, conn, true); err != nil {
		return err
	}
	fmt.Printf("log checkpointed and removed for %q\n", c.Path)
	return nil
}
