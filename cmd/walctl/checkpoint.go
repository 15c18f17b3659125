package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/quarrydb/quarry"
)

// CheckpointCommand represents a command to checkpoint a database's log.
type CheckpointCommand struct {
	// Checkpoint mode: passive, full, restart, or truncate.
	Mode string

	// How long to keep retrying busy locks before giving up.
	Timeout time.Duration

	// Path to the main database file.
	Path string
}

// NewCheckpointCommand returns a new instance of CheckpointCommand.
func NewCheckpointCommand() *CheckpointCommand {
	return &CheckpointCommand{
		Mode:    quarry.CheckpointPassive.String(),
		Timeout: 30 * time.Second,
	}
}

// ParseFlags parses the command line flags.
func (c *CheckpointCommand) ParseFlags(ctx context.Context, args []string) (err error) {
	fs := flag.NewFlagSet("walctl-checkpoint", flag.ContinueOnError)
	fs.StringVar(&c.Mode, "mode", c.Mode, "checkpoint mode (passive, full, restart, truncate)")
	fs.DurationVar(&c.Timeout, "timeout", c.Timeout, "how long to retry busy locks")
	fs.Usage = func() {
		fmt.Println(`
The checkpoint command copies committed frames from the log into the
database file. The blocking modes wait for readers up to -timeout.

Usage:

	walctl checkpoint [arguments] DB_PATH

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
func (c *CheckpointCommand) Run(ctx context.Context) (err error) {
	mode, err := quarry.ParseCheckpointMode(c.Mode)
	if err != nil {
		return err
	}

	mgr := quarry.NewFileManager()
	conn, err := mgr.Open(ctx, c.Path)
	if err != nil {
		return err
	}
	defer func() {
		if e := mgr.Close(context.Background(), conn, false); err == nil {
			err = e
		}
	}()

	t := time.Now()
	deadline := t.Add(c.Timeout)
	busy := func() bool {
		if time.Now().After(deadline) || ctx.Err() != nil {
			return false
		}
		time.Sleep(10 * time.Millisecond)
		return true
	}

	res, err := conn.Checkpoint(ctx, mode, busy, quarry.SyncNormal)
	if err != nil {
		return err
	}

	fmt.Printf("checkpointed %q: mode=%s frames=%d backfilled=%d elapsed=%s\n",
		c.Path, mode, res.LogFrames, res.Backfilled, time.Since(t))
	return nil
}
