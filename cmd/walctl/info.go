package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"

	"github.com/quarrydb/quarry"
)

// InfoCommand represents a command to print the current state of a log.
type InfoCommand struct {
	// Path to the main database file.
	Path string

	// If true, also compute a digest of the logical database image.
	Digest bool
}

// NewInfoCommand returns a new instance of InfoCommand.
func NewInfoCommand() *InfoCommand {
	return &InfoCommand{}
}

// ParseFlags parses the command line flags.
func (c *InfoCommand) ParseFlags(ctx context.Context, args []string) (err error) {
	fs := flag.NewFlagSet("walctl-info", flag.ContinueOnError)
	fs.BoolVar(&c.Digest, "digest", false, "compute a digest of the database image")
	fs.Usage = func() {
		fmt.Println(`
The info command prints the state of the log of a database: its page size,
number of frames, checkpoint progress, and database size.

Usage:

	walctl info [arguments] DB_PATH

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
func (c *InfoCommand) Run(ctx context.Context) (err error) {
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

	if _, _, err := conn.BeginRead(ctx); err != nil {
		return err
	}
	defer conn.EndRead()

	fmt.Printf("database:      %s\n", conn.Name())
	fmt.Printf("log:           %s\n", quarry.LogPath(conn.Name()))
	fmt.Printf("page size:     %d\n", conn.PageSize())
	fmt.Printf("frames:        %d\n", conn.FrameCount())
	fmt.Printf("backfilled:    %d\n", conn.BackfillCount())
	fmt.Printf("database size: %d pages\n", conn.Dbsize())

	if c.Digest {
		digest, err := conn.Digest()
		if err != nil {
			return err
		}
		fmt.Printf("digest:        %s\n", hex.EncodeToString(digest[:]))
	}
	return nil
}
