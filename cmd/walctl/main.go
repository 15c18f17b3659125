package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
)

// Build information, set by the linker.
var (
	Version = ""
	Commit  = ""
)

func main() {
	log.SetFlags(0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 2)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalCh
		cancel()
	}()

	if err := run(ctx, os.Args[1:]); err == flag.ErrHelp {
		os.Exit(2)
	} else if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printUsage()
		return flag.ErrHelp
	}

	cmd, cmdArgs := args[0], args[1:]
	switch cmd {
	case "checkpoint":
		c := NewCheckpointCommand()
		if err := c.ParseFlags(ctx, cmdArgs); err != nil {
			return err
		}
		return c.Run(ctx)

	case "info":
		c := NewInfoCommand()
		if err := c.ParseFlags(ctx, cmdArgs); err != nil {
			return err
		}
		return c.Run(ctx)

	case "verify":
		c := NewVerifyCommand()
		if err := c.ParseFlags(ctx, cmdArgs); err != nil {
			return err
		}
		return c.Run(ctx)

	case "destroy":
		c := NewDestroyCommand()
		if err := c.ParseFlags(ctx, cmdArgs); err != nil {
			return err
		}
		return c.Run(ctx)

	case "run":
		c := NewRunCommand()
		if err := c.ParseFlags(ctx, cmdArgs); err != nil {
			return err
		}
		return c.Run(ctx)

	case "version":
		fmt.Println(VersionString())
		return nil

	case "help", "-h", "--help":
		printUsage()
		return flag.ErrHelp

	default:
		return fmt.Errorf("invalid command: %q, run 'walctl help' for usage", cmd)
	}
}

// VersionString returns a human-readable version string, accounting for
// development builds with no linker metadata.
func VersionString() string {
	if Version != "" {
		return fmt.Sprintf("walctl %s, commit=%s", Version, Commit)
	} else if Commit != "" {
		return fmt.Sprintf("walctl commit=%s", Commit)
	}
	return "walctl development build"
}

func printUsage() {
	fmt.Println(`
walctl is a tool for inspecting and maintaining write-ahead logs.

Usage:

	walctl <command> [arguments]

The commands are:

	checkpoint   copy log frames into the database file
	info         print the current state of a log
	verify       validate the checksum chain of a log file
	destroy      remove the log of a database that is not in use
	run          execute a command with a background checkpointer
	version      print the version
`[1:])
}
