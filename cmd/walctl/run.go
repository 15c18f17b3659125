package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
	"github.com/quarrydb/quarry"
)

// RunCommand represents a command to execute a program while a background
// checkpointer keeps the database's log from growing without bound.
type RunCommand struct {
	// Path to the config file, if explicitly specified.
	ConfigPath string

	// If true, environment variables are not expanded in the config.
	NoExpandEnv bool

	Config Config
}

// NewRunCommand returns a new instance of RunCommand.
func NewRunCommand() *RunCommand {
	return &RunCommand{
		Config: NewConfig(),
	}
}

// ParseFlags parses the command line flags & config file.
func (c *RunCommand) ParseFlags(ctx context.Context, args []string) (err error) {
	// An exec command after a double dash overrides the config file.
	args0, args1 := splitArgs(args)

	fs := flag.NewFlagSet("walctl-run", flag.ContinueOnError)
	fs.StringVar(&c.ConfigPath, "config", "", "config file path")
	fs.BoolVar(&c.NoExpandEnv, "no-expand-env", false, "do not expand env vars in config")
	fs.Usage = func() {
		fmt.Println(`
The run command executes a program while checkpointing its database's log
in the background whenever enough frames accumulate.

Usage:

	walctl run [arguments] [-- CMD [ARG...]]

Arguments:
`[1:])
		fs.PrintDefaults()
		fmt.Println("")
	}
	if err := fs.Parse(args0); err != nil {
		return err
	} else if fs.NArg() > 0 {
		return fmt.Errorf("too many arguments, specify a '--' to specify an exec command")
	}

	if err := ParseConfigPath(c.ConfigPath, !c.NoExpandEnv, &c.Config); err != nil {
		return err
	}
	if len(args1) > 0 {
		c.Config.Exec = strings.Join(args1, " ")
	}
	return nil
}

// Run executes the command.
func (c *RunCommand) Run(ctx context.Context) (err error) {
	if c.Config.Database == "" {
		return fmt.Errorf("database path required")
	} else if c.Config.Exec == "" {
		return fmt.Errorf("no exec command specified")
	}

	initTracing(c.Config.Tracing)

	mode, err := quarry.ParseCheckpointMode(c.Config.Checkpoint.Mode)
	if err != nil {
		return err
	}

	mgr := quarry.NewFileManager()
	conn, err := mgr.Open(ctx, c.Config.Database)
	if err != nil {
		return err
	}
	defer func() {
		if e := mgr.Close(context.Background(), conn, true); err == nil {
			err = e
		}
	}()

	ckpt := quarry.NewAutoCheckpointer(conn)
	ckpt.Mode = mode
	ckpt.Threshold = c.Config.Checkpoint.Threshold
	if c.Config.Checkpoint.Interval > 0 {
		ckpt.Interval = c.Config.Checkpoint.Interval
	}
	ckpt.Start()
	defer func() {
		if e := ckpt.Stop(); err == nil {
			err = e
		}
	}()

	args, err := shellwords.Parse(c.Config.Exec)
	if err != nil {
		return fmt.Errorf("cannot parse exec command: %w", err)
	}

	fmt.Printf("starting subprocess: %s %v\n", args[0], args[1:])

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = os.Environ()
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		if !c.Config.ExitOnError && ctx.Err() != nil {
			return nil // shut down by signal
		}
		return err
	}
	return nil
}
