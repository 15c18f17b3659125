package main

import (
	"bytes"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/quarrydb/quarry"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

// NOTE: Update etc/walctl.yml after changing the structure below.

// Config represents the configuration for the run command.
type Config struct {
	Database    string `yaml:"database"`
	Exec        string `yaml:"exec"`
	ExitOnError bool   `yaml:"exit-on-error"`

	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// NewConfig returns a new instance of Config with defaults set.
func NewConfig() Config {
	var config Config
	config.ExitOnError = true

	config.Checkpoint.Mode = quarry.CheckpointPassive.String()
	config.Checkpoint.Threshold = quarry.DefaultCheckpointThreshold
	config.Checkpoint.Interval = quarry.DefaultCheckpointInterval

	config.Tracing.MaxSize = DefaultTracingMaxSize
	config.Tracing.MaxCount = DefaultTracingMaxCount
	config.Tracing.Compress = DefaultTracingCompress

	return config
}

// CheckpointConfig represents the configuration for the background
// checkpointer.
type CheckpointConfig struct {
	Mode      string        `yaml:"mode"`
	Threshold uint32        `yaml:"threshold"`
	Interval  time.Duration `yaml:"interval"`
}

// Tracing configuration defaults.
const (
	DefaultTracingMaxSize  = 64 // MB
	DefaultTracingMaxCount = 8
	DefaultTracingCompress = true
)

// TracingConfig represents the configuration for the on-disk trace log.
type TracingConfig struct {
	Path     string `yaml:"path"`
	MaxSize  int    `yaml:"max-size"`
	MaxCount int    `yaml:"max-count"`
	Compress bool   `yaml:"compress"`
}

// UnmarshalConfig unmarshals config from data. If expandEnv is true then
// environment variables are expanded in the config first.
func UnmarshalConfig(config *Config, data []byte, expandEnv bool) error {
	if expandEnv {
		data = []byte(os.ExpandEnv(string(data)))
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true) // strict checking
	return dec.Decode(config)
}

// ParseConfigPath reads config from configPath, if specified. Otherwise it
// searches the standard list of search paths and returns an error if no
// configuration file could be found.
func ParseConfigPath(configPath string, expandEnv bool, config *Config) (err error) {
	if configPath != "" {
		buf, err := os.ReadFile(configPath)
		if err != nil {
			return err
		}
		return UnmarshalConfig(config, buf, expandEnv)
	}

	for _, path := range configSearchPaths() {
		if path, err = filepath.Abs(path); err != nil {
			return err
		}

		buf, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		} else if err != nil {
			return fmt.Errorf("cannot read config file at %s: %s", path, err)
		}

		if err := UnmarshalConfig(config, buf, expandEnv); err != nil {
			return fmt.Errorf("cannot unmarshal config file at %s: %s", path, err)
		}

		fmt.Printf("config file read from %s\n", path)
		return nil
	}

	return fmt.Errorf("config file not found")
}

// configSearchPaths returns paths to search for the config file: the
// current directory, then the home directory, then /etc.
func configSearchPaths() []string {
	a := []string{"walctl.yml"}
	if u, _ := user.Current(); u != nil && u.HomeDir != "" {
		a = append(a, filepath.Join(u.HomeDir, "walctl.yml"))
	}
	a = append(a, "/etc/walctl.yml")
	return a
}

// initTracing points the WAL trace log at a rotating file.
func initTracing(config TracingConfig) {
	if config.Path == "" {
		return
	}

	quarry.TraceLog.SetOutput(&lumberjack.Logger{
		Filename:   config.Path,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxCount,
		Compress:   config.Compress,
	})
	quarry.TraceLog.Printf("%s", VersionString())
}

// splitArgs returns the list of args before and after a "--" arg. If the
// double dash is not specified, then args0 is args and args1 is empty.
func splitArgs(args []string) (args0, args1 []string) {
	for i, v := range args {
		if v == "--" {
			return args[:i], args[i+1:]
		}
	}
	return args, nil
}
