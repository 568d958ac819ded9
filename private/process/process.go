// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

// Package process wires cobra commands to configuration loading, logging
// and signal handling.
package process

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"gitfleet.io/gitfleet/private/cfgstruct"
)

// Error is the default process errs class.
var Error = errs.Class("process")

// envPrefix is the prefix of recognized environment variables, e.g.
// GITFLEET_DEPLOY_WORKERS for --deploy.workers.
const envPrefix = "GITFLEET"

var vip = viper.New()

// Bind registers the config struct on the command's flags.
func Bind(cmd *cobra.Command, config interface{}) {
	cfgstruct.Bind(cmd.Flags(), config)
}

// RegisterAlias makes the alias key resolve to the canonical flag, so
// documented option names keep working across config reshuffles.
func RegisterAlias(alias, canonical string) {
	vip.RegisterAlias(alias, canonical)
}

// Exec loads configuration and runs the command tree. Values are merged
// in precedence order: explicit flags, environment, config file, flag
// defaults.
func Exec(root *cobra.Command) {
	root.PersistentFlags().String("config", "", "path to a yaml configuration file")
	root.PersistentFlags().String("log.level", "info", "log level, one of debug, info, warn, error")

	wrapRunE(root)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func wrapRunE(cmd *cobra.Command) {
	if run := cmd.RunE; run != nil {
		cmd.RunE = func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd); err != nil {
				return err
			}
			return run(cmd, args)
		}
	}
	for _, child := range cmd.Commands() {
		wrapRunE(child)
	}
}

// loadConfig merges the environment and the optional config file into
// every flag the caller did not set explicitly.
func loadConfig(cmd *cobra.Command) error {
	vip.SetEnvPrefix(envPrefix)
	vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	vip.AutomaticEnv()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		vip.SetConfigFile(path)
		if err := vip.ReadInConfig(); err != nil {
			return Error.New("reading config %s: %v", path, err)
		}
	}

	var failed error
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if flag.Changed || !vip.IsSet(flag.Name) {
			return
		}
		if err := cmd.Flags().Set(flag.Name, vip.GetString(flag.Name)); err != nil && failed == nil {
			failed = Error.New("option %s: %v", flag.Name, err)
		}
	})
	return failed
}

// SaveConfig writes a commented config file listing every flag with its
// current value. Entries are commented out so the file documents the
// defaults without freezing them.
func SaveConfig(cmd *cobra.Command, path string) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# configuration for %s\n\n", cmd.Root().Name())

	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		switch flag.Name {
		case "config", "help":
			return
		}
		if flag.Usage != "" {
			fmt.Fprintf(&buf, "# %s\n", flag.Usage)
		}
		fmt.Fprintf(&buf, "# %s: %s\n\n", flag.Name, flag.Value.String())
	})

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Error.Wrap(err)
		}
	}
	return Error.Wrap(os.WriteFile(path, buf.Bytes(), 0o600))
}

// Ctx returns a context canceled on SIGINT or SIGTERM.
func Ctx(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
}

// NewLogger creates the process logger honoring --log.level.
func NewLogger(cmd *cobra.Command) (*zap.Logger, error) {
	levelName, _ := cmd.Flags().GetString("log.level")
	level, err := zapcore.ParseLevel(levelName)
	if err != nil {
		return nil, Error.New("unknown log level %q", levelName)
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(level)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := config.Build()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return logger, nil
}
