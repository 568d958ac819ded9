// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

// gitfleet runs the deployment and compliance orchestrator.
package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gitfleet.io/gitfleet/fleet"
	"gitfleet.io/gitfleet/fleet/fleetdb"
	"gitfleet.io/gitfleet/private/process"
)

var (
	rootCmd = &cobra.Command{
		Use:   "gitfleet",
		Short: "GitFleet deployment and compliance orchestrator",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the orchestrator",
		RunE:  cmdRun,
	}
	migrationCmd = &cobra.Command{
		Use:   "migration",
		Short: "Apply pending database migrations and exit",
		RunE:  cmdMigration,
	}
	setupCmd = &cobra.Command{
		Use:   "setup",
		Short: "Write a commented configuration file with the defaults",
		RunE:  cmdSetup,
	}

	runCfg       fleet.Config
	migrationCfg fleet.Config
	setupCfg     fleet.Config
)

// Documented option names kept as aliases of the flags they moved to.
var optionAliases = map[string]string{
	"workers.deploymentPool":     "deploy.workers",
	"workers.pipelinePollMin":    "pipeline.poll-initial",
	"workers.pipelinePollMax":    "pipeline.poll-max",
	"limits.maxContentBytes":     "deploy.max-file-bytes",
	"limits.webhookDedupSize":    "webhook.dedup-size",
	"limits.sessions.concurrent": "console.concurrent-sessions",
	"retention.backupDays":       "deploy.backup-retention-days",
	"retention.terminalDays":     "deploy.retention-days",
	"auth.sessionTTL":            "console.session-ttl",
	"auth.passwordWorkFactor":    "console.password-cost",
	"rateLimits.pipelineTrigger": "pipeline.triggers-per-minute",
	"paths.remoteFSRoots":        "remote-fs.roots",
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrationCmd)
	rootCmd.AddCommand(setupCmd)
	process.Bind(runCmd, &runCfg)
	process.Bind(migrationCmd, &migrationCfg)
	process.Bind(setupCmd, &setupCfg)
	for alias, canonical := range optionAliases {
		process.RegisterAlias(alias, canonical)
	}
}

func cmdRun(cmd *cobra.Command, args []string) error {
	if err := runCfg.Validate(); err != nil {
		return err
	}

	log, err := process.NewLogger(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := process.Ctx(cmd)
	defer cancel()

	db, err := fleetdb.Open(ctx, log.Named("db"), runCfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := db.MigrateToLatest(ctx); err != nil {
		return err
	}

	peer, err := fleet.New(log, db, runCfg)
	if err != nil {
		return err
	}

	runErr := peer.Run(ctx)
	closeErr := peer.Close()
	if runErr != nil {
		log.Error("peer stopped", zap.Error(runErr))
		return runErr
	}
	return closeErr
}

func cmdMigration(cmd *cobra.Command, args []string) error {
	log, err := process.NewLogger(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := process.Ctx(cmd)
	defer cancel()

	db, err := fleetdb.Open(ctx, log.Named("db"), migrationCfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	return db.MigrateToLatest(ctx)
}

func cmdSetup(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = "gitfleet.yaml"
	}
	return process.SaveConfig(cmd, path)
}

func main() {
	process.Exec(rootCmd)
}
