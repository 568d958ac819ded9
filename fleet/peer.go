// Copyright (C) 2025 GitFleet Labs.
// See LICENSE for copying information.

// Package fleet assembles the services into a runnable process.
package fleet

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"gitfleet.io/gitfleet/fleet/api"
	"gitfleet.io/gitfleet/fleet/clocks"
	"gitfleet.io/gitfleet/fleet/compliance"
	"gitfleet.io/gitfleet/fleet/console"
	"gitfleet.io/gitfleet/fleet/deploy"
	"gitfleet.io/gitfleet/fleet/events"
	"gitfleet.io/gitfleet/fleet/fleetdb"
	"gitfleet.io/gitfleet/fleet/metrics"
	"gitfleet.io/gitfleet/fleet/orchestrate"
	"gitfleet.io/gitfleet/fleet/pipeline"
	"gitfleet.io/gitfleet/fleet/remotefs"
	"gitfleet.io/gitfleet/fleet/repohost"
	"gitfleet.io/gitfleet/fleet/secrets"
	"gitfleet.io/gitfleet/fleet/webhook"
	"gitfleet.io/gitfleet/private/kvstore"
	"gitfleet.io/gitfleet/private/sync2"
)

// Error is the default fleet errs class.
var Error = errs.Class("fleet")

// SecretsConfig configures the secret provider cache.
type SecretsConfig struct {
	TTL time.Duration `help:"how long fetched secrets stay cached" default:"5m"`
}

// Config is the complete process configuration.
type Config struct {
	Database     fleetdb.Config
	Console      console.Config
	Metrics      metrics.Config
	RepoHost     repohost.Config
	RemoteFS     remotefs.Config
	Compliance   compliance.Config
	Pipeline     pipeline.Config
	PipelineHost pipeline.HostConfig
	Deploy       deploy.Config
	Orchestrate  orchestrate.Config
	Webhook      webhook.Config
	Events       events.Config
	API          api.Config
	Secrets      SecretsConfig
}

// Validate rejects out of range settings so a misconfigured process never
// starts.
func (config *Config) Validate() error {
	switch {
	case config.Deploy.Workers < 1 || config.Deploy.Workers > 64:
		return Error.New("deploy.workers must be 1..64, got %d", config.Deploy.Workers)
	case config.Deploy.MaxRetries < 0 || config.Deploy.MaxRetries > 10:
		return Error.New("deploy.max-retries must be 0..10, got %d", config.Deploy.MaxRetries)
	case config.Deploy.MaxFileBytes <= 0:
		return Error.New("deploy.max-file-bytes must be positive, got %d", config.Deploy.MaxFileBytes)
	case config.Deploy.VerifyAttempts < 1:
		return Error.New("deploy.verify-attempts must be at least 1, got %d", config.Deploy.VerifyAttempts)
	case config.Deploy.BackupRetentionDays < 1:
		return Error.New("deploy.backup-retention-days must be at least 1, got %d", config.Deploy.BackupRetentionDays)
	case config.Deploy.RetentionDays < 1:
		return Error.New("deploy.retention-days must be at least 1, got %d", config.Deploy.RetentionDays)
	case config.Pipeline.PollInitial <= 0:
		return Error.New("pipeline.poll-initial must be positive, got %v", config.Pipeline.PollInitial)
	case config.Pipeline.PollMax < config.Pipeline.PollInitial:
		return Error.New("pipeline.poll-max %v is below pipeline.poll-initial %v",
			config.Pipeline.PollMax, config.Pipeline.PollInitial)
	case config.Pipeline.TriggersPerMinute < 1:
		return Error.New("pipeline.triggers-per-minute must be at least 1, got %d", config.Pipeline.TriggersPerMinute)
	case config.Console.ConcurrentSessions < 1 || config.Console.ConcurrentSessions > 100:
		return Error.New("console.concurrent-sessions must be 1..100, got %d", config.Console.ConcurrentSessions)
	case config.Console.PasswordCost < bcrypt.MinCost || config.Console.PasswordCost > bcrypt.MaxCost:
		return Error.New("console.password-cost must be %d..%d, got %d",
			bcrypt.MinCost, bcrypt.MaxCost, config.Console.PasswordCost)
	case config.Console.SessionTTL <= 0:
		return Error.New("console.session-ttl must be positive, got %v", config.Console.SessionTTL)
	case config.Webhook.DedupSize < 1:
		return Error.New("webhook.dedup-size must be at least 1, got %d", config.Webhook.DedupSize)
	case config.Webhook.MaxBodyBytes < 1:
		return Error.New("webhook.max-body-bytes must be at least 1, got %d", config.Webhook.MaxBodyBytes)
	case config.Metrics.RetentionDays < 1:
		return Error.New("metrics.retention-days must be at least 1, got %d", config.Metrics.RetentionDays)
	}
	return nil
}

// Peer is the assembled process.
//
// architecture: Peer
type Peer struct {
	Log *zap.Logger
	DB  *fleetdb.DB

	Clock clocks.Clock
	IDGen clocks.IDGen

	Secrets *secrets.Provider

	Events struct {
		Bus    *events.Bus
		Server *events.Server
	}

	Console struct {
		Service *console.Service
		Chore   *console.Chore
	}

	Metrics struct {
		Service *metrics.Service
		Chore   *metrics.Chore
	}

	RepoHost repohost.Client
	RemoteFS remotefs.FS

	Compliance struct {
		Service *compliance.Service
	}

	Pipeline struct {
		Service *pipeline.Service
		Poller  *pipeline.Poller
	}

	Deploy struct {
		Service *deploy.Service
		Backups *deploy.Backups
		Worker  *deploy.Worker
		Prune   *deploy.PruneChore
	}

	Orchestrate struct {
		Runner   *orchestrate.Runner
		Profiles []*orchestrate.Profile
	}

	Webhook struct {
		Service  *webhook.Service
		Handler  *webhook.Handler
		Listener net.Listener
		Server   http.Server
	}

	API struct {
		Listener net.Listener
		Server   *api.Server
	}

	Retention struct {
		Deployments *sync2.Cycle
		Pipelines   *sync2.Cycle
	}
}

// New assembles the peer from an opened database and validated config.
func New(log *zap.Logger, db *fleetdb.DB, config Config) (peer *Peer, err error) {
	peer = &Peer{
		Log:   log,
		DB:    db,
		Clock: clocks.System{},
		IDGen: clocks.System{},
	}

	peer.Secrets = secrets.NewProvider(secrets.Static{}, peer.Clock, config.Secrets.TTL)

	peer.Events.Bus = events.NewBus(log.Named("events"), peer.Clock, config.Events)

	peer.Console.Service = console.NewService(log.Named("console"), db, peer.Clock, peer.IDGen, config.Console)
	peer.Console.Chore = console.NewChore(log.Named("console:chore"), db.Sessions(), peer.Clock,
		config.Console.SessionCleanupInterval)

	peer.Events.Server = events.NewServer(log.Named("events:server"), peer.Events.Bus, peer.Console.Service, config.Events)

	peer.Metrics.Service = metrics.NewService(log.Named("metrics"), db.Metrics(), peer.Clock, config.Metrics)
	peer.Metrics.Chore = metrics.NewChore(log.Named("metrics:chore"), peer.Metrics.Service, config.Metrics)

	peer.RepoHost = repohost.NewToolClient(log.Named("repohost"), config.RepoHost)
	peer.RemoteFS = remotefs.NewToolFS(log.Named("remotefs"), config.RemoteFS)

	{ // compliance
		templates, err := compliance.LoadTemplates(config.Compliance.TemplateDir)
		if err != nil {
			log.Warn("no compliance templates loaded", zap.Error(err))
		}
		peer.Compliance.Service, err = compliance.NewService(log.Named("compliance"), peer.RepoHost, peer.Clock, templates)
		if err != nil {
			return nil, err
		}
	}

	{ // pipeline supervision
		host := pipeline.NewToolHost(log.Named("pipeline:host"), config.PipelineHost)
		peer.Pipeline.Service = pipeline.NewService(log.Named("pipeline"), db.PipelineRuns(), host,
			peer.Metrics.Service, peer.Events.Bus, peer.Clock, config.Pipeline)
		peer.Pipeline.Poller = pipeline.NewPoller(log.Named("pipeline:poller"), peer.Pipeline.Service, config.Pipeline)
	}

	{ // deployment engine
		peer.Deploy.Service = deploy.NewService(log.Named("deploy"), db.Deployments(), peer.Clock, peer.IDGen,
			peer.Events.Bus, config.Deploy)
		peer.Deploy.Backups = deploy.NewBackups(log.Named("deploy:backups"), peer.RemoteFS, peer.Clock,
			config.Deploy.Share, config.Deploy.Root)
		peer.Deploy.Worker = deploy.NewWorker(log.Named("deploy:worker"),
			db.Deployments(), db.DeploymentLogs(), db.DeploymentFiles(), peer.RemoteFS,
			deploy.NewResolver(log.Named("deploy:resolver"), peer.RepoHost, config.Deploy),
			deploy.NewValidator(config.Deploy),
			peer.Deploy.Backups,
			deploy.NewVerifier(log.Named("deploy:verifier"), config.Deploy),
			peer.Metrics.Service, peer.Events.Bus, peer.Clock, "worker", config.Deploy)
		peer.Deploy.Prune = deploy.NewPruneChore(log.Named("deploy:prune"), peer.Deploy.Backups, peer.Clock, config.Deploy)
	}

	{ // orchestration
		profiles, err := orchestrate.LoadProfiles(config.Orchestrate.ProfileDir)
		if err != nil {
			return nil, err
		}
		peer.Orchestrate.Profiles = profiles
		peer.Orchestrate.Runner = orchestrate.NewRunner(log.Named("orchestrate"), orchestrate.Registry{
			"deploy": orchestrate.NewDeployAction(peer.Deploy.Service, "", ""),
		}, peer.Clock, config.Orchestrate)
	}

	{ // webhook intake
		dedup, err := openDedupStore(context.Background(), config.Webhook)
		if err != nil {
			return nil, err
		}

		if config.Webhook.Secret == "" {
			secret, err := peer.Secrets.GetWithFallback(context.Background(),
				"webhook-secret", "production", "GITFLEET_WEBHOOK_SECRET")
			if err == nil {
				config.Webhook.Secret = secret
			} else if !secrets.ErrMissing.Has(err) {
				return nil, err
			}
		}

		peer.Webhook.Service = webhook.NewService(log.Named("webhook"),
			dedup, peer.Deploy.Service, peer.Pipeline.Service, config.Webhook)
		peer.Webhook.Handler = webhook.NewHandler(log.Named("webhook:handler"), peer.Webhook.Service, config.Webhook)

		peer.Webhook.Listener, err = net.Listen("tcp", config.Webhook.Address)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		peer.Webhook.Server = http.Server{
			Handler:           peer.Webhook.Handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	{ // operator api
		peer.API.Listener, err = net.Listen("tcp", config.API.Address)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		peer.API.Server = api.NewServer(log.Named("api"), peer.API.Listener,
			peer.Console.Service,
			peer.Deploy.Service, db.DeploymentLogs(), db.DeploymentFiles(),
			peer.Pipeline.Service, peer.Compliance.Service,
			peer.Orchestrate.Runner, peer.Orchestrate.Profiles,
			peer.Events.Server, db, config.API)
	}

	peer.Retention.Deployments = sync2.NewCycle(orDefault(config.Deploy.CleanupInterval, 24*time.Hour))
	peer.Retention.Pipelines = sync2.NewCycle(orDefault(config.Pipeline.CleanupInterval, 24*time.Hour))

	return peer, nil
}

// Run starts every subsystem and blocks until the context is canceled or
// one of them fails.
func (peer *Peer) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error { return ignoreCancel(peer.Console.Chore.Run(ctx)) })
	group.Go(func() error { return ignoreCancel(peer.Metrics.Chore.Run(ctx)) })
	group.Go(func() error { return ignoreCancel(peer.Pipeline.Poller.Run(ctx)) })
	group.Go(func() error { return ignoreCancel(peer.Deploy.Worker.Run(ctx)) })
	group.Go(func() error { return ignoreCancel(peer.Deploy.Prune.Run(ctx)) })
	group.Go(func() error {
		return ignoreCancel(peer.Retention.Deployments.Run(ctx, func(ctx context.Context) error {
			if _, err := peer.Deploy.Service.Cleanup(ctx); err != nil {
				peer.Log.Error("deployment retention sweep failed", zap.Error(err))
			}
			return nil
		}))
	})
	group.Go(func() error {
		return ignoreCancel(peer.Retention.Pipelines.Run(ctx, func(ctx context.Context) error {
			if _, err := peer.Pipeline.Service.Cleanup(ctx); err != nil {
				peer.Log.Error("pipeline retention sweep failed", zap.Error(err))
			}
			return nil
		}))
	})
	group.Go(func() error { return ignoreCancel(peer.API.Server.Run(ctx)) })
	group.Go(func() error {
		<-ctx.Done()
		shutdown, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		return peer.Webhook.Server.Shutdown(shutdown)
	})
	group.Go(func() error {
		err := peer.Webhook.Server.Serve(peer.Webhook.Listener)
		if err == http.ErrServerClosed {
			err = nil
		}
		return err
	})

	return group.Wait()
}

// Close shuts the peer down in reverse construction order.
func (peer *Peer) Close() error {
	var group errs.Group

	if peer.API.Server != nil {
		group.Add(peer.API.Server.Close())
	}
	group.Add(peer.Webhook.Server.Close())
	if peer.Retention.Pipelines != nil {
		peer.Retention.Pipelines.Close()
	}
	if peer.Retention.Deployments != nil {
		peer.Retention.Deployments.Close()
	}
	if peer.Deploy.Prune != nil {
		group.Add(peer.Deploy.Prune.Close())
	}
	if peer.Pipeline.Poller != nil {
		group.Add(peer.Pipeline.Poller.Close())
	}
	if peer.Metrics.Chore != nil {
		group.Add(peer.Metrics.Chore.Close())
	}
	if peer.Console.Chore != nil {
		group.Add(peer.Console.Chore.Close())
	}
	if peer.Events.Bus != nil {
		group.Add(peer.Events.Bus.Close())
	}
	return group.Err()
}

// openDedupStore picks redis when configured, an in-memory store
// otherwise.
func openDedupStore(ctx context.Context, config webhook.Config) (kvstore.Store, error) {
	if config.DedupURL != "" {
		return kvstore.OpenRedis(ctx, config.DedupURL)
	}
	return kvstore.NewMemory(config.DedupSize, config.DedupTTL), nil
}

func orDefault(interval, fallback time.Duration) time.Duration {
	if interval <= 0 {
		return fallback
	}
	return interval
}

func ignoreCancel(err error) error {
	if err == context.Canceled {
		return nil
	}
	return err
}
