package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/frappe/press-sub003/internal/agent"
	"github.com/frappe/press-sub003/internal/app/migrate"
	"github.com/frappe/press-sub003/internal/queue"
	"github.com/frappe/press-sub003/internal/repository/postgres"
	"github.com/frappe/press-sub003/internal/scm/github"
	"github.com/frappe/press-sub003/internal/service/agentjob"
	"github.com/frappe/press-sub003/internal/service/build"
	"github.com/frappe/press-sub003/internal/service/deploy"
	"github.com/frappe/press-sub003/internal/service/notification"
	"github.com/frappe/press-sub003/internal/service/scheduler"
	"github.com/frappe/press-sub003/internal/service/scm"
	"github.com/frappe/press-sub003/internal/service/siteaction"
	"github.com/frappe/press-sub003/internal/service/siteops"
	"github.com/frappe/press-sub003/internal/service/team"
	"github.com/frappe/press-sub003/internal/service/webhookout"
	"github.com/frappe/press-sub003/internal/ws"
	"github.com/frappe/press-sub003/pkg/config"
)

// application holds the assembled service graph shared by the serve, worker
// and scheduler subcommands.
type application struct {
	cfg  config.Config
	log  *slog.Logger
	pool *pgxpool.Pool
	repo *postgres.Repository

	runner migrate.Runner
	queue  *queue.Queue

	hub      *ws.Hub
	tracker  *agentjob.Tracker
	notify   *notification.Service
	builder  *build.Service
	siteops  *siteops.Service
	deploy   *deploy.Service
	trigger  *deploy.Trigger
	engine   *siteaction.Engine
	fanout   *webhookout.Service
	ingestor *scm.Service
	sched    *scheduler.Scheduler
	teams    *team.Service
}

func newApplication(ctx context.Context, cfg config.Config, log *slog.Logger) (*application, error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("configure migrations: %w", err)
	}
	if err := runner.Ping(ctx); err != nil {
		runner.Close()
		return nil, err
	}
	if err := runner.Ensure(ctx); err != nil {
		runner.Close()
		return nil, err
	}

	q, err := queue.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, log)
	if err != nil {
		runner.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	ghClient, err := github.New(cfg.GitHubAppID, []byte(cfg.GitHubAppPrivateKey), log)
	if err != nil {
		q.Close()
		runner.Close()
		return nil, fmt.Errorf("configure github app: %w", err)
	}

	repo := postgres.New(pool)
	hub := ws.NewHub()
	dialer := agent.NewDialer(cfg.AgentSecret, cfg.AgentRequestTimeout, cfg.AgentDeliveryBudget, log)
	cloner := github.NewCloner(cfg.CloneRoot, ghClient, log)

	tracker := agentjob.NewTracker(repo, repo, dialer, cfg, log)
	notify := notification.New(repo, log)
	builder := build.New(repo, repo, repo, repo, repo, repo, notify, cloner, dialer, q, hub, cfg, log)
	siteopsSvc := siteops.New(repo, repo, repo, repo, tracker, notify, cfg, log)
	deploySvc := deploy.New(repo, repo, repo, repo, repo, repo, repo, repo, repo, tracker, dialer, cfg, log)
	deploySvc.SetBenchUpdater(siteopsSvc)
	trigger := deploy.NewTrigger(deploySvc, builder, repo, q, log)

	engine := siteaction.NewEngine(repo, repo, siteaction.NewResolver(repo, repo, repo), notify, log)
	engine.RegisterDefaults(siteaction.Deps{
		SiteOps:  siteopsSvc,
		Deployer: trigger,
		Syncer:   deploySvc,
		Groups:   repo,
		Servers:  repo,
		Benches:  repo,
		SiteOpsR: repo,
	})

	fanout := webhookout.New(repo, cfg.SecretEncryption, cfg.OutboundTimeout, log)
	deploySvc.SetEventEmitter(fanout)
	siteopsSvc.SetEventEmitter(fanout)
	tracker.SetEventEmitter(fanout)
	ingestor := scm.New(repo, repo, repo, trigger, cfg, log)
	sched := scheduler.New(q, repo, repo, repo, engine, deploySvc, trigger, builder, tracker, fanout, ingestor, cfg, log)
	teams := team.New(repo, cfg.JWTSecret, 24*time.Hour, log)

	return &application{
		cfg:      cfg,
		log:      log,
		pool:     pool,
		repo:     repo,
		runner:   runner,
		queue:    q,
		hub:      hub,
		tracker:  tracker,
		notify:   notify,
		builder:  builder,
		siteops:  siteopsSvc,
		deploy:   deploySvc,
		trigger:  trigger,
		engine:   engine,
		fanout:   fanout,
		ingestor: ingestor,
		sched:    sched,
		teams:    teams,
	}, nil
}

func (a *application) Close() {
	a.queue.Close()
	a.runner.Close()
}
