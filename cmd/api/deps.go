package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"lobbyx/internal/audit"
	"lobbyx/internal/auth"
	"lobbyx/internal/callstate"
	"lobbyx/internal/config"
	"lobbyx/internal/history"
	"lobbyx/internal/httpapi"
	"lobbyx/internal/session"
	"lobbyx/internal/signaling"
	"lobbyx/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// deps holds the process-wide dependencies built from config.
type deps struct {
	cfg      config.Config
	log      *slog.Logger
	auth     *auth.Manager
	history  *history.Service
	audit    *audit.Service
	sessions *session.Registry
	streams  httpapi.StreamLimiter

	db  *sql.DB
	rdb *redis.Client
}

// openDeps connects the configured backends. Close releases whatever it opened.
func openDeps(ctx context.Context, cfg config.Config, log *slog.Logger) (*deps, error) {
	d := &deps{cfg: cfg, log: log}

	am, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("auth init: %w", err)
	}
	d.auth = am

	var ch signaling.Channel
	switch cfg.Signaling.Backend {
	case config.BackendRedis:
		rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("redis init: %w", err)
		}
		d.rdb = rdb
		ch = signaling.NewRedisChannel(rdb, signaling.RedisOptions{
			Prefix:    cfg.Signaling.Prefix,
			RecordTTL: cfg.Signaling.RecordTTL,
			Logger:    log,
		})
		d.streams = httpapi.NewRedisStreamLimiter(rdb, cfg.Signaling.Prefix, cfg.WS.MaxStreamsPerUser, 0)
	default:
		log.Warn("using in-process signaling; calls only connect within this instance")
		ch = signaling.NewMemoryChannel()
		d.streams = httpapi.NewMemoryStreamLimiter(cfg.WS.MaxStreamsPerUser)
	}

	var (
		repo      history.Repository
		auditRepo audit.Repository
	)
	switch cfg.History.Backend {
	case config.BackendPostgres:
		db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("postgres init: %w", err)
		}
		d.db = db
		pg := history.NewPostgresRepo(db)
		ap := audit.NewPostgresRepo(db)
		if err := utils.Migrate(ctx, pg, ap); err != nil {
			d.Close()
			return nil, fmt.Errorf("postgres migrate: %w", err)
		}
		repo, auditRepo = pg, ap
	default:
		repo = history.NewMemoryRepo()
		auditRepo = audit.NewMemoryRepo()
	}
	d.history = history.NewService(repo, log)
	d.audit = audit.NewService(auditRepo, log)

	d.sessions = session.NewRegistry(func(self callstate.Identity) (*session.Manager, error) {
		return session.NewManager(session.Config{
			Self:        self,
			Channel:     ch,
			Store:       d.history,
			Permissions: session.ContextPermissions,
			RingTimeout: cfg.Calls.RingTimeout,
			Logger:      log,
		})
	}, log)

	return d, nil
}

func (d *deps) handlers() httpapi.Handlers {
	return httpapi.Handlers{
		Auth:           d.auth,
		Sessions:       d.sessions,
		History:        d.history,
		Audit:          d.audit,
		Streams:        d.streams,
		AllowedOrigins: d.cfg.WS.AllowedOrigins,
	}
}

// closeSessions hangs up every live call. It must run before Close so the
// hang-ups still reach the signaling backend.
func (d *deps) closeSessions(ctx context.Context) {
	if d.sessions == nil {
		return
	}
	if err := d.sessions.Close(ctx); err != nil {
		d.log.Warn("session shutdown incomplete", "err", err)
	}
}

func (d *deps) Close() {
	if d.rdb != nil {
		_ = d.rdb.Close()
	}
	if d.db != nil {
		_ = d.db.Close()
	}
}
