package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"faxbridge/internal/audit"
	"faxbridge/internal/config"
	"faxbridge/internal/convert"
	"faxbridge/internal/faxstore"
	"faxbridge/internal/incoming"
	"faxbridge/internal/outgoing"
	"faxbridge/internal/spool"
	"faxbridge/internal/supervisor"
	"faxbridge/pkg/logger"
	"faxbridge/pkg/utils"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
)

// app holds the wired process dependencies shared by the commands.
type app struct {
	cfg config.Config
	log *slog.Logger

	db    *sql.DB
	rdb   *redis.Client
	store *faxstore.Store

	events *audit.MemoryRepo
	audit  *audit.Service

	outgoing *outgoing.Pipeline
	incoming *incoming.Pipeline
}

// loadApp reads the configuration and wires every dependency. The returned
// cleanup closes the connections.
func loadApp(ctx context.Context) (*app, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("config load failed: %w", err)
	}
	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{MaxOpenConns: cfg.DB.MaxOpenConns})
	if err != nil {
		return nil, nil, fmt.Errorf("postgres init failed: %w", err)
	}

	a := &app{cfg: cfg, log: log, db: db, store: faxstore.New(db, cfg.Loop.StaleClaimAfter)}
	cleanup := func() {
		if a.rdb != nil {
			_ = a.rdb.Close()
		}
		_ = db.Close()
	}

	var limiter convert.Limiter = convert.NewLocalLimiter(cfg.Convert.MaxParallel)
	if cfg.Redis.Addr != "" {
		rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("redis init failed: %w", err)
		}
		a.rdb = rdb
		limiter = convert.NewRedisLimiter(rdb, cfg.App.ServerName, cfg.Convert.MaxParallel, cfg.Convert.Timeout+convertLeaseSlack)
	}

	conv, err := convert.New(convert.Options{
		Commands: map[convert.Format]string{
			convert.FormatTIFF: cfg.Convert.PDFToTIFF,
			convert.FormatPDF:  cfg.Convert.TIFFToPDF,
		},
		Timeout: cfg.Convert.Timeout,
		Limiter: limiter,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	sp := &spool.Gateway{
		DialerOutgoingDir: cfg.Spool.DialerOutgoingDir,
		FaxOutDir:         cfg.Spool.FaxOutDir,
		FaxInDir:          cfg.Spool.FaxInDir,
		QuarantineDir:     cfg.Spool.QuarantineDir,
		UID:               cfg.Spool.DialerUID,
		GID:               cfg.Spool.DialerGID,
	}

	a.events = audit.NewMemoryRepo(audit.DefaultCapacity)
	a.audit = audit.NewService(a.events, cfg.App.ServerName)

	a.outgoing, err = outgoing.New(outgoing.Options{
		ServerName:    cfg.App.ServerName,
		Store:         a.store,
		Converter:     conv,
		Spool:         sp,
		Audit:         a.audit,
		MaxConcurrent: cfg.Loop.MaxConcurrentJobs,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	a.incoming, err = incoming.New(incoming.Options{
		ServerName:    cfg.App.ServerName,
		Store:         a.store,
		Converter:     conv,
		Spool:         sp,
		Audit:         a.audit,
		MaxConcurrent: cfg.Loop.MaxConcurrentJobs,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return a, cleanup, nil
}

func (a *app) newLoop(hostname string) *supervisor.Loop {
	return supervisor.NewLoop(supervisor.LoopOptions{
		Pipelines:  []supervisor.Runner{a.outgoing, a.incoming},
		Interval:   a.cfg.Loop.PollInterval,
		Hostname:   hostname,
		HostFilter: a.cfg.App.HostFilter,
	})
}
