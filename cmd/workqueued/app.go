package main

import (
	"context"
	"database/sql"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	workqueue "github.com/goliatone/go-workqueue"
	"github.com/goliatone/go-workqueue/adapters/zaplog"
	"github.com/goliatone/go-workqueue/config"
	"github.com/goliatone/go-workqueue/core"
	workqueuemigrations "github.com/goliatone/go-workqueue/migrations"
	sqlstore "github.com/goliatone/go-workqueue/store/sql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const statsCacheTTL = 5 * time.Second

type app struct {
	system *workqueue.System
	logger *zaplog.Logger
	client *persistence.Client
}

func (a *app) Close() {
	if a == nil {
		return
	}
	if a.client != nil {
		_ = a.client.Close()
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

type dbConfig struct {
	core.DatabaseConfig
	service string
}

func (c dbConfig) GetDebug() bool                { return c.Debug }
func (c dbConfig) GetDriver() string             { return c.Driver }
func (c dbConfig) GetServer() string             { return c.DSN }
func (c dbConfig) GetPingTimeout() time.Duration { return c.PingTimeout }
func (c dbConfig) GetOtelIdentifier() string     { return c.service }

// boot resolves configuration, opens and migrates the database and wires the
// system. runtime carries flag overrides layered above env values. adjust runs
// on the resolved config, for overrides a zero-skipping layer cannot express.
func boot(ctx context.Context, cli *CLI, runtime core.Config, adjust ...func(*core.Config)) (*app, error) {
	logger, err := zaplog.New(cli.LogLevel, cli.Dev)
	if err != nil {
		return nil, err
	}

	runtime.Database.Driver = cli.DBDriver
	runtime.Database.DSN = cli.DBDSN
	loader := config.NewEnvLoader(config.WithFiles(cli.EnvFile...), config.WithLogger(logger))
	cfg, err := core.ResolveConfig(ctx, core.NewCfgxConfigProvider(loader), nil, runtime)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	for _, fn := range adjust {
		fn(&cfg)
	}

	client, err := openDatabase(ctx, cfg)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	stores := factory.Stores()
	cacheConfig := repositorycache.DefaultConfig()
	cacheConfig.TTL = statsCacheTTL
	if cacheService, cacheErr := repositorycache.NewCacheService(cacheConfig); cacheErr == nil {
		if cached, readerErr := sqlstore.NewCachedStatsReader(factory.JobStore(), cacheService); readerErr == nil {
			stores.Stats = cached
		}
	} else {
		logger.Warn("stats cache disabled", "error", cacheErr)
	}

	system, err := workqueue.Setup(cfg, stores,
		workqueue.WithLogger(logger),
		workqueue.WithLoggerProvider(logger),
	)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return &app{system: system, logger: logger, client: client}, nil
}

func openDatabase(ctx context.Context, cfg core.Config) (*persistence.Client, error) {
	target, err := workqueuemigrations.ResolveDriver(cfg.Database.Driver)
	if err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open(target.SQLDriver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if target.Dialect == workqueuemigrations.DialectSQLite {
		sqlDB.SetMaxOpenConns(1)
	}
	dbCfg := dbConfig{DatabaseConfig: cfg.Database, service: cfg.ServiceName}
	dbCfg.Driver = target.SQLDriver
	client, err := persistence.New(dbCfg, sqlDB, target.Bun)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if err := workqueuemigrations.Apply(ctx, client, target.Dialect); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
