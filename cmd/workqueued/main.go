package main

import (
	"github.com/alecthomas/kong"
)

type CLI struct {
	EnvFile  []string `name:"env-file" default:".env" help:"Dotenv files to read before WORKQUEUE_* variables."`
	LogLevel string   `name:"log-level" default:"info" enum:"debug,info,warn,error" help:"Minimum log level."`
	Dev      bool     `name:"dev" help:"Human readable development logging."`

	DBDriver string `name:"db-driver" help:"Database driver (postgres or sqlite3). Overrides WORKQUEUE_DATABASE__DRIVER."`
	DBDSN    string `name:"db-dsn" help:"Database DSN. Overrides WORKQUEUE_DATABASE__DSN."`

	Serve   ServeCmd   `cmd:"" help:"Run the webhook ingestion endpoint together with a worker pool."`
	Work    WorkCmd    `cmd:"" help:"Run workers only."`
	Reclaim ReclaimCmd `cmd:"" help:"Release stale leases once and exit."`
	DLQ     DLQCmd     `cmd:"" name:"dlq" help:"Inspect and manage the dead-letter queue."`
	Stats   StatsCmd   `cmd:"" help:"Print queue counts."`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("workqueued"),
		kong.Description("Persistent job queue with webhook ingestion."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli))
}
