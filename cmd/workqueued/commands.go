package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-workqueue/adapters/gocommand"
	wqcommand "github.com/goliatone/go-workqueue/command"
	"github.com/goliatone/go-workqueue/core"
	wqquery "github.com/goliatone/go-workqueue/query"
	"github.com/goliatone/go-workqueue/worker"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

type WorkerFlags struct {
	WorkerID    string `name:"worker-id" help:"Worker id prefix. Defaults to host-pid-random."`
	Concurrency int    `name:"concurrency" help:"Workers to run in this process."`
}

func (f WorkerFlags) apply(cfg *core.Config) {
	cfg.Worker.ID = f.WorkerID
	cfg.Worker.Concurrency = f.Concurrency
}

type ServeCmd struct {
	WorkerFlags `embed:""`

	Listen        string `name:"listen" help:"HTTP listen address."`
	SyncMode      bool   `name:"sync-mode" help:"Process events inline instead of enqueueing them."`
	AllowUnsigned bool   `name:"allow-unsigned" help:"Accept deliveries without a signature."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runtime := core.Config{}
	c.apply(&runtime)
	runtime.Gateway.ListenAddr = c.Listen
	runtime.Gateway.SyncMode = c.SyncMode
	a, err := boot(ctx, cli, runtime, func(cfg *core.Config) {
		if c.AllowUnsigned {
			cfg.Gateway.RequireSignature = false
		}
	})
	if err != nil {
		return err
	}
	defer a.Close()
	if c.AllowUnsigned {
		a.logger.Warn("signature verification disabled")
	}
	system := a.system

	server := &http.Server{
		Addr:              system.Gateway.Config().ListenAddr,
		Handler:           system.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		a.logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return system.RunWorkers(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

type WorkCmd struct {
	WorkerFlags `embed:""`

	Once   bool `name:"once" help:"Process at most one job and exit."`
	Daemon bool `name:"daemon" default:"true" help:"Loop until SIGINT or SIGTERM. --daemon=false drains due jobs and exits. Ignored with --once."`
}

func (c *WorkCmd) Run(cli *CLI) error {
	runtime := core.Config{}
	c.apply(&runtime)
	ctx := context.Background()
	a, err := boot(ctx, cli, runtime)
	if err != nil {
		return err
	}
	defer a.Close()

	workers := a.system.Pool.Workers()
	if c.Once {
		result, err := workers[0].RunOnce(ctx)
		if err != nil {
			return err
		}
		out := map[string]any{"outcome": result.Outcome}
		if result.Job != nil {
			out["job_id"] = result.Job.ID
			out["job_type"] = result.Job.Type
		}
		if result.Err != nil {
			out["error"] = result.Err.Error()
		}
		return printJSON(out)
	}
	if !c.Daemon {
		counts, err := drain(ctx, workers)
		if err != nil {
			return err
		}
		return printJSON(counts)
	}
	if len(workers) == 1 {
		return workers[0].RunDaemon(ctx)
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.system.RunWorkers(ctx)
}

// drain runs every worker until the queue reports no due job and returns the
// outcome counts. Retries scheduled in the future are left for a later run.
func drain(ctx context.Context, workers []*worker.Worker) (map[worker.Outcome]int, error) {
	var mu sync.Mutex
	counts := map[worker.Outcome]int{}
	group, groupCtx := errgroup.WithContext(ctx)
	for _, member := range workers {
		group.Go(func() error {
			for {
				result, err := member.RunOnce(groupCtx)
				if err != nil {
					return err
				}
				if result.Outcome == worker.OutcomeEmpty {
					return nil
				}
				mu.Lock()
				counts[result.Outcome]++
				mu.Unlock()
			}
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return counts, nil
}

type ReclaimCmd struct{}

func (c *ReclaimCmd) Run(cli *CLI) error {
	ctx := context.Background()
	a, err := boot(ctx, cli, core.Config{})
	if err != nil {
		return err
	}
	defer a.Close()
	count, err := a.system.Queue.ReclaimStale(ctx)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"reclaimed": count})
}

type DLQCmd struct {
	List    DLQListCmd    `cmd:"" help:"List dead-letter entries."`
	Show    DLQShowCmd    `cmd:"" help:"Show one dead-letter entry."`
	Requeue DLQRequeueCmd `cmd:"" help:"Move an entry back onto the queue."`
	Delete  DLQDeleteCmd  `cmd:"" help:"Delete an entry."`
}

type DLQListCmd struct {
	JobType string `name:"job-type" help:"Filter by job type."`
	Reason  string `name:"reason" help:"Filter by dead-letter reason (max_attempts_exceeded or permanent_error)."`
	Page    int    `name:"page" default:"1"`
	PerPage int    `name:"per-page" default:"20"`
}

func (c *DLQListCmd) Run(cli *CLI) error {
	return withAdmin(cli, func(ctx context.Context) error {
		page, err := gocommand.Query[wqquery.ListDeadLettersMessage, core.DeadLetterPage](ctx, wqquery.ListDeadLettersMessage{
			Filter: core.DeadLetterFilter{
				JobType: c.JobType,
				Reason:  core.DeadLetterReason(c.Reason),
				Page:    c.Page,
				PerPage: c.PerPage,
			},
		})
		if err != nil {
			return err
		}
		return printJSON(page)
	})
}

type DLQShowCmd struct {
	ID string `arg:"" help:"Dead-letter entry id."`
}

func (c *DLQShowCmd) Run(cli *CLI) error {
	return withAdmin(cli, func(ctx context.Context) error {
		entry, err := gocommand.Query[wqquery.GetDeadLetterMessage, core.DeadLetterEntry](ctx, wqquery.GetDeadLetterMessage{EntryID: c.ID})
		if err != nil {
			return err
		}
		return printJSON(entry)
	})
}

type DLQRequeueCmd struct {
	ID    string `arg:"" help:"Dead-letter entry id."`
	Reset bool   `name:"reset" help:"Reset the attempt counter."`
}

func (c *DLQRequeueCmd) Run(cli *CLI) error {
	return withAdmin(cli, func(ctx context.Context) error {
		collector := gocmd.NewResult[wqcommand.RequeueDeadLetterResult]()
		ctx = gocmd.ContextWithResult(ctx, collector)
		if err := gocommand.Dispatch(ctx, wqcommand.RequeueDeadLetterMessage{EntryID: c.ID, ResetAttempts: c.Reset}); err != nil {
			return err
		}
		result, _ := collector.Load()
		return printJSON(result)
	})
}

type DLQDeleteCmd struct {
	ID string `arg:"" help:"Dead-letter entry id."`
}

func (c *DLQDeleteCmd) Run(cli *CLI) error {
	return withAdmin(cli, func(ctx context.Context) error {
		if err := gocommand.Dispatch(ctx, wqcommand.DeleteDeadLetterMessage{EntryID: c.ID}); err != nil {
			return err
		}
		return printJSON(map[string]any{"deleted": c.ID})
	})
}

type StatsCmd struct{}

func (c *StatsCmd) Run(cli *CLI) error {
	return withAdmin(cli, func(ctx context.Context) error {
		stats, err := gocommand.Query[wqquery.QueueStatsMessage, core.QueueStats](ctx, wqquery.QueueStatsMessage{})
		if err != nil {
			return err
		}
		return printJSON(stats)
	})
}

// withAdmin boots the system and subscribes the admin handlers on the
// go-command dispatcher for the duration of fn.
func withAdmin(cli *CLI, fn func(ctx context.Context) error) error {
	ctx := context.Background()
	a, err := boot(ctx, cli, core.Config{})
	if err != nil {
		return err
	}
	defer a.Close()

	adapter := gocommand.NewRegistryAdapter(nil)
	subs, err := gocommand.RegisterAdmin(adapter, a.system.Queue)
	if err != nil {
		return err
	}
	defer subs.Unsubscribe()
	if err := adapter.Initialize(); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		if rich := core.MapError(err); rich != nil {
			return fmt.Errorf("%s: %s", rich.TextCode, rich.Message)
		}
		return err
	}
	return nil
}

func printJSON(value any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
