// Package agent pulls run requests from a source and executes them on a
// bounded worker pool.
package agent

import (
	"context"
	"errors"
	"time"

	"github.com/andrej220/linen/pkg/consumer"
	"github.com/andrej220/linen/pkg/lg"
	dm "github.com/andrej220/linen/pkg/shared-models"
	"github.com/andrej220/linen/pkg/workerpool"
)

// Source yields run requests. Read blocks until a request arrives or ctx is done.
type Source interface {
	Read(ctx context.Context) (dm.Request, error)
}

type ExecuteFunc func(ctx context.Context, req dm.Request) (dm.Result, error)

type Agent struct {
	source     Source
	execute    ExecuteFunc
	pool       *workerpool.Pool[dm.Request]
	runTimeout time.Duration
	logger     lg.Logger
	retryDelay time.Duration
}

func New(source Source, execute ExecuteFunc, workers int, runTimeout time.Duration, logger lg.Logger) *Agent {
	if logger == nil {
		logger = lg.Discard
	}
	return &Agent{
		source:     source,
		execute:    execute,
		pool:       workerpool.NewPool[dm.Request](workers, workerpool.WithRetry(1, 0), workerpool.WithLogger(logger)),
		runTimeout: runTimeout,
		logger:     logger,
		retryDelay: time.Second,
	}
}

// Consume dispatches requests until ctx is done, then waits for running
// jobs. Malformed messages are logged and skipped.
func (a *Agent) Consume(ctx context.Context) error {
	defer a.pool.Stop()

	for {
		req, err := a.source.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var derr *consumer.DecodeError
			if errors.As(err, &derr) {
				a.logger.Warn("skipping malformed request", lg.Err(err))
				continue
			}
			a.logger.Error("read request", lg.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(a.retryDelay):
			}
			continue
		}

		jobCtx := lg.Attach(ctx, a.logger.With(lg.String("node", req.Node)))
		err = a.pool.Submit(workerpool.Job[dm.Request]{
			Payload: req,
			Ctx:     jobCtx,
			Fn:      a.handle,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (a *Agent) handle(ctx context.Context, req dm.Request) error {
	if a.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.runTimeout)
		defer cancel()
	}
	_, err := a.execute(ctx, req)
	return err
}
