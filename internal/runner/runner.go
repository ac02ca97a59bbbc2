package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andrej220/linen/internal/processor"
	"github.com/andrej220/linen/pkg/config"
	"github.com/andrej220/linen/pkg/executor"
	"github.com/andrej220/linen/pkg/lg"
	"github.com/andrej220/linen/pkg/noderegistry"
	dm "github.com/andrej220/linen/pkg/shared-models"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var (
	ErrUnknownNode    = errors.New("node not in inventory")
	ErrUnknownDriver  = errors.New("no driver registered")
	ErrInvalidRequest = errors.New("invalid request")
)

var validate = validator.New()

// Sink stores finished results.
type Sink interface {
	Save(ctx context.Context, res dm.Result) error
}

// Drivers maps a NodeSpec driver name to its creation strategy.
type Drivers map[string]noderegistry.CreateFunc[executor.Executor]

// Runner executes requests against inventory nodes, reusing one registered
// connection per node.
type Runner struct {
	registry *noderegistry.Registry[executor.Executor]
	drivers  Drivers
	sink     Sink
	chain    *processor.Chain
	logger   lg.Logger
	now      func() time.Time

	mu  sync.RWMutex
	inv *config.Inventory
}

func New(registry *noderegistry.Registry[executor.Executor], inv *config.Inventory, drivers Drivers, sink Sink, logger lg.Logger) *Runner {
	if logger == nil {
		logger = lg.Discard
	}
	if inv == nil {
		inv = &config.Inventory{}
	}
	return &Runner{
		registry: registry,
		drivers:  drivers,
		sink:     sink,
		chain:    processor.NewChain(),
		logger:   logger,
		now:      time.Now,
		inv:      inv,
	}
}

func (r *Runner) Inventory() *config.Inventory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.inv
}

// Reload swaps the inventory and evicts connections of nodes that were
// dropped or changed. It returns the evicted names.
func (r *Runner) Reload(next *config.Inventory) []string {
	r.mu.Lock()
	prev := r.inv
	r.inv = next
	r.mu.Unlock()

	var evicted []string
	for _, name := range prev.Changed(next) {
		err := r.registry.Evict(name)
		if errors.Is(err, noderegistry.ErrNodeNotFound) {
			continue
		}
		if err != nil {
			r.logger.Warn("closing evicted connection", lg.String("node", name), lg.Err(err))
		}
		evicted = append(evicted, name)
	}
	r.logger.Info("inventory reloaded", lg.Int("nodes", len(next.Nodes)), lg.Strings("evicted", evicted))
	return evicted
}

// Execute runs req and hands the result to the sink. The returned error is
// only about the request itself or the sink; script and connection failures
// are reported inside the Result.
func (r *Runner) Execute(ctx context.Context, req dm.Request) (dm.Result, error) {
	if err := validate.Struct(req); err != nil {
		return dm.Result{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if err := r.chain.Validate(req.Output...); err != nil {
		return dm.Result{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if req.RunID == uuid.Nil {
		req.RunID = uuid.New()
	}

	res := r.run(ctx, req)
	if r.sink != nil {
		if err := r.sink.Save(ctx, res); err != nil {
			return res, fmt.Errorf("save result for %q: %w", req.Node, err)
		}
	}
	return res, nil
}

func (r *Runner) run(ctx context.Context, req dm.Request) dm.Result {
	logger := r.logger.With(lg.String("node", req.Node), lg.String("run_id", req.RunID.String()))
	res := dm.Result{RunID: req.RunID, Node: req.Node, StartedAt: r.now()}
	fail := func(err error) dm.Result {
		res.Error = err.Error()
		res.FinishedAt = r.now()
		logger.Error("run failed", lg.Err(err))
		return res
	}

	spec, ok := r.Inventory().Find(req.Node)
	if !ok {
		return fail(fmt.Errorf("%w: %q", ErrUnknownNode, req.Node))
	}
	driver := spec.Driver
	if driver == "" {
		driver = config.DriverSSH
	}
	create, ok := r.drivers[driver]
	if !ok {
		return fail(fmt.Errorf("%w: %q", ErrUnknownDriver, driver))
	}

	exec, err := r.registry.GetOrCreate(ctx, spec.Name, spec.Config, req.RunID, create)
	if err != nil {
		return fail(err)
	}

	res.Stdout, res.Stderr, err = exec.Run(ctx, req.Script)
	res.FinishedAt = r.now()
	if err == nil {
		if res.Stdout, err = r.chain.Process(res.Stdout, req.Output...); err != nil {
			return fail(err)
		}
		logger.Info("run finished", lg.Duration("elapsed", res.FinishedAt.Sub(res.StartedAt)))
		return res
	}

	var exit interface{ ExitStatus() int }
	if errors.As(err, &exit) {
		res.ExitStatus = exit.ExitStatus()
	}
	if errors.Is(err, executor.ErrTransport) {
		// Only the connection that failed; it may already have been replaced.
		eerr := r.registry.EvictIf(spec.Name, func(c executor.Executor) bool { return c == exec })
		switch {
		case errors.Is(eerr, noderegistry.ErrNodeNotFound):
			logger.Debug("broken connection already replaced")
		case eerr != nil:
			logger.Warn("closing broken connection", lg.Err(eerr))
		default:
			logger.Warn("connection evicted after transport failure")
		}
	}
	res.Error = err.Error()
	logger.Error("run failed", lg.Err(err), lg.Int("exit_status", res.ExitStatus))
	return res
}
