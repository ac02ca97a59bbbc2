package noderegistry

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/andrej220/linen/pkg/lg"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"
)

// NodeName identifies a remote node.
type NodeName = string

// RunID correlates connections with the run that asked for them.
type RunID = uuid.UUID

// ConfigMap is handed to the CreateFunc as is.
type ConfigMap = map[string]any

// CreateFunc establishes a new connection to a node.
type CreateFunc[C any] func(ctx context.Context, cfg ConfigMap, runID RunID) (C, error)

// Registry maps node names to connections of type C. The zero value is not
// usable, create one with New.
type Registry[C any] struct {
	mu      sync.RWMutex
	entries map[NodeName]C
	closed  bool

	// inflight dedups concurrent creations per name.
	inflight singleflight.Group

	logger        lg.Logger
	metrics       Metrics
	createTimeout time.Duration
}

type Option func(*options)

type options struct {
	logger        lg.Logger
	metrics       Metrics
	createTimeout time.Duration
}

func WithLogger(l lg.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithMetrics(m Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithCreateTimeout bounds every shared creation. Zero leaves the bound to
// the CreateFunc itself.
func WithCreateTimeout(d time.Duration) Option {
	return func(o *options) { o.createTimeout = d }
}

func New[C any](opts ...Option) *Registry[C] {
	o := options{logger: lg.Discard, metrics: NoopMetrics{}}
	for _, opt := range opts {
		opt(&o)
	}
	return &Registry[C]{
		entries:       make(map[NodeName]C),
		logger:        o.logger,
		metrics:       o.metrics,
		createTimeout: o.createTimeout,
	}
}

// Lookup returns the connection registered under name or a *NodeNotFoundError.
func (r *Registry[C]) Lookup(name NodeName) (C, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.entries[name]; ok {
		return c, nil
	}
	var zero C
	return zero, &NodeNotFoundError{Name: name}
}

// GetOrCreate returns the connection registered under name, creating it with
// create on a miss. Concurrent callers for the same name share one call to
// create. The shared call keeps the values of the starting caller's ctx but
// not its cancellation, so one caller leaving does not fail the others; each
// caller stops waiting when its own ctx ends.
// Every failure is returned as a *ConnectionCreationError.
func (r *Registry[C]) GetOrCreate(ctx context.Context, name NodeName, cfg ConfigMap, runID RunID, create CreateFunc[C]) (C, error) {
	var zero C
	logger := r.logger.With(lg.String("node", name), lg.String("run_id", runID.String()))

	r.mu.RLock()
	c, ok := r.entries[name]
	closed := r.closed
	r.mu.RUnlock()
	if ok {
		logger.Debug("connection cache hit")
		r.metrics.RecordHit(ctx, name)
		return c, nil
	}
	if closed {
		return zero, &ConnectionCreationError{Name: name, Err: ErrRegistryClosed}
	}

	flightCtx := context.WithoutCancel(ctx)
	ch := r.inflight.DoChan(name, func() (any, error) {
		ctx := flightCtx
		if r.createTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.createTimeout)
			defer cancel()
		}
		return r.create(ctx, logger, name, cfg, runID, create)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, &ConnectionCreationError{Name: name, Err: res.Err}
		}
		c, _ := res.Val.(C)
		return c, nil
	case <-ctx.Done():
		return zero, &ConnectionCreationError{Name: name, Err: ctx.Err()}
	}
}

// create runs inside the singleflight slot for name. The entry is stored
// before the slot is released, so a later slot for the same name always
// observes it.
func (r *Registry[C]) create(ctx context.Context, logger lg.Logger, name NodeName, cfg ConfigMap, runID RunID, create CreateFunc[C]) (any, error) {
	r.mu.RLock()
	c, ok := r.entries[name]
	closed := r.closed
	r.mu.RUnlock()
	if ok {
		r.metrics.RecordHit(ctx, name)
		return c, nil
	}
	if closed {
		return nil, ErrRegistryClosed
	}
	if create == nil {
		return nil, fmt.Errorf("no create function")
	}

	logger.Info("creating connection")
	start := time.Now()
	c, err := create(ctx, cfg, runID)
	elapsed := time.Since(start)
	r.metrics.RecordCreation(ctx, name, elapsed, err)
	if err != nil {
		logger.Error("connection creation failed", lg.Err(err), lg.Duration("elapsed", elapsed))
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		if cerr := closeEntry(c); cerr != nil {
			logger.Warn("closing connection created after shutdown", lg.Err(cerr))
		}
		return nil, ErrRegistryClosed
	}
	r.entries[name] = c
	r.mu.Unlock()

	logger.Info("connection created", lg.Duration("elapsed", elapsed))
	return c, nil
}

// Remove drops the entry for name and reports whether one existed.
// The connection itself is left open.
func (r *Registry[C]) Remove(name NodeName) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		return false
	}
	delete(r.entries, name)
	return true
}

// Evict removes the entry for name and closes it if it is an io.Closer.
func (r *Registry[C]) Evict(name NodeName) error {
	return r.EvictIf(name, func(C) bool { return true })
}

// EvictIf is Evict limited to the entry currently registered under name for
// which match returns true. It returns a *NodeNotFoundError when there is no
// entry or it does not match, leaving a newer connection in place.
func (r *Registry[C]) EvictIf(name NodeName, match func(C) bool) error {
	r.mu.Lock()
	c, ok := r.entries[name]
	if ok && !match(c) {
		ok = false
	}
	if ok {
		delete(r.entries, name)
	}
	r.mu.Unlock()
	if !ok {
		return &NodeNotFoundError{Name: name}
	}
	r.logger.Info("connection evicted", lg.String("node", name))
	if err := closeEntry(c); err != nil {
		return fmt.Errorf("close %q: %w", name, err)
	}
	return nil
}

// ListNames returns a sorted snapshot of the registered names.
func (r *Registry[C]) ListNames() []NodeName {
	r.mu.RLock()
	names := make([]NodeName, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (r *Registry[C]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Close empties the registry and closes every entry that is an io.Closer.
// GetOrCreate fails with ErrRegistryClosed afterwards. Close is idempotent.
func (r *Registry[C]) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := r.entries
	r.entries = make(map[NodeName]C)
	r.mu.Unlock()

	var err error
	for name, c := range entries {
		if cerr := closeEntry(c); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close %q: %w", name, cerr))
		}
	}
	r.logger.Info("registry closed", lg.Int("connections", len(entries)))
	return err
}

func closeEntry(v any) error {
	if c, ok := v.(io.Closer); ok && c != nil {
		return c.Close()
	}
	return nil
}
