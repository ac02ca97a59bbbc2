package executor

import (
	"context"
	"errors"

	"github.com/andrej220/linen/pkg/noderegistry"
)

// ErrTransport marks failures of the link to the node rather than of the
// script. Executors wrap it so callers can drop and re-create the connection.
var ErrTransport = errors.New("transport failure")

// Executor runs a script on a node over an established connection and
// returns its output as lines.
type Executor interface {
	Run(ctx context.Context, script string) (stdoutLines, stderrLines []string, err error)
	Close() error
}

// Adapt turns a creation strategy for a concrete connection type into one
// producing Executors, so a single registry can hold connections of any driver.
func Adapt[C Executor](create noderegistry.CreateFunc[C]) noderegistry.CreateFunc[Executor] {
	return func(ctx context.Context, cfg noderegistry.ConfigMap, runID noderegistry.RunID) (Executor, error) {
		c, err := create(ctx, cfg, runID)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}
