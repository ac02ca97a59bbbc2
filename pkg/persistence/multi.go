package persistence

import (
	"context"

	dm "github.com/andrej220/linen/pkg/shared-models"
	"go.uber.org/multierr"
)

type Sink interface {
	Save(ctx context.Context, res dm.Result) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, res dm.Result) error

func (f SinkFunc) Save(ctx context.Context, res dm.Result) error { return f(ctx, res) }

// MultiSink saves to every sink and combines their errors.
type MultiSink []Sink

func (m MultiSink) Save(ctx context.Context, res dm.Result) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Save(ctx, res))
	}
	return err
}
