package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/andrej220/linen/pkg/consumer"
	dm "github.com/andrej220/linen/pkg/shared-models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	req dm.Request
	err error
}

type chanSource chan item

func (s chanSource) Read(ctx context.Context) (dm.Request, error) {
	select {
	case it := <-s:
		return it.req, it.err
	case <-ctx.Done():
		return dm.Request{}, ctx.Err()
	}
}

type recorder struct {
	mu    sync.Mutex
	nodes []string
	done  chan struct{}
}

func (r *recorder) execute(ctx context.Context, req dm.Request) (dm.Result, error) {
	if _, ok := ctx.Deadline(); !ok {
		return dm.Result{}, errors.New("missing run timeout")
	}
	r.mu.Lock()
	r.nodes = append(r.nodes, req.Node)
	r.mu.Unlock()
	r.done <- struct{}{}
	return dm.Result{Node: req.Node}, nil
}

func TestConsumeDispatchesRequests(t *testing.T) {
	src := make(chanSource, 4)
	rec := &recorder{done: make(chan struct{}, 4)}
	a := New(src, rec.execute, 2, time.Minute, nil)
	a.retryDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Consume(ctx) }()

	src <- item{req: dm.Request{Node: "node-1", Script: "id"}}
	src <- item{err: &consumer.DecodeError{Offset: 3, Err: errors.New("bad json")}}
	src <- item{err: errors.New("broker unavailable")}
	src <- item{req: dm.Request{Node: "node-2", Script: "id"}}

	for i := 0; i < 2; i++ {
		select {
		case <-rec.done:
		case <-time.After(2 * time.Second):
			t.Fatal("request not executed")
		}
	}
	cancel()
	require.NoError(t, <-errCh)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.ElementsMatch(t, []string{"node-1", "node-2"}, rec.nodes)
}

func TestConsumeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := New(make(chanSource), func(context.Context, dm.Request) (dm.Result, error) {
		return dm.Result{}, nil
	}, 1, 0, nil)
	assert.NoError(t, a.Consume(ctx))
}
