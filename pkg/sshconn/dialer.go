package sshconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/andrej220/linen/pkg/lg"
	"github.com/andrej220/linen/pkg/noderegistry"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

var _ noderegistry.CreateFunc[*Client] = (&Dialer{}).Create

// Dialer opens ssh connections to nodes. Its Create method is the creation
// strategy handed to noderegistry.Registry.GetOrCreate.
type Dialer struct {
	res       ResilienceConfig
	logger    lg.Logger
	netDialer net.Dialer
}

func NewDialer(res ResilienceConfig, logger lg.Logger) *Dialer {
	if logger == nil {
		logger = lg.Discard
	}
	return &Dialer{res: res, logger: logger}
}

// Create decodes cfg, dials the node and returns a ready Client tagged with runID.
// Config errors fail immediately; network errors are retried with backoff.
func (d *Dialer) Create(ctx context.Context, cfg noderegistry.ConfigMap, runID uuid.UUID) (*Client, error) {
	nc, err := ParseNodeConfig(cfg)
	if err != nil {
		return nil, err
	}
	clientCfg, err := nc.ClientConfig()
	if err != nil {
		return nil, err
	}

	addr := nc.Addr()
	logger := d.logger.With(lg.String("addr", addr), lg.String("run_id", runID.String()))

	attempt := 0
	operation := func() (*ssh.Client, error) {
		attempt++
		client, err := d.dial(ctx, addr, clientCfg)
		if err != nil && ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return client, err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("ssh dial failed, retrying", lg.Int("attempt", attempt), lg.Err(err), lg.Duration("wait", wait))
	}

	client, err := backoff.RetryNotifyWithData(operation, d.res.newBackOff(ctx), notify)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	logger.Info("ssh connection established", lg.Int("attempts", attempt))

	return newClient(client, addr, runID, d.res, logger), nil
}

// dial is ssh.Dial with ctx applied to the TCP connect and the handshake.
func (d *Dialer) dial(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	nd := d.netDialer
	nd.Timeout = cfg.Timeout
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(cfg.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, err
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		sshConn.Close()
		return nil, err
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// IsConfigError reports whether err comes from an invalid node config.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrInvalidConfig)
}
