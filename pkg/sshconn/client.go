package sshconn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/andrej220/linen/pkg/executor"
	"github.com/andrej220/linen/pkg/lg"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/crypto/ssh"
)

// ErrSession marks failures of the ssh transport itself, as opposed to a
// script that ran and exited non-zero. A client that returned it should be
// evicted and re-dialed.
var ErrSession = fmt.Errorf("ssh session failed: %w", executor.ErrTransport)

var _ executor.Executor = (*Client)(nil)

// Client is an established ssh connection to one node.
// It is safe for concurrent use; every Run opens its own session.
type Client struct {
	addr    string
	runID   uuid.UUID
	conn    *ssh.Client
	breaker *gobreaker.CircuitBreaker
	res     ResilienceConfig
	logger  lg.Logger

	closeOnce sync.Once
	closeErr  error
}

func newClient(conn *ssh.Client, addr string, runID uuid.UUID, res ResilienceConfig, logger lg.Logger) *Client {
	return &Client{
		addr:    addr,
		runID:   runID,
		conn:    conn,
		breaker: res.newBreaker("ssh-session:" + addr),
		res:     res,
		logger:  logger,
	}
}

func (c *Client) RemoteAddr() string { return c.addr }

// RunID is the run the connection was created for.
func (c *Client) RunID() uuid.UUID { return c.runID }

// Run executes script in a new session and returns stdout and stderr split
// into lines. Opening the session goes through the breaker and is retried
// with backoff. A non-zero exit is returned as *ssh.ExitError together with
// the captured output and is not retried.
func (c *Client) Run(ctx context.Context, script string) (stdoutLines, stderrLines []string, err error) {
	var stdout, stderr bytes.Buffer

	operation := func() error {
		stdout.Reset()
		stderr.Reset()

		res, err := c.breaker.Execute(func() (any, error) {
			return c.conn.NewSession()
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(fmt.Errorf("%w: %v", ErrSession, err))
			}
			return fmt.Errorf("%w: new session: %v", ErrSession, err)
		}
		sess := res.(*ssh.Session)
		defer sess.Close()

		sess.Stdout = &stdout
		sess.Stderr = &stderr

		done := make(chan error, 1)
		go func() { done <- sess.Run(script) }()

		select {
		case <-ctx.Done():
			_ = sess.Signal(ssh.SIGKILL)
			_ = sess.Close()
			<-done
			return backoff.Permanent(ctx.Err())
		case err := <-done:
			var exitErr *ssh.ExitError
			switch {
			case err == nil:
				return nil
			case errors.As(err, &exitErr):
				return backoff.Permanent(err)
			default:
				return fmt.Errorf("%w: %v", ErrSession, err)
			}
		}
	}

	err = backoff.Retry(operation, c.res.newBackOff(ctx))
	if err != nil {
		c.logger.Debug("script failed", lg.Err(err))
	}
	return splitLines(stdout.String()), splitLines(stderr.String()), err
}

// Close closes the underlying connection. Later calls return the first result.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
		c.logger.Info("ssh connection closed")
	})
	return c.closeErr
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\r\n")
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return lines
}
