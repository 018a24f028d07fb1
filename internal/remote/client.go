// Package remote submits commands to a coordinator over a plain TCP socket.
//
// Each submission uses one short-lived connection carrying exactly one
// request/response round trip. The initial dial is retried until it succeeds;
// a connection reset before the response arrives causes a reconnect.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/mattjoyce/farmhand/internal/log"
	"github.com/mattjoyce/farmhand/internal/protocol"
)

// DefaultDialRetryInterval is the pause between failed connection attempts.
const DefaultDialRetryInterval = 50 * time.Millisecond

// ErrAttemptsExhausted is returned when MaxAttempts round trips were dropped.
var ErrAttemptsExhausted = errors.New("remote: attempts exhausted")

// errDropped marks a round trip the coordinator never answered.
var errDropped = errors.New("connection dropped before response")

// RemoteError is a failure reported by the coordinator, for example when
// the command could not be spawned on the farm agent.
type RemoteError struct {
	Argv    []string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote spawn %q: %s", e.Argv[0], e.Message)
}

// ReservePort binds an ephemeral localhost port, records the number and closes
// the listener straight away. Another process can grab the port before the
// coordinator binds it; callers accept that window.
func ReservePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("reserve port: %w", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	if err := l.Close(); err != nil {
		return 0, fmt.Errorf("release reserved port: %w", err)
	}
	return port, nil
}

// Client submits requests to a coordinator.
type Client struct {
	addr          string
	retryInterval time.Duration
	maxAttempts   int
	resendOnReset bool
	dialer        net.Dialer
	logger        *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithDialRetryInterval sets the pause between dial attempts. Zero retries immediately.
func WithDialRetryInterval(d time.Duration) Option {
	return func(c *Client) { c.retryInterval = d }
}

// WithMaxAttempts bounds how many round trips Submit makes. Zero means unlimited.
func WithMaxAttempts(n int) Option {
	return func(c *Client) { c.maxAttempts = n }
}

// WithResendOnReset controls whether a dropped round trip is retried with the
// same request. When disabled a dropped round trip is returned as an error.
func WithResendOnReset(resend bool) Option {
	return func(c *Client) { c.resendOnReset = resend }
}

// NewClient creates a client for the coordinator listening on localhost:port.
func NewClient(port int, opts ...Option) *Client {
	return NewClientAddr(net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), opts...)
}

// NewClientAddr creates a client for an explicit host:port.
func NewClientAddr(addr string, opts ...Option) *Client {
	c := &Client{
		addr:          addr,
		retryInterval: DefaultDialRetryInterval,
		resendOnReset: true,
		logger:        log.WithComponent("remote"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Addr returns the coordinator address.
func (c *Client) Addr() string { return c.addr }

// Submit sends req and blocks until the coordinator answers. A non-zero exit
// code is returned as a normal result. A spawn failure on the agent is
// returned as *RemoteError and a malformed response as *protocol.ProtocolError.
func (c *Client) Submit(ctx context.Context, req *protocol.Request) (*protocol.Result, error) {
	payload, err := protocol.MarshalRequest(req)
	if err != nil {
		return nil, err
	}
	frame := append(payload, protocol.Sentinel...)

	for attempt := 1; ; attempt++ {
		res, err := c.roundTrip(ctx, frame)
		if err == nil {
			if res.Error != "" {
				return nil, &RemoteError{Argv: req.Argv, Message: res.Error}
			}
			return res, nil
		}
		if !errors.Is(err, errDropped) {
			return nil, err
		}
		if !c.resendOnReset {
			return nil, fmt.Errorf("submit %q: %w", req.Argv[0], err)
		}
		if c.maxAttempts > 0 && attempt >= c.maxAttempts {
			return nil, fmt.Errorf("submit %q after %d attempts: %w", req.Argv[0], attempt, ErrAttemptsExhausted)
		}
		c.logger.Warn("connection dropped before response, resending", "attempt", attempt, "argv0", req.Argv[0], "error", err)
	}
}

// roundTrip performs one connect/send/receive cycle.
func (c *Client) roundTrip(ctx context.Context, frame []byte) (*protocol.Result, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.Write(frame); err != nil {
		return nil, c.classify(ctx, "send", err)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, conn); err != nil {
		return nil, c.classify(ctx, "receive", err)
	}
	if buf.Len() == 0 {
		return nil, fmt.Errorf("receive: %w", errDropped)
	}
	return protocol.UnmarshalResult(buf.Bytes())
}

// dial connects to the coordinator, retrying until it succeeds or ctx ends.
func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	for attempt := 1; ; attempt++ {
		conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("dial %s: %w", c.addr, ctx.Err())
		}
		if attempt == 1 {
			c.logger.Debug("coordinator not reachable yet, retrying", "addr", c.addr, "error", err)
		}
		if c.retryInterval > 0 {
			t := time.NewTimer(c.retryInterval)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, fmt.Errorf("dial %s: %w", c.addr, ctx.Err())
			case <-t.C:
			}
		}
	}
}

func (c *Client) classify(ctx context.Context, op string, err error) error {
	// Connection deadlines are only ever derived from ctx.
	if errors.Is(err, os.ErrDeadlineExceeded) {
		<-ctx.Done()
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
	if isReset(err) {
		return fmt.Errorf("%s: %w: %v", op, errDropped, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNABORTED)
}
