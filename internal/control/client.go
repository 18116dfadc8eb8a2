// Package control implements the client side of the assistant's line-oriented
// control socket: one short-lived TCP connection per command, first read is
// the reply.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout bounds a whole round-trip (connect, write, first read).
const DefaultTimeout = 4 * time.Second

// maxReply is the read buffer for a single reply.
const maxReply = 64 * 1024

var (
	// ErrConnection is returned when the connection is refused or reset.
	ErrConnection = errors.New("control socket connection failed")
	// ErrTimeout is returned when no reply arrives within the bound.
	ErrTimeout = errors.New("control socket timeout")
	// ErrUnexpectedReply is returned when a command needs an exact reply and got another.
	ErrUnexpectedReply = errors.New("unexpected control socket reply")
)

// Client sends one-shot commands to the control port.
type Client struct {
	port    int
	timeout time.Duration
	hosts   []string
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the round-trip bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHosts overrides the loopback hosts tried, in order.
func WithHosts(hosts ...string) Option {
	return func(c *Client) {
		c.hosts = hosts
	}
}

// NewClient creates a client for the given local control port.
// Loopback is tried by IPv4 literal first and symbolic name second, since some
// environments resolve "localhost" to a different stack.
func NewClient(port int, opts ...Option) *Client {
	c := &Client{
		port:    port,
		timeout: DefaultTimeout,
		hosts:   []string{"127.0.0.1", "localhost"},
		logger:  slog.With("component", "control"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Port returns the control port this client talks to.
func (c *Client) Port() int {
	return c.port
}

// Send writes command and returns the trimmed reply. No retries are made
// beyond the per-host attempts; the last host's error is returned.
func (c *Client) Send(ctx context.Context, command string) (string, error) {
	var lastErr error
	for _, host := range c.hosts {
		resp, err := c.sendTo(ctx, host, command)
		if err == nil {
			return resp, nil
		}
		c.logger.Debug("control command failed", "host", host, "command", commandName(command), "error", err)
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return "", lastErr
}

func (c *Client) sendTo(ctx context.Context, host, command string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	addr := net.JoinHostPort(host, strconv.Itoa(c.port))
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", classify(addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.Write([]byte(command)); err != nil {
		return "", classify(addr, err)
	}

	buf := make([]byte, maxReply)
	n, err := conn.Read(buf)
	if n > 0 {
		return strings.TrimSpace(string(buf[:n])), nil
	}
	if errors.Is(err, io.EOF) {
		// Peer closed without writing: the reply never came.
		return "", fmt.Errorf("%w: %s closed without reply", ErrTimeout, addr)
	}
	return "", classify(addr, err)
}

func classify(addr string, err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, addr, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrConnection, addr, err)
}

// commandName strips the payload from CHAT::/EXEC:: style commands for logging.
func commandName(command string) string {
	if i := strings.Index(command, "::"); i >= 0 {
		return command[:i]
	}
	return command
}
