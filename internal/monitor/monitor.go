// Package monitor talks to a running instance's hypervisor monitor socket.
//
// The channel is line-oriented: the orchestrator only ever sends a fixed,
// small vocabulary of commands (system_powerdown, sendkey, info). Channel
// absence is tolerated for wake nudges but is an error for shutdown, where
// the caller needs to know to escalate to signals.
package monitor

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"time"
)

const dialTimeout = 3 * time.Second

// ChannelError reports a failed command delivery over the monitor socket.
type ChannelError struct {
	Command string
	Err     error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("monitor %s: %v", e.Command, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// Client sends commands to one instance's monitor socket. Each command dials
// a fresh connection; the socket outlives no single command.
type Client struct {
	SocketPath string
}

// NewClient creates a monitor client for the given socket path.
func NewClient(socketPath string) *Client {
	return &Client{SocketPath: socketPath}
}

// Powerdown requests a graceful guest shutdown. Failure is a hard error —
// the caller escalates to process signals.
func (c *Client) Powerdown(ctx context.Context) error {
	if err := c.send(ctx, "system_powerdown"); err != nil {
		return &ChannelError{Command: "system_powerdown", Err: err}
	}
	return nil
}

// SendKey emits a synthetic keystroke (e.g. "ret") to unstick a guest
// waiting on input. A missing or unresponsive channel is a soft failure:
// logged, not returned.
func (c *Client) SendKey(ctx context.Context, key string) error {
	if err := c.send(ctx, "sendkey "+key); err != nil {
		log.Printf("monitor: sendkey %s failed (non-critical): %v", key, err)
		return nil
	}
	return nil
}

// Info queries the monitor (e.g. "info version") and returns the first
// response line.
func (c *Client) Info(ctx context.Context, topic string) (string, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return "", &ChannelError{Command: "info " + topic, Err: err}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if _, err := fmt.Fprintf(conn, "info %s\n", topic); err != nil {
		return "", &ChannelError{Command: "info " + topic, Err: err}
	}

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		// Skip the monitor greeting and echoed prompt lines.
		if line == "" || strings.HasPrefix(line, "QEMU") && strings.Contains(line, "monitor") || strings.HasPrefix(line, "(qemu)") {
			continue
		}
		return line, nil
	}
	if err := scanner.Err(); err != nil {
		return "", &ChannelError{Command: "info " + topic, Err: err}
	}
	return "", &ChannelError{Command: "info " + topic, Err: fmt.Errorf("no response")}
}

func (c *Client) send(ctx context.Context, command string) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	_, err = conn.Write([]byte(command + "\n"))
	return err
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	return d.DialContext(ctx, "unix", c.SocketPath)
}
