package connection

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// SocketClient speaks the line protocol of the local command socket.
// Replies are "OK <payload>" or "ERR <code> <message>".
type SocketClient struct {
	path    string
	timeout time.Duration
	conn    net.Conn
	reader  *bufio.Reader
}

// NewSocketClient creates a client for the socket at socketPath.
func NewSocketClient(socketPath string, timeout time.Duration) *SocketClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SocketClient{path: socketPath, timeout: timeout}
}

// Path returns the socket path.
func (c *SocketClient) Path() string {
	return c.path
}

// Connect dials the socket.
func (c *SocketClient) Connect(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.path)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.path, err)
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	return nil
}

// Close closes the connection.
func (c *SocketClient) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	return err
}

// Execute sends one command line and returns the reply payload. An ERR
// reply is returned as an *APIError.
func (c *SocketClient) Execute(ctx context.Context, cmd string) (string, error) {
	if c.conn == nil {
		if err := c.Connect(ctx); err != nil {
			return "", err
		}
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return "", err
	}

	if _, err := c.conn.Write([]byte(cmd + "\n")); err != nil {
		c.Close()
		return "", fmt.Errorf("send command: %w", err)
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		c.Close()
		return "", fmt.Errorf("read reply: %w", err)
	}
	return parseReply(strings.TrimRight(line, "\r\n"))
}

func parseReply(line string) (string, error) {
	switch {
	case line == "OK":
		return "", nil
	case strings.HasPrefix(line, "OK "):
		return line[3:], nil
	case strings.HasPrefix(line, "ERR "):
		code, msg, _ := strings.Cut(line[4:], " ")
		return "", &APIError{Code: code, Message: msg}
	default:
		return "", errors.New("malformed reply: " + line)
	}
}
