package connection

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/yndnr/corestate-go/internal/cli/config"
)

// serveLines answers each request line with replies[line], or an ERR.
func serveLines(t *testing.T, replies map[string]string) string {
	t.Helper()
	// Unix socket paths are length limited; t.TempDir can be too long.
	dir, err := os.MkdirTemp("", "cs")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "s.sock")

	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				sc := bufio.NewScanner(conn)
				for sc.Scan() {
					reply, ok := replies[sc.Text()]
					if !ok {
						reply = "ERR CS-ARG-1001 unknown command"
					}
					conn.Write([]byte(reply + "\n"))
				}
			}(conn)
		}
	}()
	return path
}

func TestSocketClient_Execute(t *testing.T) {
	path := serveLines(t, map[string]string{
		"status":     `OK {"tracking_enabled":true}`,
		"deactivate": "OK",
		"garbage":    "what?",
	})
	c := NewSocketClient(path, time.Second)
	defer c.Close()
	ctx := context.Background()

	tests := []struct {
		name     string
		cmd      string
		want     string
		wantCode string
		wantErr  bool
	}{
		{name: "payload", cmd: "status", want: `{"tracking_enabled":true}`},
		{name: "bare ok", cmd: "deactivate", want: ""},
		{name: "err reply", cmd: "frobnicate", wantCode: "CS-ARG-1001", wantErr: true},
		{name: "malformed", cmd: "garbage", wantErr: true},
	}

	// One connection serves every command.
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Execute(ctx, tt.cmd)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Execute(%q) error = %v", tt.cmd, err)
			}
			if tt.wantCode != "" && !IsCode(err, tt.wantCode) {
				t.Errorf("Execute(%q) error = %v, want %s", tt.cmd, err, tt.wantCode)
			}
			if got != tt.want {
				t.Errorf("Execute(%q) = %q, want %q", tt.cmd, got, tt.want)
			}
		})
	}
}

func TestSocketClient_ErrMessageKeepsSpaces(t *testing.T) {
	path := serveLines(t, map[string]string{"x": "ERR CS-SNAP-4040 snapshot 4 not found"})
	c := NewSocketClient(path, time.Second)
	defer c.Close()

	_, err := c.Execute(context.Background(), "x")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "snapshot 4 not found" {
		t.Errorf("Execute() error = %#v", err)
	}
}

func TestSocketClient_ConnectFails(t *testing.T) {
	c := NewSocketClient(filepath.Join(t.TempDir(), "absent.sock"), time.Second)
	if _, err := c.Execute(context.Background(), "status"); err == nil || !strings.Contains(err.Error(), "dial") {
		t.Errorf("Execute() error = %v, want dial error", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() without a connection error = %v", err)
	}
}

func TestSocketClient_ReadTimeout(t *testing.T) {
	dir, _ := os.MkdirTemp("", "cs")
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "s.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			time.Sleep(time.Second)
		}
	}()

	c := NewSocketClient(path, 50*time.Millisecond)
	defer c.Close()
	if _, err := c.Execute(context.Background(), "status"); err == nil {
		t.Fatal("Execute() against a silent server should time out")
	}
}

func TestManager(t *testing.T) {
	cfg := config.Default()
	cfg.Server = "127.0.0.1:5999"
	cfg.Socket = "/tmp/corestate-test.sock"
	m := NewManager(cfg)

	h1, err := m.HTTP()
	if err != nil {
		t.Fatalf("HTTP() error = %v", err)
	}
	h2, _ := m.HTTP()
	if h1 != h2 {
		t.Error("HTTP() should reuse the client")
	}
	if h1.BaseURL() != "http://127.0.0.1:5999" {
		t.Errorf("BaseURL() = %q", h1.BaseURL())
	}
	if m.Socket() != m.Socket() || m.Socket().Path() != cfg.Socket {
		t.Error("Socket() should reuse one client for the configured path")
	}
	if err := m.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}

	m = NewManager(&config.CLIConfig{})
	if _, err := m.HTTP(); err == nil {
		t.Error("HTTP() without a server should fail")
	}
}
