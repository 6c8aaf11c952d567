package connection

import (
	"errors"
	"sync"

	"github.com/yndnr/corestate-go/internal/cli/config"
)

// Manager builds clients from the resolved CLI config and reuses them
// across the commands of one process, including every line of a shell
// session.
type Manager struct {
	mu     sync.Mutex
	cfg    *config.CLIConfig
	http   *HTTPClient
	socket *SocketClient
}

// NewManager creates a Manager for cfg.
func NewManager(cfg *config.CLIConfig) *Manager {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Manager{cfg: cfg}
}

// Config returns the resolved config.
func (m *Manager) Config() *config.CLIConfig {
	return m.cfg
}

// HTTP returns the admin API client, creating it on first use.
func (m *Manager) HTTP() (*HTTPClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.http != nil {
		return m.http, nil
	}
	if m.cfg.Server == "" {
		return nil, errors.New("no server configured; use --server or CORESTATE_CLI_SERVER")
	}
	client, err := NewHTTPClient(m.cfg.Server, HTTPOptions{
		Timeout:            m.cfg.RequestTimeout(),
		CAFile:             m.cfg.CAFile,
		InsecureSkipVerify: m.cfg.InsecureSkipVerify,
	})
	if err != nil {
		return nil, err
	}
	m.http = client
	return client, nil
}

// Socket returns the local socket client. The connection is opened on
// the first Execute and kept until Close.
func (m *Manager) Socket() *SocketClient {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.socket == nil {
		m.socket = NewSocketClient(m.cfg.Socket, m.cfg.RequestTimeout())
	}
	return m.socket
}

// Close releases open connections.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if m.socket != nil {
		err = m.socket.Close()
		m.socket = nil
	}
	if m.http != nil {
		m.http.client.CloseIdleConnections()
		m.http = nil
	}
	return err
}
