package tlsroots

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// ErrNoCertsFound is returned when a PEM bundle holds no certificate.
var ErrNoCertsFound = errors.New("tlsroots: no certificates found in PEM data")

// LoadPool returns the system roots extended with the certificates in
// caFile. An empty caFile yields the system roots alone.
func LoadPool(caFile string) (*x509.CertPool, error) {
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if caFile == "" {
		return pool, nil
	}
	data, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("tlsroots: read CA file: %w", err)
	}
	if err := AppendPEM(pool, data); err != nil {
		return nil, fmt.Errorf("tlsroots: %s: %w", caFile, err)
	}
	return pool, nil
}

// AppendPEM parses every CERTIFICATE block in data into pool.
func AppendPEM(pool *x509.CertPool, data []byte) error {
	added := 0
	for len(data) > 0 {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return fmt.Errorf("parse certificate: %w", err)
		}
		pool.AddCert(cert)
		added++
	}
	if added == 0 {
		return ErrNoCertsFound
	}
	return nil
}

// ClientConfig returns the TLS configuration the CLI dials with.
func ClientConfig(caFile string, insecureSkipVerify bool) (*tls.Config, error) {
	pool, err := LoadPool(caFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		RootCAs:            pool,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: insecureSkipVerify, //nolint:gosec // opt-in for test servers
	}, nil
}
