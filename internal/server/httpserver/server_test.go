package httpserver

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeSelfSigned(t *testing.T, dir string) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	certFile, keyFile := filepath.Join(dir, "tls.crt"), filepath.Join(dir, "tls.key")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile
}

func TestServer_StartServeShutdown(t *testing.T) {
	s, err := New(ServerConfig{Addr: "127.0.0.1:0", Handler: ok(), Logger: discard()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Start(func(err error) { t.Errorf("serve error: %v", err) }); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	resp, err := http.Get("http://" + s.Addr() + "/")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	if _, err := http.Get("http://" + s.Addr() + "/"); err == nil {
		t.Error("server still answering after Shutdown()")
	}
}

func TestServer_TLS(t *testing.T) {
	certFile, keyFile := writeSelfSigned(t, t.TempDir())

	s, err := New(ServerConfig{Addr: "127.0.0.1:0", Handler: ok(), TLSCertFile: certFile, TLSKeyFile: keyFile, Logger: discard()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Start(nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Shutdown(context.Background())

	caPEM, _ := os.ReadFile(certFile)
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caPEM)
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool}}}

	resp, err := client.Get("https://" + s.Addr() + "/")
	if err != nil {
		t.Fatalf("HTTPS GET error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestServer_BadTLSPair(t *testing.T) {
	dir := t.TempDir()
	_, err := New(ServerConfig{
		Addr:        "127.0.0.1:0",
		TLSCertFile: filepath.Join(dir, "missing.crt"),
		TLSKeyFile:  filepath.Join(dir, "missing.key"),
	})
	if err == nil {
		t.Fatal("New() with a missing certificate should fail")
	}
}

func TestServer_ListenError(t *testing.T) {
	s, err := New(ServerConfig{Addr: "127.0.0.1:99999", Handler: ok(), Logger: discard()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Start(nil); err == nil {
		t.Error("Start() on an invalid address should fail")
	}
}
