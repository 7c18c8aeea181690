package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// loadTLSConfig loads the server certificate, generating a self-signed pair
// only when neither file exists and generation is enabled. A certificate
// that exists but does not load is always fatal.
func loadTLSConfig(cfg Config) (*tls.Config, error) {
	certPath, keyPath := cfg.TLSPaths()

	certExists, err := fileExists(certPath)
	if err != nil {
		return nil, err
	}
	keyExists, err := fileExists(keyPath)
	if err != nil {
		return nil, err
	}

	switch {
	case !certExists && !keyExists && cfg.GenerateCert:
		if err := generateSelfSigned(certPath, keyPath); err != nil {
			return nil, err
		}
	case !certExists || !keyExists:
		return nil, fmt.Errorf("server: tls: missing certificate material (cert %s exists=%t, key %s exists=%t)",
			certPath, certExists, keyPath, keyExists)
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("server: tls: load %s: %w", certPath, err)
	}
	slog.Info("loaded TLS certificate", "cert", certPath)

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("server: tls: stat %s: %w", path, err)
}

// generateSelfSigned writes a fresh ECDSA P-256 certificate valid for a year
// for localhost.
func generateSelfSigned(certPath, keyPath string) error {
	slog.Info("generating self-signed TLS certificate")
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("server: tls: generate key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("server: tls: serial: %w", err)
	}
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{Organization: []string{"Screen Relay"}},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return fmt.Errorf("server: tls: create cert: %w", err)
	}
	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return fmt.Errorf("server: tls: marshal key: %w", err)
	}

	if dir := filepath.Dir(certPath); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("server: tls: %w", err)
		}
	}
	if err := writePEM(certPath, 0o644, "CERTIFICATE", certDER); err != nil {
		return err
	}
	if err := writePEM(keyPath, 0o600, "EC PRIVATE KEY", privBytes); err != nil {
		return err
	}

	slog.Info("TLS certificate generated", "cert", certPath, "key", keyPath)
	return nil
}

func writePEM(path string, mode os.FileMode, blockType string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode) //nolint:gosec // path from server config
	if err != nil {
		return fmt.Errorf("server: tls: write %s: %w", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		_ = f.Close()
		return fmt.Errorf("server: tls: encode %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("server: tls: close %s: %w", path, err)
	}
	return nil
}
