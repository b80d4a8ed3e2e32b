// Package tls provides TLS configuration for the gateway listener and
// upstream connections.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// Config holds TLS configuration options.
type Config struct {
	// CertFile is the path to the TLS certificate file.
	CertFile string `mapstructure:"cert_file"`
	// KeyFile is the path to the TLS private key file.
	KeyFile string `mapstructure:"key_file"`
	// CAFile is the path to the CA certificate file for client verification.
	CAFile string `mapstructure:"ca_file"`
	// ClientAuth specifies the client authentication policy.
	ClientAuth tls.ClientAuthType `mapstructure:"-"`
	// MinVersion is the minimum TLS version (default: TLS 1.2).
	MinVersion uint16 `mapstructure:"-"`
	// InsecureSkipVerify skips certificate verification (for testing only).
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`
}

// DefaultConfig returns a TLS config with secure defaults.
func DefaultConfig() *Config {
	return &Config{
		MinVersion: tls.VersionTLS12,
		ClientAuth: tls.NoClientCert,
	}
}

// ServerTLSConfig creates a tls.Config for the gateway listener.
func ServerTLSConfig(cfg *Config) (*tls.Config, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, fmt.Errorf("certificate and key files are required")
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   cfg.MinVersion,
		ClientAuth:   cfg.ClientAuth,
		CipherSuites: preferredCipherSuites(),
	}

	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}

		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}

		tlsConfig.ClientCAs = caPool
		if cfg.ClientAuth == tls.NoClientCert {
			tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
		}
	}

	return tlsConfig, nil
}

// ClientTLSConfig creates a tls.Config for upstream connections.
func ClientTLSConfig(cfg *Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         cfg.MinVersion,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}

		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}

		tlsConfig.RootCAs = caPool
	}

	return tlsConfig, nil
}

func preferredCipherSuites() []uint16 {
	return []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	}
}
