// Package tls builds the client TLS configuration used to reach the control
// plane: a private CA, an optional client certificate and version bounds.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ClientConfig is the [tls] section of the session config.
type ClientConfig struct {
	CAFile             string `mapstructure:"ca_file"`
	CertFile           string `mapstructure:"cert_file"`
	KeyFile            string `mapstructure:"key_file"`
	ServerName         string `mapstructure:"server_name"`
	MinVersion         string `mapstructure:"min_version"`
	MaxVersion         string `mapstructure:"max_version"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// Enabled reports whether c changes anything from the system defaults.
func (c ClientConfig) Enabled() bool {
	return c.CAFile != "" || c.CertFile != "" || c.KeyFile != "" || c.ServerName != "" ||
		c.MinVersion != "" || c.MaxVersion != "" || c.InsecureSkipVerify
}

// parseTLSVersion parses TLS version string and returns the corresponding constant
func parseTLSVersion(ver string) (uint16, bool) {
	switch ver {
	case "1.2", "TLS1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "TLS1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

// resolveTLSVersions defaults to TLS 1.2 as the floor and no ceiling.
func resolveTLSVersions(c ClientConfig) (minVer, maxVer uint16, err error) {
	minVer = tls.VersionTLS12
	if c.MinVersion != "" && c.MinVersion != "default" {
		v, ok := parseTLSVersion(c.MinVersion)
		if !ok {
			return 0, 0, fmt.Errorf("unknown tls min_version %q", c.MinVersion)
		}
		minVer = v
	}
	if c.MaxVersion != "" && c.MaxVersion != "default" {
		v, ok := parseTLSVersion(c.MaxVersion)
		if !ok {
			return 0, 0, fmt.Errorf("unknown tls max_version %q", c.MaxVersion)
		}
		maxVer = v
	}
	if maxVer != 0 && maxVer < minVer {
		return 0, 0, errors.New("tls max_version is below min_version")
	}
	return minVer, maxVer, nil
}

// Setup returns the client TLS config, or nil when c is not Enabled.
func Setup(c ClientConfig) (*tls.Config, error) {
	if !c.Enabled() {
		return nil, nil
	}
	minVer, maxVer, err := resolveTLSVersions(c)
	if err != nil {
		return nil, err
	}
	// #nosec G402 InsecureSkipVerify is an explicit opt-in for local control planes
	cfg := &tls.Config{
		MinVersion:         minVer,
		MaxVersion:         maxVer,
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
	if c.CAFile != "" {
		pool, err := loadCAPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	switch {
	case c.CertFile != "" && c.KeyFile != "":
		cert, err := tls.LoadX509KeyPair(filepath.Clean(c.CertFile), filepath.Clean(c.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	case c.CertFile != "" || c.KeyFile != "":
		return nil, errors.New("tls cert_file and key_file must be set together")
	}
	return cfg, nil
}

// loadCAPool adds the PEM certificates in path to the system pool.
func loadCAPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read ca_file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("ca_file %s contains no certificates", path)
	}
	return pool, nil
}
