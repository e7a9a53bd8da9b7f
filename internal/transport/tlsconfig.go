package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// TLSFiles names the certificate material for a mutually-authenticated
// connection to the message server, whether reached over HTTPS or
// MQTTS (spec §4.1's transport-agnostic secure-connection contract).
//
// Adapted from the teacher's security.CertificateManager, which built
// *tls.Config for its own inbound OT-protocol listener; here it builds
// the outbound client-side config the device presents to the server.
type TLSFiles struct {
	CertFile   string
	KeyFile    string
	CAFile     string
	MinVersion string // "TLS1.2" or "TLS1.3"
}

// BuildTLSConfig loads f's certificate material into a client
// *tls.Config. A zero-value TLSFiles yields a nil config, meaning the
// connection should use the system default TLS settings.
func BuildTLSConfig(logger *zap.Logger, f TLSFiles) (*tls.Config, error) {
	if f.CertFile == "" && f.KeyFile == "" && f.CAFile == "" {
		return nil, nil
	}

	cfg := &tls.Config{MinVersion: parseMinVersion(f.MinVersion)}

	if f.CertFile != "" && f.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(f.CertFile, f.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("transport: load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if f.CAFile != "" {
		caCert, err := os.ReadFile(f.CAFile)
		if err != nil {
			return nil, fmt.Errorf("transport: read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("transport: parse CA certificate %s", f.CAFile)
		}
		cfg.RootCAs = pool
	}

	logger.Debug("built client TLS config", zap.String("minVersion", f.MinVersion), zap.Bool("hasClientCert", len(cfg.Certificates) > 0))
	return cfg, nil
}

func parseMinVersion(v string) uint16 {
	switch v {
	case "TLS1.3":
		return tls.VersionTLS13
	case "TLS1.2":
		return tls.VersionTLS12
	default:
		return tls.VersionTLS12
	}
}
