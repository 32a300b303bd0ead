package httpapi

import (
	"crypto/tls"
	"fmt"

	"github.com/docker/go-connections/tlsconfig"

	"github.com/Paintersrp/warden/internal/config"
)

// ServerTLS builds the listener TLS configuration. It returns nil when no
// certificate pair is configured. A CA file turns on client certificate
// verification.
func ServerTLS(settings config.TLSSettings) (*tls.Config, error) {
	if !settings.Enabled() {
		return nil, nil
	}
	opts := tlsconfig.Options{
		CertFile: settings.Cert,
		KeyFile:  settings.Key,
	}
	if settings.CA != "" {
		opts.CAFile = settings.CA
		opts.ClientAuth = tls.RequireAndVerifyClientCert
	}
	cfg, err := tlsconfig.Server(opts)
	if err != nil {
		return nil, fmt.Errorf("api tls: %w", err)
	}
	return cfg, nil
}

// ClientTLS builds the client TLS configuration. It returns nil when neither
// a CA nor a client certificate is configured.
func ClientTLS(settings config.TLSSettings) (*tls.Config, error) {
	if settings.CA == "" && !settings.Enabled() {
		return nil, nil
	}
	cfg, err := tlsconfig.Client(tlsconfig.Options{
		CAFile:   settings.CA,
		CertFile: settings.Cert,
		KeyFile:  settings.Key,
	})
	if err != nil {
		return nil, fmt.Errorf("api client tls: %w", err)
	}
	return cfg, nil
}
