package node

import (
	"context"
	"fmt"
	"net/http"

	"github.com/example/ilp-node/internal/accounting"
	"github.com/example/ilp-node/internal/accounting/storage"
	"github.com/example/ilp-node/internal/config"
	"github.com/example/ilp-node/internal/security"
)

// OpenStorage opens the ledger backend named by cfg. The returned func
// releases it.
func OpenStorage(ctx context.Context, cfg config.StorageConfig) (accounting.Storage, func(), error) {
	switch cfg.Driver {
	case config.StorageMemory, "":
		return storage.NewMemoryStorage(), func() {}, nil
	case config.StorageSQLite:
		s, err := storage.OpenSQLite(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case config.StoragePostgres:
		s, pool, err := storage.ConnectPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// newHTTPClient builds the client used to post packets to HTTP
// counterparties.
func newHTTPClient(cfg config.HTTPConfig) (*http.Client, error) {
	tlsCfg, err := security.LoadClientTLSConfig(toSecurityTLS(cfg.ClientTLS))
	if err != nil {
		return nil, fmt.Errorf("http client tls: %w", err)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsCfg
	return &http.Client{Timeout: cfg.ClientTimeout, Transport: transport}, nil
}

// ServerTLS returns the listener TLS config, or nil when no certificate is
// configured.
func ServerTLS(cfg config.HTTPConfig) (*security.TLSConfig, error) {
	t := toSecurityTLS(cfg.TLS)
	if !t.Enabled() {
		return nil, nil
	}
	files := []string{t.CertFile, t.KeyFile}
	if t.CAFile != "" {
		files = append(files, t.CAFile)
	}
	if err := security.VerifyTLSFiles(files...); err != nil {
		return nil, err
	}
	return &t, nil
}

func toSecurityTLS(c config.TLSConfig) security.TLSConfig {
	return security.TLSConfig{
		CertFile:          c.CertFile,
		KeyFile:           c.KeyFile,
		CAFile:            c.CAFile,
		RequireClientAuth: c.RequireClientAuth,
	}
}
