package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"

	"github.com/xgauravyaduvanshii/laptoprelay/config"
)

func buildTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		return &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{"h2", "http/1.1"},
		}, nil
	}

	if cfg.AutoCert {
		manager := buildAutoCertManager(cfg)
		return &tls.Config{
			MinVersion:     tls.VersionTLS12,
			GetCertificate: manager.GetCertificate,
			NextProtos:     []string{acme.ALPNProto, "h2", "http/1.1"},
		}, nil
	}

	return nil, fmt.Errorf("tls requires cert_file and key_file, or autocert")
}

func buildAutoCertManager(cfg config.TLSConfig) *autocert.Manager {
	_ = os.MkdirAll(cfg.CacheDir, 0o700)
	allowed := map[string]struct{}{}
	for _, host := range cfg.AutoCertHosts {
		allowed[normalizeHost(host)] = struct{}{}
	}
	return &autocert.Manager{
		Prompt: autocert.AcceptTOS,
		Email:  cfg.Email,
		Cache:  autocert.DirCache(cfg.CacheDir),
		HostPolicy: func(_ context.Context, host string) error {
			if _, ok := allowed[normalizeHost(host)]; ok {
				return nil
			}
			return fmt.Errorf("host is not allowlisted for autocert: %s", host)
		},
	}
}

func normalizeHost(host string) string {
	host = strings.TrimSpace(strings.ToLower(host))
	host = strings.TrimSuffix(host, ".")
	if idx := strings.Index(host, ":"); idx > -1 {
		host = host[:idx]
	}
	return host
}
