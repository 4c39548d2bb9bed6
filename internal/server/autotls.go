package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/eniz1806/VaultGallery/internal/config"
)

// NewAutoTLS returns a TLS config backed by Let's Encrypt, plus the
// handler that must answer ACME HTTP-01 challenges on port 80. With
// SelfSigned set it returns an in-memory certificate and no handler.
func NewAutoTLS(cfg config.AutoTLSConfig) (*tls.Config, http.Handler, error) {
	if cfg.SelfSigned {
		tlsCfg, err := generateSelfSigned(cfg.Domains)
		if err != nil {
			return nil, nil, fmt.Errorf("generate self-signed cert: %w", err)
		}
		return tlsCfg, nil, nil
	}
	if len(cfg.Domains) == 0 {
		return nil, nil, errors.New("auto_tls requires at least one domain")
	}

	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = "autocert-cache"
	}

	m := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		Cache:      autocert.DirCache(cacheDir),
		HostPolicy: autocert.HostWhitelist(cfg.Domains...),
	}
	return m.TLSConfig(), m.HTTPHandler(nil), nil
}

func generateSelfSigned(domains []string) (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	if len(domains) == 0 {
		domains = []string{"localhost"}
	}
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"VaultGallery"}, CommonName: domains[0]},
		DNSNames:     domains,
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert := tls.Certificate{Certificate: [][]byte{certDER}, PrivateKey: key}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}
