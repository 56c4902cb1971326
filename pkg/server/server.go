// Package server implements the ByteSwap server: a TLS control listener and a
// WebSocket endpoint that feed authenticated commands into the engine.
package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/NicolasHaas/byteswap/pkg/datastore"
	"github.com/NicolasHaas/byteswap/pkg/engine"
	"github.com/NicolasHaas/byteswap/pkg/logging"
	"github.com/NicolasHaas/byteswap/pkg/match"
	"github.com/NicolasHaas/byteswap/pkg/metrics"
	"github.com/robfig/cron/v3"
)

// loadOrGenerateTLS loads TLS cert/key from disk or generates a self-signed pair.
func loadOrGenerateTLS(cfg Config) (tls.Certificate, error) {
	certPath := cfg.CertFile
	keyPath := cfg.KeyFile

	if certPath == "" {
		certPath = filepath.Join(cfg.DataDir, "server.crt")
	}
	if keyPath == "" {
		keyPath = filepath.Join(cfg.DataDir, "server.key")
	}

	// Try loading existing cert
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err == nil {
		slog.Info("loaded TLS certificate", "cert", certPath)
		return cert, nil
	}

	// Generate self-signed certificate
	slog.Info("generating self-signed TLS certificate")
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}

	serialNumber, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{Organization: []string{"ByteSwap Server"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create cert: %w", err)
	}

	// Write cert
	certOut, err := os.Create(certPath) //nolint:gosec // path from server config
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("write cert: %w", err)
	}
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: certDER}); err != nil {
		_ = certOut.Close()
		return tls.Certificate{}, fmt.Errorf("encode cert: %w", err)
	}
	if err := certOut.Close(); err != nil {
		return tls.Certificate{}, fmt.Errorf("close cert file: %w", err)
	}

	// Write key
	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("marshal key: %w", err)
	}
	keyOut, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600) //nolint:gosec // path from server config
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("write key: %w", err)
	}
	if err := pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes}); err != nil {
		_ = keyOut.Close()
		return tls.Certificate{}, fmt.Errorf("encode key: %w", err)
	}
	if err := keyOut.Close(); err != nil {
		return tls.Certificate{}, fmt.Errorf("close key file: %w", err)
	}

	slog.Info("TLS certificate generated", "cert", certPath, "key", keyPath)

	return tls.LoadX509KeyPair(certPath, keyPath)
}

// Server is the main ByteSwap server.
type Server struct {
	cfg     Config
	engine  *engine.Engine
	matcher *match.Service
	metrics *metrics.Metrics
	store   datastore.DataProviderFactory
	log     *slog.Logger

	controlConn net.Listener
	httpConn    net.Listener
	httpSrv     *http.Server
	sched       *cron.Cron

	connMu  sync.Mutex
	conns   map[transport]struct{}
	closing bool
	wg      sync.WaitGroup // connection handlers

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	m := metrics.New()
	eng := engine.New(engine.Options{
		Store:              deps.Store,
		Metrics:            m,
		NegotiationTimeout: cfg.Engine.NegotiationTimeout,
		SessionDuration:    cfg.Engine.SessionDuration,
		DisconnectGrace:    cfg.Engine.DisconnectGrace,
	})
	return &Server{
		cfg:     cfg,
		engine:  eng,
		matcher: &match.Service{Store: deps.Store, Window: cfg.Engine.StalenessWindow, Metrics: m},
		metrics: m,
		store:   deps.Store,
		log:     logging.For("server"),
		conns:   make(map[transport]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Engine returns the session coordinator.
func (s *Server) Engine() *engine.Engine {
	return s.engine
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// ControlAddr returns the bound control listener address, or "" before Start.
func (s *Server) ControlAddr() string {
	if s.controlConn == nil {
		return ""
	}
	return s.controlConn.Addr().String()
}

// HTTPAddr returns the bound HTTP listener address, or "" when disabled.
func (s *Server) HTTPAddr() string {
	if s.httpConn == nil {
		return ""
	}
	return s.httpConn.Addr().String()
}
