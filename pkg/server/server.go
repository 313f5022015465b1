// Package server implements the GoRelay server: the TLS control plane, the
// WebSocket endpoint and the HTTP metrics listener around a relay.Relay.
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
	"strings"
	"sync"
	"time"

	"github.com/NicolasHaas/gorelay/pkg/datastore"
	"github.com/NicolasHaas/gorelay/pkg/logging"
	"github.com/NicolasHaas/gorelay/pkg/relay"
)

// Config holds server configuration. Every field can be set from the
// environment (see cmd/server) and most from flags.
type Config struct {
	ControlAddr   string `env:"RELAY_CONTROL_ADDR"`   // TCP/TLS bind address (e.g. ":9700")
	HTTPAddr      string `env:"RELAY_HTTP_ADDR"`      // /metrics, /healthz and /ws (empty = disabled)
	DBPath        string `env:"RELAY_DB_PATH"`        // SQLite database path
	CertFile      string `env:"RELAY_CERT_FILE"`      // TLS certificate file path
	KeyFile       string `env:"RELAY_KEY_FILE"`       // TLS private key file path
	DataDir       string `env:"RELAY_DATA_DIR"`       // directory for generated certs and data
	TranscriptDir string `env:"RELAY_TRANSCRIPT_DIR"` // where ended chats are written
	SeedFile      string `env:"RELAY_SEED_FILE"`      // YAML users/chats/subscriptions applied on startup

	AllowRegistration bool   `env:"RELAY_ALLOW_REGISTRATION"` // create accounts on first login
	AllowedOrigins    string `env:"RELAY_ALLOWED_ORIGINS"`    // comma-separated WebSocket origins; empty = same host only
	AdminUsers        string `env:"RELAY_ADMIN_USERS"`        // comma-separated usernames allowed to list and delete users

	AutoStopChats   bool          `env:"RELAY_AUTO_STOP_CHATS"` // end a chat when its last subscriber leaves
	PresenceLines   bool          `env:"RELAY_PRESENCE_LINES"`  // also send "<nick> has joined the chat." text lines
	DeliveryTimeout time.Duration `env:"RELAY_DELIVERY_TIMEOUT"`
	DeliveryWorkers int           `env:"RELAY_DELIVERY_WORKERS"`
	AuthTimeout     time.Duration `env:"RELAY_AUTH_TIMEOUT"`
	WriteTimeout    time.Duration `env:"RELAY_WRITE_TIMEOUT"`
	MetricsInterval time.Duration `env:"RELAY_METRICS_INTERVAL"` // 0 = no periodic metrics log

	LogLevel  string `env:"RELAY_LOG_LEVEL"`
	LogFormat string `env:"RELAY_LOG_FORMAT"`

	// CLI-only actions (run and exit)
	ExportUsers bool // export all users as YAML and exit
	ExportChats bool // export all chats with their subscribers as YAML and exit
}

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Store and will Close() it on shutdown.
type Dependencies struct {
	Store datastore.DataProviderFactory
	// Transcripts overrides the file writer rooted at Config.TranscriptDir.
	Transcripts relay.TranscriptWriter
	Logger      *slog.Logger
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ControlAddr:       ":9700",
		HTTPAddr:          ":9701",
		DBPath:            "gorelay.db",
		DataDir:           ".",
		TranscriptDir:     "transcripts",
		AllowRegistration: true,
		AutoStopChats:     true,
		DeliveryTimeout:   relay.DefaultDeliveryTimeout,
		DeliveryWorkers:   relay.DefaultDeliveryWorkers,
		AuthTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Second,
		MetricsInterval:   60 * time.Second,
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// loadOrGenerateTLS loads TLS cert/key from disk or generates a self-signed pair.
func loadOrGenerateTLS(cfg Config, logger *slog.Logger) (tls.Certificate, error) {
	certPath := cfg.CertFile
	keyPath := cfg.KeyFile

	if certPath == "" {
		certPath = filepath.Join(cfg.DataDir, "server.crt")
	}
	if keyPath == "" {
		keyPath = filepath.Join(cfg.DataDir, "server.key")
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err == nil {
		logger.Info("loaded TLS certificate", "cert", certPath)
		return cert, nil
	}

	logger.Info("generating self-signed TLS certificate")
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("serial number: %w", err)
	}
	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{Organization: []string{"GoRelay Server"}},
		NotBefore:    now,
		NotAfter:     now.Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create cert: %w", err)
	}
	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("marshal key: %w", err)
	}

	if err := writePEM(certPath, 0o644, "CERTIFICATE", certDER); err != nil {
		return tls.Certificate{}, fmt.Errorf("write cert: %w", err)
	}
	if err := writePEM(keyPath, 0o600, "EC PRIVATE KEY", privBytes); err != nil {
		return tls.Certificate{}, fmt.Errorf("write key: %w", err)
	}

	logger.Info("TLS certificate generated", "cert", certPath, "key", keyPath)
	return tls.LoadX509KeyPair(certPath, keyPath)
}

func writePEM(path string, mode os.FileMode, blockType string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode) //nolint:gosec // path from server config
	if err != nil {
		return err
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Server is the GoRelay server.
type Server struct {
	cfg     Config
	relay   *relay.Relay
	metrics *Metrics
	store   datastore.DataProviderFactory
	logger  *slog.Logger

	connMu sync.RWMutex
	conns  map[string]*clientConn // sessionID -> connection, for structured events
	admins map[string]struct{}

	controlLn  net.Listener
	httpServer *http.Server

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup // accept loops and sessions
	shutdownOnce sync.Once
}

// New creates a Server and wires the relay core to deps.Store.
func New(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("server: missing store dependency")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	transcripts := deps.Transcripts
	if transcripts == nil {
		transcripts = relay.NewFileTranscriptWriter(cfg.TranscriptDir)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		metrics: NewMetrics(),
		store:   deps.Store,
		logger:  logging.Component(logger, "server"),
		conns:   make(map[string]*clientConn),
		admins:  parseAdmins(cfg.AdminUsers),
		ctx:     ctx,
		cancel:  cancel,
	}

	s.relay = relay.New(relay.Options{
		Store:           deps.Store.NonTx(),
		Transcripts:     transcripts,
		DeliveryTimeout: cfg.DeliveryTimeout,
		DeliveryWorkers: cfg.DeliveryWorkers,
		AutoStopChats:   cfg.AutoStopChats,
		PresenceLines:   cfg.PresenceLines,
		OnReport:        s.metrics.recordReport,
		OnChatEnded:     s.chatEnded,
		Logger:          logger,
	})
	s.relay.Observers.AddObserver(&subscriptionFeed{srv: s})
	s.relay.Observers.AddObserver(metricsObserver{m: s.metrics})
	return s, nil
}

// Relay returns the relay core.
func (s *Server) Relay() *relay.Relay {
	return s.relay
}

// ControlAddr returns the bound control listener address, or "" before
// StartControl.
func (s *Server) ControlAddr() string {
	if s.controlLn == nil {
		return ""
	}
	return s.controlLn.Addr().String()
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

func (s *Server) setConn(sessionID string, cc *clientConn) {
	s.connMu.Lock()
	s.conns[sessionID] = cc
	s.connMu.Unlock()
}

func (s *Server) removeConn(sessionID string) {
	s.connMu.Lock()
	delete(s.conns, sessionID)
	s.connMu.Unlock()
}

func (s *Server) conn(sessionID string) (*clientConn, bool) {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	cc, ok := s.conns[sessionID]
	return cc, ok
}

// closeSessions drops the connections of sessionIDs, which the relay already
// disconnected.
func (s *Server) closeSessions(sessionIDs []string) {
	for _, id := range sessionIDs {
		if cc, ok := s.conn(id); ok {
			_ = cc.Close()
		}
	}
}

func parseAdmins(list string) map[string]struct{} {
	admins := make(map[string]struct{})
	for _, name := range strings.Split(list, ",") {
		if name = strings.TrimSpace(name); name != "" {
			admins[name] = struct{}{}
		}
	}
	return admins
}

func (s *Server) isAdmin(username string) bool {
	_, ok := s.admins[username]
	return ok
}

func (s *Server) closeConns() {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	for _, cc := range s.conns {
		_ = cc.Close()
	}
}
