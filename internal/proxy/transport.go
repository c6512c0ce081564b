package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wudi/tiercache/internal/config"
)

// TransportConfig configures the HTTP transport to an origin.
type TransportConfig struct {
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	IdleConnTimeout       time.Duration
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	InsecureSkipVerify    bool
	CAFile                string
	Resolver              *net.Resolver // nil = default OS resolver
}

// DefaultTransportConfig provides default transport settings
var DefaultTransportConfig = TransportConfig{
	MaxIdleConns:        100,
	MaxIdleConnsPerHost: 10,
	IdleConnTimeout:     90 * time.Second,
	DialTimeout:         30 * time.Second,
	TLSHandshakeTimeout: 10 * time.Second,
}

// TransportConfigFrom applies the upstream section over the defaults.
func TransportConfigFrom(u config.UpstreamConfig) TransportConfig {
	cfg := DefaultTransportConfig
	if u.MaxIdleConnsPerHost > 0 {
		cfg.MaxIdleConnsPerHost = u.MaxIdleConnsPerHost
	}
	if u.DialTimeout > 0 {
		cfg.DialTimeout = u.DialTimeout
	}
	cfg.InsecureSkipVerify = u.InsecureSkipVerify
	cfg.CAFile = u.CAFile
	cfg.Resolver = NewResolver(u.Nameservers, cfg.DialTimeout)
	return cfg
}

// NewTransport creates an HTTP transport. A CA file that cannot be read is
// an error rather than a silent fallback to system roots.
func NewTransport(cfg TransportConfig) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
		Resolver:  cfg.Resolver,
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca_file %s holds no certificates", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		TLSClientConfig:       tlsConfig,
		ForceAttemptHTTP2:     true,
	}, nil
}

// TransportPool shares one transport per origin host across routes.
type TransportPool struct {
	mu         sync.Mutex
	cfg        TransportConfig
	transports map[string]*http.Transport
}

// NewTransportPool creates a pool building transports from cfg.
func NewTransportPool(cfg TransportConfig) *TransportPool {
	return &TransportPool{cfg: cfg, transports: make(map[string]*http.Transport)}
}

// Get returns the transport for host, creating it on first use.
func (tp *TransportPool) Get(host string) (*http.Transport, error) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if t, ok := tp.transports[host]; ok {
		return t, nil
	}
	t, err := NewTransport(tp.cfg)
	if err != nil {
		return nil, err
	}
	tp.transports[host] = t
	return t, nil
}

// CloseIdleConnections closes idle connections on all transports
func (tp *TransportPool) CloseIdleConnections() {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	for _, t := range tp.transports {
		t.CloseIdleConnections()
	}
}

// NewResolver returns a resolver that rotates through nameservers, or nil
// to use the system resolver when none are given.
func NewResolver(nameservers []string, timeout time.Duration) *net.Resolver {
	if len(nameservers) == 0 {
		return nil
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	var next atomic.Uint64
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, _, _ string) (net.Conn, error) {
			ns := nameservers[(next.Add(1)-1)%uint64(len(nameservers))]
			d := net.Dialer{Timeout: timeout}
			return d.DialContext(ctx, "udp", ns)
		},
	}
}
