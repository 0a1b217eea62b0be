package network

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/xkilldash9x/autoattend/internal/config"
)

// Defaults tuned for a single browser-like identity talking to one portal.
const (
	DefaultDialTimeout           = 15 * time.Second
	DefaultKeepAliveInterval     = 30 * time.Second
	DefaultTLSHandshakeTimeout   = 10 * time.Second
	DefaultResponseHeaderTimeout = 60 * time.Second
	DefaultRequestTimeout        = 2 * time.Minute

	DefaultMaxIdleConns        = 10
	DefaultMaxIdleConnsPerHost = 6
	DefaultIdleConnTimeout     = 90 * time.Second
)

// ClientConfig holds the configuration for the HTTP client and transport layers.
type ClientConfig struct {
	IgnoreTLSErrors bool
	TLSConfig       *tls.Config

	RequestTimeout        time.Duration
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration

	ForceHTTP2 bool

	// ProxyURL carries proxy credentials in its userinfo when set.
	ProxyURL *url.URL

	Logger *zap.Logger
}

// NewDefaultClientConfig creates a configuration with browser-like defaults.
func NewDefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		RequestTimeout:        DefaultRequestTimeout,
		DialTimeout:           DefaultDialTimeout,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeaderTimeout,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		Logger:                zap.NewNop(),
	}
}

// ClientConfigFrom maps the application's network section onto a ClientConfig.
func ClientConfigFrom(cfg config.NetworkConfig, logger *zap.Logger) (*ClientConfig, error) {
	cc := NewDefaultClientConfig()
	if logger != nil {
		cc.Logger = logger
	}
	if cfg.Timeout > 0 {
		cc.RequestTimeout = cfg.Timeout
	}
	cc.IgnoreTLSErrors = cfg.IgnoreTLSErrors
	cc.ForceHTTP2 = cfg.ForceHTTP2

	proxyURL, err := ProxyURL(cfg.Proxy)
	if err != nil {
		return nil, err
	}
	cc.ProxyURL = proxyURL
	return cc, nil
}

// ProxyURL builds the proxy URL, embedding credentials when a username is set.
// An empty proxy URL yields nil.
func ProxyURL(p config.ProxyConfig) (*url.URL, error) {
	raw := strings.TrimSpace(p.URL)
	if raw == "" {
		return nil, nil
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url %q: %w", p.URL, err)
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u, nil
}

// NewHTTPTransport creates and configures an http.Transport based on the provided configuration.
func NewHTTPTransport(cfg *ClientConfig) *http.Transport {
	if cfg == nil {
		cfg = NewDefaultClientConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: DefaultKeepAliveInterval,
	}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSClientConfig:       configureTLS(cfg),
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		// Decompression is done by Decompressor so brotli is covered too.
		DisableCompression: true,
		ForceAttemptHTTP2:  cfg.ForceHTTP2,
	}

	if cfg.ProxyURL != nil {
		transport.Proxy = http.ProxyURL(cfg.ProxyURL)
		cfg.Logger.Debug("Using proxy", zap.String("host", cfg.ProxyURL.Host), zap.String("user", cfg.ProxyURL.User.Username()))
	}

	if cfg.ForceHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			cfg.Logger.Warn("Failed to configure HTTP/2 transport, falling back to HTTP/1.1", zap.Error(err))
		}
	}

	return transport
}

// NewClient creates an http.Client whose transport decompresses responses.
// Redirects are followed like a browser would.
func NewClient(cfg *ClientConfig) *http.Client {
	if cfg == nil {
		cfg = NewDefaultClientConfig()
	}
	return &http.Client{
		Transport: NewDecompressor(NewHTTPTransport(cfg)),
		Timeout:   cfg.RequestTimeout,
	}
}

func configureTLS(cfg *ClientConfig) *tls.Config {
	var tlsConfig *tls.Config
	if cfg.TLSConfig != nil {
		tlsConfig = cfg.TLSConfig.Clone()
	} else {
		tlsConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			ClientSessionCache: tls.NewLRUClientSessionCache(32),
		}
	}
	tlsConfig.InsecureSkipVerify = cfg.IgnoreTLSErrors
	return tlsConfig
}
