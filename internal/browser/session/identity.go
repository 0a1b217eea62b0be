package session

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoattend/internal/network"
)

// Browser identity sent with every request. The values mirror a stock Chrome
// on Windows so the portal serves the same pages it serves to people.
const (
	DefaultUserAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/92.0.4515.159 Safari/537.36"
	DefaultAccept         = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,application/json,text/javascript,*/*;q=0.8,application/signed-exchange;v=b3;q=0.9"
	DefaultAcceptLanguage = "en-US,en;q=0.9"
	DefaultAcceptEncoding = network.AcceptEncoding
)

// DefaultHeaders builds the fixed header set. An empty userAgent selects DefaultUserAgent.
func DefaultHeaders(userAgent string) http.Header {
	if strings.TrimSpace(userAgent) == "" {
		userAgent = DefaultUserAgent
	}
	h := http.Header{}
	h.Set("Connection", "keep-alive")
	h.Set("Cache-Control", "max-age=0")
	h.Set("User-Agent", userAgent)
	h.Set("Accept", DefaultAccept)
	h.Set("Accept-Encoding", DefaultAcceptEncoding)
	h.Set("Accept-Language", DefaultAcceptLanguage)
	return h
}

// Identity is the RoundTripper that carries one client identity: a header set
// fixed at construction and a single cookie. The cookie is replaced outright
// by the first Set-Cookie of any 2xx response; values are never merged.
type Identity struct {
	next    http.RoundTripper
	headers http.Header
	logger  *zap.Logger

	mu     sync.RWMutex
	cookie string
}

// NewIdentity wraps next. The header map is copied.
func NewIdentity(next http.RoundTripper, headers http.Header, logger *zap.Logger) *Identity {
	if next == nil {
		next = http.DefaultTransport
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Identity{
		next:    next,
		headers: headers.Clone(),
		logger:  logger,
	}
}

// RoundTrip stamps the identity onto the request and records any new cookie.
func (id *Identity) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	for key, values := range id.headers {
		if out.Header.Get(key) == "" {
			out.Header[key] = append([]string(nil), values...)
		}
	}
	if cookie := id.Cookie(); cookie != "" {
		out.Header.Set("Cookie", cookie)
	}

	start := time.Now()
	resp, err := id.next.RoundTrip(out)
	if err != nil {
		return nil, err
	}
	id.logger.Debug("Exchange completed",
		zap.String("method", out.Method),
		zap.String("url", out.URL.String()),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if isSuccess(resp.StatusCode) {
		if values := resp.Header.Values("Set-Cookie"); len(values) > 0 {
			pair, _, _ := strings.Cut(values[0], ";")
			id.setCookie(pair)
		}
	}
	return resp, nil
}

// CloseIdleConnections forwards to the wrapped transport.
func (id *Identity) CloseIdleConnections() {
	if c, ok := id.next.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
}

// Cookie returns the cookie currently presented to the server.
func (id *Identity) Cookie() string {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.cookie
}

func (id *Identity) setCookie(pair string) {
	id.mu.Lock()
	id.cookie = pair
	id.mu.Unlock()
	id.logger.Info("Setting cookie", zap.String("cookie", pair))
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}
