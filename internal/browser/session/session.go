// Package session implements the portal-facing HTTP client. A Client owns one
// outbound identity (base URL, proxy, fixed headers, a single cookie) and
// exposes the three primitives the login flow needs: Get, GetToFile and Post.
//
// Failure policy: none of the primitives return errors. Transport failures and
// non-2xx statuses are logged and surface as an empty body or false, so the
// enclosing retry loop decides what to do next.
package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoattend/internal/network"
)

// Form is anything that can be sent as an urlencoded body. Both url.Values
// and form.Payload satisfy it.
type Form interface {
	Encode() string
}

// Client is the cookie-aware session engine.
type Client struct {
	baseURL  *url.URL
	http     *http.Client
	identity *Identity
	logger   *zap.Logger
}

// NewClient builds a Client rooted at baseURL. Proxy, timeouts and TLS come
// from netCfg; the header set is fixed here and never mutated afterwards.
func NewClient(baseURL string, netCfg *network.ClientConfig, userAgent string, logger *zap.Logger) (*Client, error) {
	base, err := parseBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if netCfg == nil {
		netCfg = network.NewDefaultClientConfig()
	}

	httpClient := network.NewClient(netCfg)
	identity := NewIdentity(httpClient.Transport, DefaultHeaders(userAgent), logger.Named("identity"))
	httpClient.Transport = identity

	logger.Debug("Session client initialized",
		zap.String("base_url", base.String()),
		zap.Duration("timeout", netCfg.RequestTimeout),
		zap.Bool("proxy", netCfg.ProxyURL != nil),
	)

	return &Client{
		baseURL:  base,
		http:     httpClient,
		identity: identity,
		logger:   logger,
	}, nil
}

// Cookie returns the single cookie currently held by the session.
func (c *Client) Cookie() string {
	return c.identity.Cookie()
}

// Get fetches baseURL+path and returns the body, or "" on any failure.
func (c *Client) Get(ctx context.Context, path string) string {
	c.logger.Info("Access source path", zap.String("path", path))
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		c.logger.Error("GET failed", zap.String("path", path), zap.Error(err))
		return ""
	}
	defer resp.Body.Close()

	c.logger.Info("Server responded", zap.String("path", path), zap.Int("status", resp.StatusCode))
	if !isSuccess(resp.StatusCode) {
		return ""
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Error("Reading response body failed", zap.String("path", path), zap.Error(err))
		return ""
	}
	return string(body)
}

// GetToFile streams baseURL+path into destPath, truncating any previous file.
// It reports whether the file exists afterwards.
func (c *Client) GetToFile(ctx context.Context, path, destPath string) bool {
	c.logger.Info("Access source path", zap.String("path", path), zap.String("dest", destPath))
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		c.logger.Error("Download failed", zap.String("path", path), zap.Error(err))
		return false
	}
	defer resp.Body.Close()

	c.logger.Info("Server responded", zap.String("path", path), zap.Int("status", resp.StatusCode))
	if !isSuccess(resp.StatusCode) {
		return false
	}
	if err := writeFile(destPath, resp.Body); err != nil {
		c.logger.Error("Saving response body failed", zap.String("path", path), zap.String("dest", destPath), zap.Error(err))
		return false
	}
	_, err = os.Stat(destPath)
	return err == nil
}

// Post urlencodes form, posts it to baseURL+path and returns the body
// verbatim whatever the status. Transport failures yield "".
func (c *Client) Post(ctx context.Context, path string, form Form) string {
	c.logger.Info("Access source path", zap.String("path", path))
	var encoded string
	if form != nil {
		encoded = form.Encode()
	}
	resp, err := c.do(ctx, http.MethodPost, path, strings.NewReader(encoded))
	if err != nil {
		c.logger.Error("POST failed", zap.String("path", path), zap.Error(err))
		return ""
	}
	defer resp.Body.Close()

	c.logger.Info("Server responded", zap.String("path", path), zap.Int("status", resp.StatusCode))
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Error("Reading response body failed", zap.String("path", path), zap.Error(err))
		return ""
	}
	c.logger.Debug("Post result", zap.String("path", path), zap.String("body", string(body)))
	return string(body)
}

// Close releases pooled connections. The client must not be used afterwards.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	target, err := c.resolve(path)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	return c.http.Do(req)
}

func (c *Client) resolve(path string) (string, error) {
	rel, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse path %q: %w", path, err)
	}
	return c.baseURL.ResolveReference(rel).String(), nil
}

// parseBaseURL normalizes the portal root so relative paths land beneath it.
func parseBaseURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("base url is empty")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse base url %q: %w", raw, err)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

func writeFile(destPath string, r io.Reader) error {
	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("copy body: %w", err)
	}
	return f.Close()
}
