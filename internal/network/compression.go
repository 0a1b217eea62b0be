package network

import (
	"bufio"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// AcceptEncoding is advertised when the caller sets none.
const AcceptEncoding = "gzip, deflate, br"

type decoderFunc func(io.Reader) (io.ReadCloser, error)

// decoders maps a Content-Encoding token to its reader.
var decoders = map[string]decoderFunc{
	"gzip":    func(r io.Reader) (io.ReadCloser, error) { return gzip.NewReader(r) },
	"x-gzip":  func(r io.Reader) (io.ReadCloser, error) { return gzip.NewReader(r) },
	"deflate": func(r io.Reader) (io.ReadCloser, error) { return zlib.NewReader(r) },
	"br":      func(r io.Reader) (io.ReadCloser, error) { return io.NopCloser(brotli.NewReader(r)), nil },
}

// Decompressor is a RoundTripper that negotiates compression and hands the
// caller a decoded body. The inner transport must have DisableCompression set.
type Decompressor struct {
	next http.RoundTripper
}

// NewDecompressor wraps next, defaulting to http.DefaultTransport.
func NewDecompressor(next http.RoundTripper) *Decompressor {
	if next == nil {
		next = http.DefaultTransport
	}
	return &Decompressor{next: next}
}

// RoundTrip implements http.RoundTripper.
func (d *Decompressor) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", AcceptEncoding)
	}

	resp, err := d.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if err := Decode(resp); err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("decode response body: %w", err)
	}
	return resp, nil
}

// CloseIdleConnections forwards to the wrapped transport.
func (d *Decompressor) CloseIdleConnections() {
	if c, ok := d.next.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
}

// Decode replaces resp.Body with a reader that undoes every listed
// Content-Encoding, last applied first. Unknown encodings are an error.
func Decode(resp *http.Response) error {
	if resp == nil || resp.Body == nil {
		return nil
	}
	tokens := encodingTokens(resp.Header.Get("Content-Encoding"))
	if len(tokens) == 0 {
		return nil
	}
	if bodyless(resp) {
		resp.Header.Del("Content-Encoding")
		return nil
	}

	// An empty body is valid whatever the header says.
	buffered := bufio.NewReader(resp.Body)
	if _, err := buffered.Peek(1); errors.Is(err, io.EOF) {
		resp.Header.Del("Content-Encoding")
		return nil
	}

	body := &decodedBody{Reader: buffered, closers: []io.Closer{resp.Body}}
	for i := len(tokens) - 1; i >= 0; i-- {
		decode, ok := decoders[tokens[i]]
		if !ok {
			return fmt.Errorf("unsupported Content-Encoding: %s", tokens[i])
		}
		r, err := decode(body.Reader)
		if err != nil {
			return fmt.Errorf("%s: %w", tokens[i], err)
		}
		body.Reader = r
		body.closers = append(body.closers, r)
	}

	resp.Body = body
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

// bodyless reports responses that never carry a body.
func bodyless(resp *http.Response) bool {
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotModified {
		return true
	}
	return resp.Request != nil && resp.Request.Method == http.MethodHead
}

func encodingTokens(header string) []string {
	var tokens []string
	for _, t := range strings.Split(header, ",") {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" && t != "identity" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// decodedBody reads from the outermost decoder and closes the whole chain,
// outermost first.
type decodedBody struct {
	io.Reader
	closers []io.Closer
}

func (b *decodedBody) Close() error {
	var first error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
