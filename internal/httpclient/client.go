// Package httpclient builds the outbound transport the dispatch engine
// issues upstream calls through: connection pooling tuned like the
// teacher's, an optional forward proxy, an optional uTLS fingerprinted
// handshake, and response-body decompression across every encoding the
// upstream may return.
package httpclient

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
)

// Options configures the built client. The zero value is a reasonable
// pooled client with no proxy and the standard Go TLS stack.
type Options struct {
	// ProxyURL, when set, routes every outbound request through this
	// forward proxy.
	ProxyURL string
	// FingerprintTLS, when true, performs the TLS handshake with a uTLS
	// Chrome client-hello fingerprint instead of Go's own, for upstreams
	// that fingerprint-gate their TLS stack.
	FingerprintTLS bool
	// Timeout bounds the whole round trip. Zero means no client-level
	// timeout; callers are expected to bound calls via context instead.
	Timeout time.Duration
}

// New builds an *http.Client per opts.
func New(opts Options) (*http.Client, error) {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	if opts.ProxyURL != "" {
		u, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("httpclient: parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}

	if opts.FingerprintTLS {
		transport.DialTLSContext = dialFingerprintedTLS
		if err := http2.ConfigureTransport(transport); err != nil {
			return nil, fmt.Errorf("httpclient: configure http2: %w", err)
		}
	}

	return &http.Client{Transport: transport, Timeout: opts.Timeout}, nil
}

// dialFingerprintedTLS dials addr and performs a uTLS handshake using a
// Chrome client-hello, for upstreams that behave differently toward Go's
// native TLS fingerprint.
func dialFingerprintedTLS(ctx context.Context, network, addr string) (net.Conn, error) {
	rawConn, err := (&net.Dialer{}).DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	uconn := utls.UClient(rawConn, &utls.Config{ServerName: host}, utls.HelloChrome_Auto)
	if err := uconn.HandshakeContext(ctx); err != nil {
		_ = rawConn.Close()
		return nil, fmt.Errorf("httpclient: utls handshake: %w", err)
	}
	return uconn, nil
}

// compositeReadCloser chains a decoder's Close with the underlying body's
// Close so callers only ever need to close the returned reader once.
type compositeReadCloser struct {
	io.Reader
	closers []func() error
}

func (c *compositeReadCloser) Close() error {
	var firstErr error
	for _, closer := range c.closers {
		if closer == nil {
			continue
		}
		if err := closer(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DecodeResponseBody wraps body in a decompressing reader according to
// contentEncoding (as found on the upstream response's Content-Encoding
// header), supporting a comma-separated encoding chain same as the
// teacher's decoder. An unrecognized encoding is treated as identity.
func DecodeResponseBody(body io.ReadCloser, contentEncoding string) (io.ReadCloser, error) {
	if body == nil {
		return nil, fmt.Errorf("httpclient: response body is nil")
	}
	if contentEncoding == "" {
		return body, nil
	}

	for _, raw := range strings.Split(contentEncoding, ",") {
		switch strings.TrimSpace(strings.ToLower(raw)) {
		case "", "identity":
			continue
		case "gzip":
			gzipReader, err := gzip.NewReader(body)
			if err != nil {
				_ = body.Close()
				return nil, fmt.Errorf("httpclient: gzip reader: %w", err)
			}
			return &compositeReadCloser{
				Reader:  gzipReader,
				closers: []func() error{gzipReader.Close, body.Close},
			}, nil
		case "deflate":
			deflateReader := flate.NewReader(body)
			return &compositeReadCloser{
				Reader:  deflateReader,
				closers: []func() error{deflateReader.Close, body.Close},
			}, nil
		case "br":
			return &compositeReadCloser{
				Reader:  brotli.NewReader(body),
				closers: []func() error{body.Close},
			}, nil
		case "zstd":
			decoder, err := zstd.NewReader(body)
			if err != nil {
				_ = body.Close()
				return nil, fmt.Errorf("httpclient: zstd reader: %w", err)
			}
			return &compositeReadCloser{
				Reader:  decoder,
				closers: []func() error{func() error { decoder.Close(); return nil }, body.Close},
			}, nil
		default:
			continue
		}
	}
	return body, nil
}
