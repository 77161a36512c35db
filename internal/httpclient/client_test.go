package httpclient

import (
	"bytes"
	"compress/gzip"
	"io"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/require"
)

func TestNew_PlainOptionsBuildsClient(t *testing.T) {
	client, err := New(Options{})
	require.NoError(t, err)
	require.NotNil(t, client.Transport)
}

func TestNew_InvalidProxyURLErrors(t *testing.T) {
	_, err := New(Options{ProxyURL: "://not-a-url"})
	require.Error(t, err)
}

func TestDecodeResponseBody_Gzip(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte("hello gzip"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	decoded, err := DecodeResponseBody(io.NopCloser(&buf), "gzip")
	require.NoError(t, err)
	defer decoded.Close()

	content, err := io.ReadAll(decoded)
	require.NoError(t, err)
	require.Equal(t, "hello gzip", string(content))
}

func TestDecodeResponseBody_Brotli(t *testing.T) {
	var buf bytes.Buffer
	bw := brotli.NewWriter(&buf)
	_, err := bw.Write([]byte("hello brotli"))
	require.NoError(t, err)
	require.NoError(t, bw.Close())

	decoded, err := DecodeResponseBody(io.NopCloser(&buf), "br")
	require.NoError(t, err)
	defer decoded.Close()

	content, err := io.ReadAll(decoded)
	require.NoError(t, err)
	require.Equal(t, "hello brotli", string(content))
}

func TestDecodeResponseBody_IdentityPassesThrough(t *testing.T) {
	decoded, err := DecodeResponseBody(io.NopCloser(bytes.NewBufferString("plain")), "")
	require.NoError(t, err)

	content, err := io.ReadAll(decoded)
	require.NoError(t, err)
	require.Equal(t, "plain", string(content))
}

func TestDecodeResponseBody_NilBodyErrors(t *testing.T) {
	_, err := DecodeResponseBody(nil, "gzip")
	require.Error(t, err)
}
