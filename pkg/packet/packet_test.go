package packet_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	proxyerrors "github.com/brindlebox/rawproxy/pkg/errors"
	"github.com/brindlebox/rawproxy/pkg/packet"
)

func TestParseRequestRoundTrip(t *testing.T) {
	raw := "GET /x HTTP/1.1\r\nHost: a.test\r\nAccept: */*\r\n\r\n"
	req, err := packet.ParseRequest([]byte(strings.TrimSuffix(raw, "\r\n\r\n")))
	require.NoError(t, err)

	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/x", req.URL)
	assert.Equal(t, "HTTP/1.1", req.Version)
	assert.True(t, req.ShouldForward)

	host, ok := req.Headers.Get("Host")
	require.True(t, ok)
	assert.Equal(t, "a.test", host)

	req.SetContent([]byte("hello"))
	encoded := req.Encode()
	assert.Contains(t, string(encoded), "Content-Length: 5")
	assert.True(t, strings.HasSuffix(string(encoded), "hello"))
}

func TestSetContentDropsChunkedToken(t *testing.T) {
	req, err := packet.ParseRequest([]byte("POST / HTTP/1.1\r\nHost: a.test\r\nTransfer-Encoding: gzip, chunked\r\n"))
	require.NoError(t, err)

	req.SetContent([]byte("abc"))

	te, ok := req.Headers.Get("Transfer-Encoding")
	require.True(t, ok)
	assert.Equal(t, "gzip", te)

	cl, ok := req.Headers.Get("Content-Length")
	require.True(t, ok)
	assert.Equal(t, "3", cl)
}

func TestSetContentRemovesTransferEncodingWhenOnlyChunked(t *testing.T) {
	resp, err := packet.ParseResponse([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n"))
	require.NoError(t, err)

	resp.SetContent([]byte("hello"))

	_, ok := resp.Headers.Get("Transfer-Encoding")
	assert.False(t, ok)
}

func TestRequestValidateMismatchedHost(t *testing.T) {
	req, err := packet.ParseRequest([]byte("GET http://a.test/ HTTP/1.1\r\nHost: b.test\r\n"))
	require.NoError(t, err)

	verr := req.Validate()
	require.NotNil(t, verr)
	assert.Equal(t, proxyerrors.KindBadRequest, verr.Kind)
	assert.Equal(t, 400, verr.Status())
}

func TestRequestValidateBadVersion(t *testing.T) {
	req, err := packet.ParseRequest([]byte("GET /a.test/ HTTP/2.0\r\nHost: a.test\r\n"))
	require.NoError(t, err)

	verr := req.Validate()
	require.NotNil(t, verr)
	assert.Equal(t, proxyerrors.KindVersionNotSupported, verr.Kind)
}

func TestRequestValidateBadMethod(t *testing.T) {
	req, err := packet.ParseRequest([]byte("PATCH /a.test/ HTTP/1.1\r\nHost: a.test\r\n"))
	require.NoError(t, err)

	verr := req.Validate()
	require.NotNil(t, verr)
	assert.Equal(t, proxyerrors.KindMethodNotAllowed, verr.Kind)
}

func TestHostPortWithExplicitPort(t *testing.T) {
	req, err := packet.ParseRequest([]byte("GET /a.test:8443/ HTTP/1.1\r\nHost: a.test:8443\r\n"))
	require.NoError(t, err)

	host, port, verr := req.HostPort()
	require.Nil(t, verr)
	assert.Equal(t, "a.test", host)
	assert.Equal(t, 8443, port)
}

func TestHostPortDefaultsHTTPS(t *testing.T) {
	req, err := packet.ParseRequest([]byte("GET https://a.test/ HTTP/1.1\r\nHost: a.test\r\n"))
	require.NoError(t, err)

	host, port, verr := req.HostPort()
	require.Nil(t, verr)
	assert.Equal(t, "a.test", host)
	assert.Equal(t, 443, port)
}

func TestHostPortDefaultsHTTP(t *testing.T) {
	req, err := packet.ParseRequest([]byte("GET /a.test/ HTTP/1.1\r\nHost: a.test\r\n"))
	require.NoError(t, err)

	_, port, verr := req.HostPort()
	require.Nil(t, verr)
	assert.Equal(t, 80, port)
}

func TestHostPortBadPort(t *testing.T) {
	req, err := packet.ParseRequest([]byte("GET /a.test:x/ HTTP/1.1\r\nHost: a.test:x\r\n"))
	require.NoError(t, err)

	_, _, verr := req.HostPort()
	require.NotNil(t, verr)
	assert.Equal(t, proxyerrors.KindBadRequest, verr.Kind)
}

func TestParseResponseRoundTrip(t *testing.T) {
	resp, err := packet.ParseResponse([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n"))
	require.NoError(t, err)
	resp.Body = []byte("hello")

	encoded := resp.Encode()
	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello", string(encoded))
}

func TestParseRequestMalformedHead(t *testing.T) {
	_, err := packet.ParseRequest([]byte("not a request line at all"))
	require.Error(t, err)
	perr, ok := proxyerrors.AsError(err)
	require.True(t, ok)
	assert.Equal(t, proxyerrors.KindBadRequest, perr.Kind)
}

func TestParseResponseMalformedHead(t *testing.T) {
	_, err := packet.ParseResponse([]byte("garbage"))
	require.Error(t, err)
	perr, ok := proxyerrors.AsError(err)
	require.True(t, ok)
	assert.Equal(t, proxyerrors.KindInternal, perr.Kind)
}

func TestNewErrorResponse(t *testing.T) {
	resp := packet.NewErrorResponse(400, "Bad Request")
	assert.Equal(t, "400", resp.Code)
	assert.Equal(t, "Bad Request", resp.Status)

	connection, ok := resp.Headers.Get("Connection")
	require.True(t, ok)
	assert.Equal(t, "close", connection)

	_, ok = resp.Headers.Get("Date")
	assert.True(t, ok)

	encoded := string(resp.Encode())
	assert.Contains(t, encoded, "400 - Bad Request")
	assert.Contains(t, encoded, "Content-Type: text/html")
}

func TestHeadersOverwriteLastWins(t *testing.T) {
	h := packet.NewHeaders()
	h.Set("X-A", "1")
	h.Set("X-B", "2")
	h.Set("X-A", "3")

	assert.Equal(t, []string{"X-A", "X-B"}, h.Keys())
	v, ok := h.Get("X-A")
	require.True(t, ok)
	assert.Equal(t, "3", v)
}
