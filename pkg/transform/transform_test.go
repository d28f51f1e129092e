package transform_test

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brindlebox/rawproxy/pkg/packet"
	"github.com/brindlebox/rawproxy/pkg/transform"
)

func newRequest(t *testing.T, raw string) *packet.Request {
	t.Helper()
	req, err := packet.ParseRequest([]byte(raw))
	require.NoError(t, err)
	return req
}

func TestImageSubstitutionRewritesMatchingExtension(t *testing.T) {
	tr := transform.NewImageSubstitution("replacement.test", "/placeholder.png")
	req := newRequest(t, "GET /photo.jpg HTTP/1.1\r\nHost: a.test\r\n")

	tr.Incoming(req)

	assert.Equal(t, "/placeholder.png", req.URL)
	host, ok := req.Headers.Get("Host")
	require.True(t, ok)
	assert.Equal(t, "replacement.test", host)
}

func TestImageSubstitutionIgnoresNonImage(t *testing.T) {
	tr := transform.NewImageSubstitution("replacement.test", "/placeholder.png")
	req := newRequest(t, "GET /index.html HTTP/1.1\r\nHost: a.test\r\n")

	tr.Incoming(req)

	assert.Equal(t, "/index.html", req.URL)
}

func TestImageSubstitutionIgnoresQueryString(t *testing.T) {
	tr := transform.NewImageSubstitution("replacement.test", "/placeholder.png")
	req := newRequest(t, "GET /render?fmt=png HTTP/1.1\r\nHost: a.test\r\n")

	tr.Incoming(req)

	assert.Equal(t, "/render?fmt=png", req.URL)
}

func TestBlockAndServeShortCircuitsAndRewritesResponse(t *testing.T) {
	tr := &transform.BlockAndServe{}
	req := newRequest(t, "GET /whatever HTTP/1.1\r\nHost: a.test\r\n")

	tr.Incoming(req)
	assert.False(t, req.ShouldForward)

	resp := packet.NewErrorResponse(418, "I'm a teapot")
	resp.Headers.Set("Content-Encoding", "gzip")

	tr.Outgoing(resp)

	assert.Equal(t, "200", resp.Code)
	assert.Equal(t, "OK", resp.Status)
	_, ok := resp.Headers.Get("Content-Encoding")
	assert.False(t, ok)
	cl, ok := resp.Headers.Get("Content-Length")
	require.True(t, ok)
	assert.Equal(t, strconv.Itoa(len(resp.Body)), cl)
}

func TestPipelineAppliesInOrder(t *testing.T) {
	var order []string
	first := recordingTransformer{name: "first", order: &order}
	second := recordingTransformer{name: "second", order: &order}

	p := transform.NewPipeline(&first, &second)
	req := newRequest(t, "GET /x HTTP/1.1\r\nHost: a.test\r\n")
	p.Incoming(req)

	assert.Equal(t, []string{"first", "second"}, order)
}

type recordingTransformer struct {
	name  string
	order *[]string
}

func (r *recordingTransformer) Incoming(req *packet.Request) {
	*r.order = append(*r.order, r.name)
}

func (r *recordingTransformer) Outgoing(resp *packet.Response) {}
