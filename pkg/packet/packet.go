// Package packet implements the HTTP/1.1 framing codec: parsing a message
// head into a Packet, re-encoding a Packet back onto the wire, and the two
// concrete Packet shapes (Request, Response) the rest of the proxy works
// with.
//
// Nothing in this package touches a socket; it operates purely on bytes
// already collected by pkg/framing.
package packet

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"

	proxyerrors "github.com/brindlebox/rawproxy/pkg/errors"
)

// header is one key/value pair in insertion order. Packet preserves the
// order headers were parsed in (or inserted in, for synthesized packets)
// so re-encoding reproduces the original layout; a later Set of the same
// key (case-sensitive, last-wins per spec) overwrites the value in place
// rather than appending a duplicate.
type header struct {
	key   string
	value string
}

// Headers is an ordered, case-preserving map with overwrite-on-insert
// semantics: setting an existing key updates its value in place, it does
// not append a duplicate entry.
type Headers struct {
	entries []header
	index   map[string]int
}

// NewHeaders returns an empty, ready-to-use Headers.
func NewHeaders() *Headers {
	return &Headers{index: make(map[string]int)}
}

// Set inserts or overwrites a header, preserving first-seen order.
func (h *Headers) Set(key, value string) {
	if h.index == nil {
		h.index = make(map[string]int)
	}
	if i, ok := h.index[key]; ok {
		h.entries[i].value = value
		return
	}
	h.index[key] = len(h.entries)
	h.entries = append(h.entries, header{key: key, value: value})
}

// Get returns the header's value and whether it was present.
func (h *Headers) Get(key string) (string, bool) {
	if h.index == nil {
		return "", false
	}
	i, ok := h.index[key]
	if !ok {
		return "", false
	}
	return h.entries[i].value, true
}

// GetOr returns the header's value, or def if absent.
func (h *Headers) GetOr(key, def string) string {
	if v, ok := h.Get(key); ok {
		return v
	}
	return def
}

// Del removes a header if present.
func (h *Headers) Del(key string) {
	if h.index == nil {
		return
	}
	i, ok := h.index[key]
	if !ok {
		return
	}
	h.entries = append(h.entries[:i], h.entries[i+1:]...)
	delete(h.index, key)
	for k, v := range h.index {
		if v > i {
			h.index[k] = v - 1
		}
	}
}

// Keys returns header names in insertion order.
func (h *Headers) Keys() []string {
	keys := make([]string, len(h.entries))
	for i, e := range h.entries {
		keys[i] = e.key
	}
	return keys
}

// Len reports how many distinct headers are set.
func (h *Headers) Len() int { return len(h.entries) }

// Clone returns a deep copy.
func (h *Headers) Clone() *Headers {
	c := NewHeaders()
	for _, e := range h.entries {
		c.Set(e.key, e.value)
	}
	return c
}

// Packet holds the fields shared by requests and responses.
type Packet struct {
	ProtocolLine string
	Headers      *Headers
	Body         []byte
}

// SetContent replaces the body and refreshes Content-Length, dropping the
// "chunked" token (and the header entirely if nothing else remains) from
// Transfer-Encoding — see spec.md §3: "after any set_content(b),
// Content-Length equals len(b) ... and the token chunked is removed from
// any Transfer-Encoding header".
func (p *Packet) SetContent(body []byte) {
	p.Body = body
	if te, ok := p.Headers.Get("Transfer-Encoding"); ok {
		var kept []string
		for _, tok := range strings.Split(te, ",") {
			tok = strings.TrimSpace(tok)
			if tok != "" && !strings.EqualFold(tok, "chunked") {
				kept = append(kept, tok)
			}
		}
		if len(kept) > 0 {
			p.Headers.Set("Transfer-Encoding", strings.Join(kept, ", "))
		} else {
			p.Headers.Del("Transfer-Encoding")
		}
	}
	p.Headers.Set("Content-Length", strconv.Itoa(len(body)))
}

// encode writes protocolLine CRLF (header CRLF)* CRLF body.
func encode(protocolLine string, h *Headers, body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(protocolLine)
	buf.WriteString("\r\n")
	for _, e := range h.entries {
		buf.WriteString(e.key)
		buf.WriteString(": ")
		buf.WriteString(e.value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes()
}

// parseHead splits raw head bytes (without the trailing CRLFCRLF) into a
// protocol line and an ordered Headers, validating each header field name
// with golang.org/x/net/http/httpguts — the teacher's own direct
// dependency, repurposed here from TLS/SOCKS5 dialing to header hygiene
// (see DESIGN.md).
func parseHead(head []byte) (protocolLine string, headers *Headers, err error) {
	lines := strings.Split(string(head), "\r\n")
	if len(lines) == 0 || lines[0] == "" {
		return "", nil, fmt.Errorf("empty protocol line")
	}
	protocolLine = lines[0]
	headers = NewHeaders()
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		idx := strings.Index(line, ": ")
		if idx < 0 {
			return "", nil, fmt.Errorf("malformed header line %q", line)
		}
		key, value := line[:idx], line[idx+2:]
		if !httpguts.ValidHeaderFieldName(key) {
			return "", nil, fmt.Errorf("invalid header field name %q", key)
		}
		headers.Set(key, value)
	}
	return protocolLine, headers, nil
}

// Request is an HTTP request packet.
type Request struct {
	Packet
	Method        string
	URL           string
	Version       string
	ShouldForward bool
}

// ParseRequest parses a request head into a Request. A malformed head maps
// to BadRequest (spec.md §4.1).
func ParseRequest(head []byte) (*Request, error) {
	protocolLine, headers, err := parseHead(head)
	if err != nil {
		return nil, proxyerrors.BadRequest("parse_request_head", err)
	}
	parts := strings.Split(protocolLine, " ")
	if len(parts) != 3 {
		return nil, proxyerrors.BadRequest("parse_request_line", fmt.Errorf("malformed request line %q", protocolLine))
	}
	return &Request{
		Packet:        Packet{ProtocolLine: protocolLine, Headers: headers},
		Method:        parts[0],
		URL:           parts[1],
		Version:       parts[2],
		ShouldForward: true,
	}, nil
}

var allowedMethods = map[string]bool{
	"HEAD": true, "GET": true, "PUT": true, "POST": true, "DELETE": true,
}

// Validate enforces spec.md §4.1's request-validate rules, in order:
// Host presence/substring match, supported version, whitelisted method.
func (r *Request) Validate() *proxyerrors.Error {
	host, ok := r.Headers.Get("Host")
	if !ok || !strings.Contains(r.URL, host) {
		return proxyerrors.New(proxyerrors.KindBadRequest, "validate_host", "missing or mismatched Host header")
	}
	if r.Version != "HTTP/1.1" && r.Version != "HTTP/1.0" {
		return proxyerrors.VersionNotSupported("validate_version")
	}
	if !allowedMethods[r.Method] {
		return proxyerrors.MethodNotAllowed("validate_method")
	}
	return nil
}

// HostPort resolves the upstream (host, port) per spec.md §4.1: split the
// Host header on its first colon if present (the suffix must be an
// unsigned decimal port), otherwise default to 443 if the URL begins with
// the literal ASCII "https", else 80.
func (r *Request) HostPort() (host string, port int, err *proxyerrors.Error) {
	hostHeader, _ := r.Headers.Get("Host")
	if idx := strings.IndexByte(hostHeader, ':'); idx >= 0 {
		portStr := hostHeader[idx+1:]
		p, convErr := strconv.ParseUint(portStr, 10, 32)
		if convErr != nil {
			return "", 0, proxyerrors.BadRequest("parse_host_port", convErr)
		}
		return hostHeader[:idx], int(p), nil
	}
	if strings.HasPrefix(r.URL, "https") {
		return hostHeader, 443, nil
	}
	return hostHeader, 80, nil
}

// Encode rebuilds "METHOD URL VERSION" from the current field values, so a
// transformer that rewrites URL/Method/Version is reflected on re-encode
// without needing to also poke ProtocolLine directly.
func (r *Request) Encode() []byte {
	line := r.Method + " " + r.URL + " " + r.Version
	return encode(line, r.Headers, r.Body)
}

// Response is an HTTP response packet.
type Response struct {
	Packet
	Version string
	Code    string
	Status  string
}

// ParseResponse parses a response head into a Response. A malformed head
// maps to InternalServerError (spec.md §4.1: "a malformed upstream
// response is our bug from the client's perspective"); the worker
// overrides this to BadGateway at the layer that actually knows it came
// from upstream.
func ParseResponse(head []byte) (*Response, error) {
	protocolLine, headers, err := parseHead(head)
	if err != nil {
		return nil, proxyerrors.Internal("parse_response_head", err)
	}
	parts := strings.SplitN(protocolLine, " ", 3)
	if len(parts) != 3 {
		return nil, proxyerrors.Internal("parse_response_line", fmt.Errorf("malformed status line %q", protocolLine))
	}
	return &Response{
		Packet:  Packet{ProtocolLine: protocolLine, Headers: headers},
		Version: parts[0],
		Code:    parts[1],
		Status:  parts[2],
	}, nil
}

// Encode rebuilds "VERSION CODE STATUS" from the current field values.
func (r *Response) Encode() []byte {
	line := r.Version + " " + r.Code + " " + r.Status
	return encode(line, r.Headers, r.Body)
}

// BodySize reports the payload size the worker charges to telemetry.
func (r *Response) BodySize() int {
	return len(r.Body)
}

const errorBodyTemplate = `<!DOCTYPE html>
<html lang="en">
  <head>
    <title>%d - %s</title>
  </head>
  <body>
    <h1>%d - %s</h1>
  </body>
</html>
`

// NewErrorResponse builds the fixed error response of spec.md §3: HTML
// body, Content-Type: text/html, Connection: close, and a synthesized
// RFC-1123 Date header.
func NewErrorResponse(code int, reason string) *Response {
	body := []byte(fmt.Sprintf(errorBodyTemplate, code, reason, code, reason))
	h := NewHeaders()
	h.Set("Content-Type", "text/html")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("Connection", "close")
	h.Set("Date", time.Now().UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT"))
	return &Response{
		Packet:  Packet{ProtocolLine: fmt.Sprintf("HTTP/1.1 %d %s", code, reason), Headers: h, Body: body},
		Version: "HTTP/1.1",
		Code:    strconv.Itoa(code),
		Status:  reason,
	}
}

// NewErrorResponseFromError builds an error response from a proxy error.
func NewErrorResponseFromError(err *proxyerrors.Error) *Response {
	return NewErrorResponse(err.Status(), err.Reason())
}
