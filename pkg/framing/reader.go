// Package framing reads a complete HTTP/1.x message off a byte stream and
// hands the raw head/body bytes to pkg/packet for parsing. It knows nothing
// about requests vs. responses beyond the two entry points below; the
// Content-Length and chunked body framing rules are the same for either
// direction, while reading a body until close applies only to responses,
// and only when the caller asks for it.
package framing

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/valyala/bytebufferpool"

	proxyerrors "github.com/brindlebox/rawproxy/pkg/errors"
	"github.com/brindlebox/rawproxy/pkg/packet"
)

// headPool backs the incremental accumulation buffer used while scanning
// for the blank line that ends a message head, so repeated reads on a
// keep-alive connection reuse one growable slice instead of allocating a
// fresh one (and re-`append`ing onto it) per request.
var headPool bytebufferpool.Pool

// ReadRequest reads one full request (head plus body) from r.
func ReadRequest(r *bufio.Reader) (*packet.Request, error) {
	head, err := readHead(r)
	if err != nil {
		return nil, err
	}
	req, err := packet.ParseRequest(head)
	if err != nil {
		return nil, err
	}
	body, err := readBody(r, req.Headers, false)
	if err != nil {
		return nil, err
	}
	req.Body = body
	return req, nil
}

// ReadResponse reads one full response (head plus body) from r. closeDelimited
// tells the body reader whether "no Content-Length, no chunked" means the
// body runs until EOF (only valid when the caller knows the connection will
// be closed after this message, per spec.md §4.2's "read-until-close" case).
func ReadResponse(r *bufio.Reader, closeDelimited bool) (*packet.Response, error) {
	head, err := readHead(r)
	if err != nil {
		return nil, err
	}
	resp, err := packet.ParseResponse(head)
	if err != nil {
		return nil, err
	}
	body, err := readBody(r, resp.Headers, closeDelimited)
	if err != nil {
		return nil, err
	}
	resp.Body = body
	return resp, nil
}

// readHead reads r line by line (via bufio.Reader.ReadString, which never
// over-consumes past a delimiter it's asked for) until it hits the blank
// line that ends a message head, accumulating the lines read so far into a
// pooled buffer. Using ReadString instead of raw chunked Read calls matters
// here: the latter would pull bytes belonging to the body (or the next
// pipelined request) off the wire with nowhere to put them back. Socket
// errors (timeouts included) propagate untranslated, per spec.md §4.2: the
// framed reader does not distinguish a timeout from any other read error,
// leaving that to the caller.
func readHead(r *bufio.Reader) ([]byte, error) {
	buf := headPool.Get()
	defer headPool.Put(buf)

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		if line == "\r\n" || line == "\n" {
			head := make([]byte, buf.Len())
			copy(head, buf.B)
			return head, nil
		}
		buf.WriteString(line)
		if buf.Len() >= maxHeadBytes() {
			return nil, proxyerrors.BadRequest("read_head", errHeadTooLarge)
		}
	}
}

// readBody consumes the body per spec.md §4.2: Content-Length bytes when
// present; else decode (not re-encode) a chunked transfer when
// Transfer-Encoding says chunked; else nothing, unless closeDelimited says
// to read until EOF.
func readBody(r *bufio.Reader, h *packet.Headers, closeDelimited bool) ([]byte, error) {
	if cl, ok := h.Get("Content-Length"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(cl))
		if err != nil || n < 0 {
			return nil, proxyerrors.BadRequest("parse_content_length", errBadContentLength)
		}
		if n == 0 {
			return nil, nil
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
		return body, nil
	}
	if te, ok := h.Get("Transfer-Encoding"); ok && containsChunked(te) {
		return readChunkedBody(r)
	}
	if closeDelimited {
		return io.ReadAll(r)
	}
	return nil, nil
}

func containsChunked(te string) bool {
	for _, tok := range strings.Split(te, ",") {
		if strings.EqualFold(strings.TrimSpace(tok), "chunked") {
			return true
		}
	}
	return false
}

// readChunkedBody decodes a chunked-transfer body into its raw bytes,
// discarding chunk-size lines, chunk-extensions, and any trailer headers
// after the terminating zero-size chunk. The proxy never re-emits chunked
// framing on the wire: SetContent always installs a Content-Length.
func readChunkedBody(r *bufio.Reader) ([]byte, error) {
	var out []byte
	for {
		sizeLine, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		sizeLine = strings.TrimRight(sizeLine, "\r\n")
		if idx := strings.IndexByte(sizeLine, ';'); idx >= 0 {
			sizeLine = sizeLine[:idx]
		}
		size, err := strconv.ParseInt(strings.TrimSpace(sizeLine), 16, 64)
		if err != nil || size < 0 {
			return nil, proxyerrors.BadRequest("parse_chunk_size", errBadChunkSize)
		}
		if size == 0 {
			if err := discardTrailers(r); err != nil {
				return nil, err
			}
			return out, nil
		}
		chunk := make([]byte, size)
		if _, err := io.ReadFull(r, chunk); err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		if err := discardCRLF(r); err != nil {
			return nil, err
		}
	}
}

// discardTrailers reads trailer header lines (if any) up to the blank line
// that ends the chunked body; the proxy does not surface trailers.
func discardTrailers(r *bufio.Reader) error {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return err
		}
		if line == "\r\n" || line == "\n" {
			return nil
		}
	}
}

// discardCRLF consumes the CRLF that follows each chunk's data.
func discardCRLF(r *bufio.Reader) error {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		if b == '\n' {
			return nil
		}
	}
}
