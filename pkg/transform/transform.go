// Package transform implements the installable request/response rewriting
// pipeline: an ordered list of Transformers, each given a chance to mutate
// a request on ingress and a response on egress.
package transform

import (
	"strings"

	"github.com/brindlebox/rawproxy/pkg/packet"
)

// Transformer mutates a request on its way to the upstream and a response
// on its way back to the client. Incoming may clear req.ShouldForward to
// short-circuit the upstream fetch entirely. Implementations that mutate a
// body must call Packet.SetContent so Content-Length stays accurate.
type Transformer interface {
	Incoming(req *packet.Request)
	Outgoing(resp *packet.Response)
}

// Pipeline applies an ordered list of Transformers.
type Pipeline struct {
	transformers []Transformer
}

// NewPipeline builds a Pipeline from the given transformers, applied in
// the order given on ingress and the same order on egress.
func NewPipeline(transformers ...Transformer) *Pipeline {
	return &Pipeline{transformers: transformers}
}

// Incoming runs every transformer's Incoming hook left-to-right.
func (p *Pipeline) Incoming(req *packet.Request) {
	for _, t := range p.transformers {
		t.Incoming(req)
	}
}

// Outgoing runs every transformer's Outgoing hook left-to-right.
func (p *Pipeline) Outgoing(resp *packet.Response) {
	for _, t := range p.transformers {
		t.Outgoing(resp)
	}
}

// imageExtensions is the set of URL suffixes ImageSubstitution rewrites.
var imageExtensions = map[string]bool{
	"png": true, "jpeg": true, "jpg": true, "ico": true, "gif": true,
}

// ImageSubstitution rewrites any request for an image resource to a fixed
// replacement image URL, substituting both the request line's URL and the
// Host header so the worker's host/port resolution follows the rewrite.
type ImageSubstitution struct {
	ReplacementURL  string
	ReplacementHost string
}

// NewImageSubstitution builds an ImageSubstitution targeting replacementURL
// on replacementHost.
func NewImageSubstitution(replacementHost, replacementURL string) *ImageSubstitution {
	return &ImageSubstitution{ReplacementHost: replacementHost, ReplacementURL: replacementURL}
}

func (t *ImageSubstitution) Incoming(req *packet.Request) {
	ext := lastExtension(req.URL)
	if !imageExtensions[ext] {
		return
	}
	req.URL = t.ReplacementURL
	req.Headers.Set("Host", t.ReplacementHost)
}

func (t *ImageSubstitution) Outgoing(resp *packet.Response) {}

// lastExtension returns the lowercase text after the last dot in the URL,
// ignoring any query string or fragment; it is empty when the URL has no
// dot or ends in one. The dot is not restricted to the final path segment.
func lastExtension(url string) string {
	if idx := strings.IndexAny(url, "?#"); idx >= 0 {
		url = url[:idx]
	}
	idx := strings.LastIndexByte(url, '.')
	if idx < 0 || idx == len(url)-1 {
		return ""
	}
	return strings.ToLower(url[idx+1:])
}

const blockedBody = `<!DOCTYPE html>
<html lang="en">
  <head>
    <title>Blocked</title>
  </head>
  <body>
    <h1>This request was intercepted.</h1>
  </body>
</html>
`

// BlockAndServe unconditionally short-circuits every request, replacing
// whatever placeholder response the worker built with a canned 200 OK
// HTML page and stripping Content-Encoding (the placeholder body is never
// compressed, so an inherited encoding header would mislead the client).
type BlockAndServe struct{}

func (t *BlockAndServe) Incoming(req *packet.Request) {
	req.ShouldForward = false
}

func (t *BlockAndServe) Outgoing(resp *packet.Response) {
	resp.Code = "200"
	resp.Status = "OK"
	resp.Headers.Del("Content-Encoding")
	resp.SetContent([]byte(blockedBody))
	resp.Headers.Set("Content-Type", "text/html")
}
