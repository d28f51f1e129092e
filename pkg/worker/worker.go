// Package worker implements the per-client proxy worker state machine:
// one instance per accepted connection, driving the keep-alive loop of
// parse, transform, forward, transform, reply described in spec.md §4.6.
//
// Grounded on original_source/modules/tasks.py's ProxyTask, restructured
// around explicit *proxyerrors.Error returns (spec.md §7's "sum-type
// returned alongside the parsed packet") instead of Python's
// exception-driven control flow.
package worker

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/brindlebox/rawproxy/pkg/constants"
	proxyerrors "github.com/brindlebox/rawproxy/pkg/errors"
	"github.com/brindlebox/rawproxy/pkg/framing"
	"github.com/brindlebox/rawproxy/pkg/logger"
	"github.com/brindlebox/rawproxy/pkg/packet"
	"github.com/brindlebox/rawproxy/pkg/pool"
	"github.com/brindlebox/rawproxy/pkg/telemetry"
	"github.com/brindlebox/rawproxy/pkg/transform"
)

// Worker drives one accepted client connection end to end.
type Worker struct {
	id       string
	client   net.Conn
	reader   *bufio.Reader
	pool     *pool.Pool
	store    *telemetry.Store
	pipeline *transform.Pipeline

	origins map[string]bool // telemetry origins this worker has Start'd

	entry     *pool.Entry // the upstream entry currently held, if any
	entryHost string
	entryPort int
}

// New builds a Worker for a freshly accepted client connection.
func New(client net.Conn, p *pool.Pool, store *telemetry.Store, pipeline *transform.Pipeline) *Worker {
	return &Worker{
		id:       uuid.NewString(),
		client:   client,
		reader:   bufio.NewReaderSize(client, constants.ReadBufferChunk),
		pool:     p,
		store:    store,
		pipeline: pipeline,
		origins:  make(map[string]bool),
	}
}

func (w *Worker) log(args ...interface{}) {
	logger.Log(append([]interface{}{w.id, w.client.RemoteAddr().String()}, args...)...)
}

// Run executes the worker's keep-alive loop until either peer closes the
// connection, a protocol error terminates it, or the client is torn down
// by the supervisor during shutdown. It always cleans up: closing every
// telemetry origin it started, the client socket, and any upstream entry
// still held (an entry only survives past Run when the caller never
// looped back to Release it).
func (w *Worker) Run() {
	defer w.terminate()

	w.log("[*] new connection")

	requests := 0
	for {
		req, probeErr := w.nextRequest(requests)
		requests++
		if probeErr == errSilentClose {
			return
		}
		if probeErr != nil {
			// no packet was successfully parsed: there is no origin to
			// charge telemetry against, matching ProxyTask.send_response's
			// `if self.request and self.response` guard in the original.
			w.replyError(probeErr, "")
			return
		}

		w.log("-->", req.ProtocolLine)

		if verr := req.Validate(); verr != nil {
			w.replyError(verr, "")
			return
		}

		w.pipeline.Incoming(req)

		host, port, herr := req.HostPort()
		if herr != nil {
			w.replyError(herr, "")
			return
		}

		origin := telemetryOrigin(req)
		if !w.origins[origin] {
			w.origins[origin] = true
			w.store.Start(origin)
		}

		resp, terminal := w.forward(req, host, port)
		if terminal != nil {
			w.replyError(terminal, origin)
			return
		}

		w.pipeline.Outgoing(resp)

		if err := w.send(req, resp); err != nil {
			return
		}
		w.store.Update(origin, resp.BodySize())

		if connectionClose(req.Headers) || connectionClose(resp.Headers) {
			return
		}
	}
}

// errSilentClose signals the keep-alive probe found no byte before its
// deadline: the worker should close without replying, per spec.md §4.6
// step 1.
var errSilentClose = errors.New("keep-alive probe: no byte before deadline")

// nextRequest applies the keep-alive timeout rules (60s on the first
// request, a 1s probe thereafter) and reads one request head+body.
func (w *Worker) nextRequest(requestIndex int) (*packet.Request, error) {
	if requestIndex > 0 {
		w.client.SetReadDeadline(time.Now().Add(constants.ClientKeepAliveProbeTimeout))
		if _, err := w.reader.Peek(1); err != nil {
			return nil, errSilentClose
		}
	}

	w.client.SetReadDeadline(time.Now().Add(constants.ClientFirstReadTimeout))
	req, err := framing.ReadRequest(w.reader)
	if err != nil {
		if isTimeout(err) {
			return nil, proxyerrors.RequestTimeout("read_request")
		}
		return nil, err
	}
	return req, nil
}

// forward runs the upstream half of the cycle: short-circuit to a teapot
// placeholder when a transformer cleared ShouldForward, else acquire the
// pool entry, send, and read the response, retrying once on a broken
// socket per spec.md §4.6 step 6.
func (w *Worker) forward(req *packet.Request, host string, port int) (*packet.Response, error) {
	if !req.ShouldForward {
		return packet.NewErrorResponseFromError(proxyerrors.Teapot("should_forward")), nil
	}

	entry, err := w.pool.Acquire(context.Background(), host, port)
	if err != nil {
		return nil, proxyerrors.NotFound("acquire_upstream", err)
	}
	w.entry = entry
	w.entryHost = host
	w.entryPort = port

	if _, err := entry.Conn().Write(req.Encode()); err != nil {
		if resetErr := w.pool.Reset(context.Background(), entry); resetErr != nil {
			w.pool.Close(entry, 0)
			w.entry = nil
			return nil, proxyerrors.BadGateway("reset_upstream", resetErr)
		}
		if _, err := entry.Conn().Write(req.Encode()); err != nil {
			w.pool.Close(entry, 0)
			w.entry = nil
			return nil, proxyerrors.BadGateway("resend_upstream", err)
		}
	}

	entry.Conn().SetReadDeadline(time.Now().Add(constants.UpstreamReadTimeout))
	closeDelimited := connectionClose(req.Headers)
	resp, err := framing.ReadResponse(entry.Reader(), closeDelimited)
	if err != nil {
		if isTimeout(err) {
			w.pool.Close(entry, 0)
			w.entry = nil
			return nil, proxyerrors.GatewayTimeout("read_upstream_response")
		}
		w.pool.Close(entry, 0)
		w.entry = nil
		return nil, proxyerrors.BadGateway("parse_upstream_response", err)
	}

	return resp, nil
}

// send writes resp to the client, logs the protocol line, and — when the
// worker still holds an upstream entry — either closes it or releases it
// back to the pool for reuse. Either peer asking for Connection: close
// closes the pooled socket, per spec.md §9: a request that asked to close
// but got a response silent on the header must still not be kept alive.
func (w *Worker) send(req *packet.Request, resp *packet.Response) error {
	if _, err := w.client.Write(resp.Encode()); err != nil {
		return err
	}
	w.log("<--", resp.ProtocolLine)

	if w.entry != nil {
		if connectionClose(req.Headers) || connectionClose(resp.Headers) {
			w.pool.Close(w.entry, resp.BodySize())
		} else {
			w.pool.Release(w.entryHost, w.entryPort, resp.BodySize())
		}
		w.entry = nil
	}
	return nil
}

// replyError builds and sends the fixed error response for err, logging
// the failure's trace when verbose. Error responses never run outgoing
// transformers and always terminate the keep-alive loop (they carry
// Connection: close, see pkg/packet.NewErrorResponse).
func (w *Worker) replyError(err error, origin string) {
	perr, ok := proxyerrors.AsError(err)
	if !ok {
		perr = proxyerrors.Internal("unhandled", err)
	}
	logger.ErrorTrace(perr.Op, perr)

	resp := packet.NewErrorResponseFromError(perr)
	w.client.Write(resp.Encode())
	w.log("<--", resp.ProtocolLine)

	if origin != "" {
		w.store.Update(origin, resp.BodySize())
	}

	if w.entry != nil {
		w.pool.Close(w.entry, 0)
		w.entry = nil
	}
}

// terminate closes every telemetry origin this worker started, the
// client socket, and any upstream entry it's still holding — mirroring
// ProxyTask.terminate().
func (w *Worker) terminate() {
	w.log("[*] close connection")
	w.client.Close()
	if w.entry != nil {
		w.pool.Close(w.entry, 0)
	}
	for origin := range w.origins {
		w.store.Close(origin)
	}
}

func telemetryOrigin(req *packet.Request) string {
	if referer, ok := req.Headers.Get("Referer"); ok && referer != "" {
		return referer
	}
	return req.URL
}

func connectionClose(h *packet.Headers) bool {
	v, ok := h.Get("Connection")
	return ok && strings.EqualFold(strings.TrimSpace(v), "close")
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
