// Package pool implements the shared upstream connection pool: one TCP or
// TLS socket per origin, guarded by a per-entry exclusion lock so exactly
// one worker performs I/O on it at a time.
//
// This replaces the teacher's multi-connection LIFO idle pool
// (pkg/transport's hostPool) with the single-exclusive-entry-per-origin
// design spec.md §4.4 calls for: a worker that acquires an origin blocks
// until any other worker currently holding it releases it, rather than
// drawing from a pool of several idle sockets for the same origin.
package pool

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/brindlebox/rawproxy/pkg/constants"
	proxyerrors "github.com/brindlebox/rawproxy/pkg/errors"
	"github.com/brindlebox/rawproxy/pkg/tlsconfig"
)

// Entry is one pooled upstream socket.
type Entry struct {
	key  string
	host string
	port int

	mu     sync.Mutex // exclusion lock: held across upstream I/O
	conn   net.Conn
	reader *bufio.Reader // persists across Acquire/Release so a keep-alive reuse never drops bytes buffered-but-unconsumed by the previous cycle's reads

	// guarded by the pool's map-lock, not the entry's own exclusion lock,
	// so evictIdle can read them without blocking on in-flight I/O.
	lastAccess   time.Time
	pendingBytes int64
}

// Conn returns the entry's current socket. The caller must hold the
// entry's exclusion lock (i.e. this is only valid between Acquire and
// Release/Reset/the entry being handed back).
func (e *Entry) Conn() net.Conn {
	return e.conn
}

// Reader returns a buffered reader over the entry's current socket, reused
// across acquisitions of the same entry so a response read never discards
// bytes the previous read buffered ahead of what it consumed.
func (e *Entry) Reader() *bufio.Reader {
	return e.reader
}

func key(host string, port int) string {
	return host + ":" + strconv.Itoa(port)
}

// Pool maps an origin key to its Entry.
type Pool struct {
	mapMu   sync.Mutex
	entries map[string]*Entry
}

// New returns an empty Pool.
func New() *Pool {
	return &Pool{entries: make(map[string]*Entry)}
}

// Acquire returns the exclusively-locked entry for (host, port), dialing a
// new connection on first use. The returned entry's exclusion lock is
// held; the caller must eventually call Release, Reset+Release, or Close.
func (p *Pool) Acquire(ctx context.Context, host string, port int) (*Entry, error) {
	k := key(host, port)

	for {
		p.mapMu.Lock()
		e, ok := p.entries[k]
		if !ok {
			conn, err := dial(ctx, host, port)
			if err != nil {
				p.mapMu.Unlock()
				return nil, err
			}
			e := &Entry{key: k, host: host, port: port, conn: conn, reader: bufio.NewReaderSize(conn, constants.ReadBufferChunk), lastAccess: time.Now()}
			e.mu.Lock()
			p.entries[k] = e
			p.mapMu.Unlock()
			return e, nil
		}
		p.mapMu.Unlock()

		e.mu.Lock()

		p.mapMu.Lock()
		current, stillCurrent := p.entries[k]
		if !stillCurrent || current != e {
			// evicted (or swapped) between the lookup above and acquiring
			// the exclusion lock: this entry's socket may already be
			// closed, so start over rather than hand it to the caller.
			p.mapMu.Unlock()
			e.mu.Unlock()
			continue
		}
		e.lastAccess = time.Now()
		p.mapMu.Unlock()
		return e, nil
	}
}

// dial opens a fresh upstream connection: plain TCP for port != 443, TLS
// with SNI for port == 443, bounded by the upstream connect/read timeout.
func dial(ctx context.Context, host string, port int) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, constants.UpstreamReadTimeout)
	defer cancel()

	dialer := &net.Dialer{}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, proxyerrors.NotFound("dial_upstream", err)
	}

	if port != 443 {
		return conn, nil
	}

	tlsConn := tls.Client(conn, tlsconfig.ClientConfig(host))
	if err := tlsConn.HandshakeContext(dialCtx); err != nil {
		conn.Close()
		return nil, proxyerrors.NotFound("tls_handshake", err)
	}
	return tlsConn, nil
}

// Release charges bytes to the entry's pending telemetry counter, refreshes
// its last-access time, and releases the exclusion lock. A missing entry
// (evicted concurrently) is a silent no-op, matching spec.md §4.4.
func (p *Pool) Release(host string, port int, bytes int) {
	k := key(host, port)

	p.mapMu.Lock()
	e, ok := p.entries[k]
	if !ok {
		p.mapMu.Unlock()
		return
	}
	e.pendingBytes += int64(bytes)
	e.lastAccess = time.Now()
	p.mapMu.Unlock()

	e.mu.Unlock()
}

// Reset opens a fresh connection and swaps it into the entry, closing the
// old socket. The caller must already hold e's exclusion lock (i.e. have
// come from Acquire without having released it yet) — used when the first
// send on a pooled socket fails.
func (p *Pool) Reset(ctx context.Context, e *Entry) error {
	conn, err := dial(ctx, e.host, e.port)
	if err != nil {
		return err
	}

	p.mapMu.Lock()
	old := e.conn
	e.conn = conn
	e.reader = bufio.NewReaderSize(conn, constants.ReadBufferChunk)
	p.mapMu.Unlock()

	old.Close()
	return nil
}

// Close removes the entry, charges bytes, emits its telemetry line if the
// accumulated counter is positive, and closes the socket. The caller must
// hold e's exclusion lock; Close releases it after removing the entry and
// closing its socket.
func (p *Pool) Close(e *Entry, bytes int) {
	p.mapMu.Lock()
	delete(p.entries, e.key)
	e.pendingBytes += int64(bytes)
	total := e.pendingBytes
	p.mapMu.Unlock()

	emit(e.key, total)
	e.conn.Close()
	e.mu.Unlock()
}

// EvictIdle removes and closes every entry whose exclusion lock is free
// and whose last access is older than constants.PoolIdleTTL.
func (p *Pool) EvictIdle() {
	p.EvictIdleAfter(constants.PoolIdleTTL)
}

// EvictIdleAfter is EvictIdle parameterized on the idle threshold, so
// callers (tests in particular) can exercise real time-based eviction
// without waiting out the production TTL.
func (p *Pool) EvictIdleAfter(ttl time.Duration) {
	now := time.Now()

	p.mapMu.Lock()
	var stale []*Entry
	for _, e := range p.entries {
		if now.Sub(e.lastAccess) > ttl {
			stale = append(stale, e)
		}
	}
	p.mapMu.Unlock()

	for _, e := range stale {
		if !e.mu.TryLock() {
			continue // in use: a worker grabbed it between the scan and here
		}
		p.mapMu.Lock()
		current, ok := p.entries[e.key]
		if !ok || current != e {
			// already evicted or replaced by a fresh acquire
			p.mapMu.Unlock()
			e.mu.Unlock()
			continue
		}
		delete(p.entries, e.key)
		total := e.pendingBytes
		p.mapMu.Unlock()

		emit(e.key, total)
		e.conn.Close()
		e.mu.Unlock()
	}
}

// Drain closes every remaining entry, in turn acquiring each one's
// exclusion lock first so in-flight I/O finishes before the socket is
// torn down.
func (p *Pool) Drain() {
	p.mapMu.Lock()
	all := make([]*Entry, 0, len(p.entries))
	for _, e := range p.entries {
		all = append(all, e)
	}
	p.mapMu.Unlock()

	for _, e := range all {
		e.mu.Lock()
		p.mapMu.Lock()
		if _, ok := p.entries[e.key]; !ok {
			p.mapMu.Unlock()
			e.mu.Unlock()
			continue
		}
		delete(p.entries, e.key)
		total := e.pendingBytes
		p.mapMu.Unlock()

		emit(e.key, total)
		e.conn.Close()
		e.mu.Unlock()
	}
}

// emit writes the pool's own per-origin-key telemetry line, distinct from
// the referer-keyed pkg/telemetry store: this one tracks bytes that moved
// over one pooled socket, keyed by (host, port) rather than by the
// request's logical origin.
func emit(key string, bytes int64) {
	if bytes > 0 {
		fmt.Fprintf(os.Stdout, "%s, %d\n", key, bytes)
	}
}
