// Package constants defines the magic numbers and default values used
// throughout the proxy.
package constants

import "time"

// Timeouts and TTLs.
const (
	// ClientFirstReadTimeout is how long a worker waits for the first byte
	// of a new request on a freshly accepted connection.
	ClientFirstReadTimeout = 60 * time.Second

	// ClientKeepAliveProbeTimeout is how long a worker waits for the first
	// byte of a subsequent, pipelined request before closing silently.
	ClientKeepAliveProbeTimeout = 1 * time.Second

	// UpstreamReadTimeout bounds both the upstream connect and the upstream
	// response read.
	UpstreamReadTimeout = 30 * time.Second

	// PoolIdleTTL is how long a pool entry may sit unused before the
	// eviction routine reclaims it.
	PoolIdleTTL = 30 * time.Second

	// EvictionInterval is how often the supervisor's idle-eviction ticker
	// fires.
	EvictionInterval = 1 * time.Second
)

// ReadBufferChunk sizes the buffered reader wrapped around every client and
// upstream socket, so a single underlying Read syscall can usually satisfy
// a full head scan or chunk read.
const ReadBufferChunk = 64 * 1024

// MaxHeadBytes bounds how large a request/response head may grow before
// the framed reader gives up and reports a malformed head.
const MaxHeadBytes = 64 * 1024
