package pool_test

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brindlebox/rawproxy/pkg/pool"
)

// echoServer accepts connections until the test ends and, on each, echoes
// every line it reads back prefixed with "echo:", so tests can assert
// Acquire returns a usable socket.
func echoServer(t *testing.T) (addr string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					c.Write([]byte("echo:" + line))
				}
			}(conn)
		}
	}()

	tcpAddr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", tcpAddr.Port
}

func TestAcquireDialsOnFirstUse(t *testing.T) {
	host, port := echoServer(t)
	p := pool.New()

	e, err := p.Acquire(context.Background(), host, port)
	require.NoError(t, err)
	require.NotNil(t, e.Conn())

	_, err = e.Conn().Write([]byte("hello\n"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, err := e.Conn().Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "echo:hello\n", string(buf[:n]))

	p.Release(host, port, 11)
}

func TestAcquireSerializesConcurrentCallers(t *testing.T) {
	host, port := echoServer(t)
	p := pool.New()

	e, err := p.Acquire(context.Background(), host, port)
	require.NoError(t, err)

	var secondAcquired atomic.Int32
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e2, err := p.Acquire(context.Background(), host, port)
		require.NoError(t, err)
		secondAcquired.Store(1)
		p.Release(host, port, 0)
		assert.Same(t, e, e2)
	}()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), secondAcquired.Load())

	p.Release(host, port, 0)
	wg.Wait()
	assert.Equal(t, int32(1), secondAcquired.Load())
}

func TestReleaseOnMissingEntryIsNoOp(t *testing.T) {
	p := pool.New()
	assert.NotPanics(t, func() {
		p.Release("ghost.test", 80, 100)
	})
}

func TestResetSwapsSocket(t *testing.T) {
	host, port := echoServer(t)
	p := pool.New()

	e, err := p.Acquire(context.Background(), host, port)
	require.NoError(t, err)
	original := e.Conn()

	err = p.Reset(context.Background(), e)
	require.NoError(t, err)
	assert.NotSame(t, original, e.Conn())

	p.Release(host, port, 0)
}

func TestCloseRemovesEntry(t *testing.T) {
	host, port := echoServer(t)
	p := pool.New()

	e, err := p.Acquire(context.Background(), host, port)
	require.NoError(t, err)
	p.Close(e, 5)

	// a subsequent acquire must dial a fresh connection, not reuse the
	// closed one.
	e2, err := p.Acquire(context.Background(), host, port)
	require.NoError(t, err)
	assert.NotSame(t, e, e2)
	p.Release(host, port, 0)
}

func TestAcquireDialFailureReturnsError(t *testing.T) {
	p := pool.New()
	_, err := p.Acquire(context.Background(), "127.0.0.1", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial_upstream")
}

func TestDrainClosesAllEntries(t *testing.T) {
	host, port := echoServer(t)
	p := pool.New()

	e, err := p.Acquire(context.Background(), host, port)
	require.NoError(t, err)
	p.Release(host, port, 3)

	p.Drain()

	_, err = e.Conn().Write([]byte("x\n"))
	assert.Error(t, err)
}

func TestEvictIdleSkipsHeldEntries(t *testing.T) {
	host, port := echoServer(t)
	p := pool.New()

	e, err := p.Acquire(context.Background(), host, port)
	require.NoError(t, err)

	p.EvictIdleAfter(0) // held: must be a no-op regardless of staleness

	p.Release(host, port, 0)

	_, werr := e.Conn().Write([]byte("still alive\n"))
	assert.NoError(t, werr)
}

func TestEvictIdleAfterReclaimsStaleEntry(t *testing.T) {
	host, port := echoServer(t)
	p := pool.New()

	e, err := p.Acquire(context.Background(), host, port)
	require.NoError(t, err)
	p.Release(host, port, 7)

	time.Sleep(20 * time.Millisecond)
	p.EvictIdleAfter(10 * time.Millisecond)

	_, werr := e.Conn().Write([]byte("x\n"))
	assert.Error(t, werr, "entry's socket should have been closed by eviction")

	// a subsequent acquire must dial a fresh connection, not the evicted one.
	e2, err := p.Acquire(context.Background(), host, port)
	require.NoError(t, err)
	assert.NotSame(t, e, e2)
	p.Release(host, port, 0)
}

func TestDialPlainTCPForNonTLSPort(t *testing.T) {
	host, port := echoServer(t)
	require.NotEqual(t, 443, port)

	p := pool.New()
	e, err := p.Acquire(context.Background(), host, port)
	require.NoError(t, err)
	_, isTLS := e.Conn().(*tls.Conn)
	assert.False(t, isTLS)
	p.Release(host, port, 0)
}
