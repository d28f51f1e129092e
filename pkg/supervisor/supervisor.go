// Package supervisor owns the proxy's listener: it accepts client
// connections and hands each one to a worker, runs the pool's idle-eviction
// ticker, and coordinates graceful shutdown on interrupt.
//
// Grounded on original_source/proxy.py's main() (bind, install extensions,
// accept loop, KeyboardInterrupt shutdown) and modules/telemetry.py's
// TelemetryTask (a ticking background routine sharing the accept loop's
// lifetime), restructured around golang.org/x/sync/errgroup for the ticker
// and accept-loop goroutines, a sync.WaitGroup for worker goroutines, and
// github.com/hashicorp/go-multierror for shutdown error aggregation per the
// proxy's domain stack.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/brindlebox/rawproxy/pkg/constants"
	"github.com/brindlebox/rawproxy/pkg/logger"
	"github.com/brindlebox/rawproxy/pkg/pool"
	"github.com/brindlebox/rawproxy/pkg/telemetry"
	"github.com/brindlebox/rawproxy/pkg/transform"
	"github.com/brindlebox/rawproxy/pkg/worker"
)

// Supervisor binds one listening port and drives its whole lifecycle.
type Supervisor struct {
	pool     *pool.Pool
	store    *telemetry.Store
	pipeline *transform.Pipeline

	ln net.Listener

	workers sync.WaitGroup // tracks running worker goroutines, awaited by shutdown after its close-to-unblock pass
	clients sync.Map       // net.Conn -> struct{}, the live set Shutdown closes
}

// New builds a Supervisor around its own pool and telemetry store.
func New(pipeline *transform.Pipeline) *Supervisor {
	return &Supervisor{
		pool:     pool.New(),
		store:    telemetry.New(),
		pipeline: pipeline,
	}
}

// Listen binds the TCP listener. Callers should treat a non-nil error as a
// bind failure warranting the CLI's usage/bind exit code.
func (s *Supervisor) Listen(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	s.ln = ln
	logger.Log(fmt.Sprintf("[*] Proxy listening on port [ %d ]", port))
	return nil
}

// Run accepts connections and spawns one worker per client until ctx is
// cancelled (by the CLI's signal handling), then performs graceful
// shutdown: stop accepting, stop the ticker, terminate outstanding workers,
// drain the pool, flush telemetry. It returns the errors encountered during
// shutdown combined into one error, or nil if there were none.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	ticker := time.NewTicker(constants.EvictionInterval)
	defer ticker.Stop()
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				s.pool.EvictIdle()
			}
		}
	})

	g.Go(func() error {
		return s.acceptLoop(gctx)
	})

	<-ctx.Done()
	logger.Log("[*] Stopping proxy...")
	return s.shutdown(g)
}

// acceptLoop accepts connections until ctx is cancelled or the listener is
// closed by shutdown, spawning a worker goroutine per client.
func (s *Supervisor) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil // listener closed by shutdown: not an error
			default:
				return err
			}
		}

		s.clients.Store(conn, struct{}{})
		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			defer s.clients.Delete(conn)
			worker.New(conn, s.pool, s.store, s.pipeline).Run()
		}()
	}
}

// shutdown runs the ordered teardown spec.md §4.7 requires: stop accepting,
// terminate outstanding workers by closing their client sockets (which
// unblocks their pending reads and lets each worker's own cleanup run),
// drain the pool, flush telemetry. Errors from each step are aggregated
// rather than discarded after the first failure, since later steps should
// still run best-effort.
func (s *Supervisor) shutdown(g *errgroup.Group) error {
	var result *multierror.Error

	if err := s.ln.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close listener: %w", err))
	}

	logger.Log("[*] Closing open proxy ports...")
	s.clients.Range(func(key, _ interface{}) bool {
		key.(net.Conn).Close()
		return true
	})
	s.workers.Wait()

	if err := g.Wait(); err != nil {
		result = multierror.Append(result, fmt.Errorf("accept loop: %w", err))
	}

	logger.Log("[*] Draining connection pool...")
	s.pool.Drain()

	logger.Log("[*] Flushing telemetry...")
	s.store.CloseAll()

	logger.Log("[*] Graceful Shutdown")
	return result.ErrorOrNil()
}
