package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync/atomic"

	"github.com/pzac/graphbolt/internal/engine"
)

// Config tunes a Listener beyond the protocol core itself.
type Config struct {
	// MaxConnections caps the number of connections served concurrently;
	// once the cap is reached, each newly accepted connection is logged and
	// closed immediately. Zero means unbounded.
	MaxConnections int

	// DisableWebSocket skips the WebSocket upgrade probe on every new
	// connection, so the first bytes are always treated as the raw Bolt
	// handshake. Useful for deployments that never expect WS clients and
	// want one fewer branch on the hot path.
	DisableWebSocket bool
}

// Listener accepts TCP connections and drives each one on its own
// goroutine, mirroring the accept loop the host's query layer would run
// this core underneath.
type Listener struct {
	net.Listener
	engine engine.GraphEngine
	config Config
	closed atomic.Bool
	slots  chan struct{}
}

// Listen binds addr and returns a Listener ready to Serve.
func Listen(addr string, eng engine.GraphEngine, config Config) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("server: listen on %s: %w", addr, err)
	}
	l := &Listener{Listener: ln, engine: eng, config: config}
	if config.MaxConnections > 0 {
		l.slots = make(chan struct{}, config.MaxConnections)
	}
	return l, nil
}

// Serve accepts connections until Close is called or ctx is cancelled.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		if l.closed.Load() {
			return nil
		}

		conn, err := l.Accept()
		if err != nil {
			if l.closed.Load() {
				return nil
			}
			log.Printf("server: accept error: %v", err)
			continue
		}

		if l.slots != nil {
			select {
			case l.slots <- struct{}{}:
			default:
				log.Printf("server: rejecting %s: at max-connections (%d)", conn.RemoteAddr(), l.config.MaxConnections)
				conn.Close()
				continue
			}
		}

		c := New(conn, l.engine)
		c.wsEnabled = !l.config.DisableWebSocket
		go func() {
			defer func() {
				if l.slots != nil {
					<-l.slots
				}
			}()
			c.Serve(ctx)
		}()
	}
}

// Close stops accepting new connections; in-flight connections run to
// completion on their own.
func (l *Listener) Close() error {
	l.closed.Store(true)
	return l.Listener.Close()
}
