package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pzac/graphbolt/internal/chunkbuf"
	"github.com/pzac/graphbolt/internal/engine"
	"github.com/pzac/graphbolt/internal/server"
)

// noopEngine answers every query with an empty result set. Wiring a real
// graph engine is the query layer's job; this keeps the connection
// handler runnable on its own.
type noopEngine struct{}

func (noopEngine) Run(ctx context.Context, statement string, params map[string]interface{}, bookmarks []string) (*engine.Result, error) {
	return &engine.Result{}, nil
}

func (noopEngine) BeginTx(ctx context.Context, bookmarks []string) (engine.Tx, error) {
	return noopTx{}, nil
}

type noopTx struct{}

func (noopTx) Run(ctx context.Context, statement string, params map[string]interface{}) (*engine.Result, error) {
	return &engine.Result{}, nil
}
func (noopTx) Commit(ctx context.Context) (string, error) { return "", nil }
func (noopTx) Rollback(ctx context.Context) error         { return nil }

func main() {
	var bindOn string
	var chunkSize int
	var disableWS bool
	var maxConnections int

	flag.StringVar(&bindOn, "bind", "localhost:7687", "host:port to bind to")
	flag.IntVar(&chunkSize, "chunk-size", chunkbuf.ChunkSize, "expected buffer chunk size in bytes (must match the compiled-in constant; for test harnesses that assert on it)")
	flag.BoolVar(&disableWS, "no-websocket", false, "skip the WebSocket upgrade probe on every connection")
	flag.IntVar(&maxConnections, "max-connections", 0, "reject new connections beyond this count (0 = unbounded)")
	flag.Parse()

	if chunkSize != chunkbuf.ChunkSize {
		log.Fatalf("-chunk-size %d does not match the compiled-in chunk size %d", chunkSize, chunkbuf.ChunkSize)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Println("starting graphbolt connection handler...")
	ln, err := server.Listen(bindOn, noopEngine{}, server.Config{
		MaxConnections:   maxConnections,
		DisableWebSocket: disableWS,
	})
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("listening on %s\n", bindOn)

	if err := ln.Serve(ctx); err != nil {
		log.Fatal(err)
	}
	log.Println("shut down cleanly")
}
