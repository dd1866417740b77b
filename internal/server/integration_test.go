package server

import (
	"context"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v4/neo4j"

	"github.com/pzac/graphbolt/internal/engine"
)

type recordingEngine struct{}

func (recordingEngine) Run(ctx context.Context, statement string, params map[string]interface{}, bookmarks []string) (*engine.Result, error) {
	return &engine.Result{Columns: []string{"1"}, Rows: [][]interface{}{{int64(1)}}}, nil
}

func (recordingEngine) BeginTx(ctx context.Context, bookmarks []string) (engine.Tx, error) {
	return nil, nil
}

// TestRealBoltDriverSpeaksToThisServer drives the listener with the real
// Neo4j Go driver instead of hand-built byte slices: the handshake,
// HELLO/LOGON, an implicit-transaction RUN/PULL, and the GOODBYE on
// teardown are all exercised exactly as a production client would over
// the wire this package implements, rather than asserted against literal
// byte slices.
func TestRealBoltDriverSpeaksToThisServer(t *testing.T) {
	ln, err := Listen("127.0.0.1:0", recordingEngine{}, Config{})
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ln.Serve(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	driver, err := neo4j.NewDriver("bolt://"+addr, neo4j.NoAuth())
	if err != nil {
		t.Fatal(err)
	}
	defer driver.Close()

	session := driver.NewSession(neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close()

	result, err := session.Run("RETURN 1", nil)
	if err != nil {
		t.Fatal(err)
	}
	rows := 0
	for result.Next() {
		rows++
	}
	if err := result.Err(); err != nil {
		t.Fatal(err)
	}
	if rows != 1 {
		t.Fatalf("expected the single RECORD recordingEngine produced, got %d", rows)
	}
}
