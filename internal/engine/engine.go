// Package engine defines the boundary between the connection handler and
// the graph database proper: query parsing, planning, and execution, and
// the storage/cluster layer beneath them, are all out of scope here and
// live on the other side of this interface.
package engine

import "context"

// Result holds the outcome of one executed statement: the column names in
// RETURN order, and the row values beneath them.
type Result struct {
	Columns []string
	Rows    [][]interface{}
}

// GraphEngine is the dependency a connection handler is given at
// construction time; it never parses or plans a query itself. bookmarks is
// the list of prior-transaction bookmarks the client supplied (e.g. via
// BEGIN's "bookmarks" field) and may be nil.
type GraphEngine interface {
	Run(ctx context.Context, statement string, params map[string]interface{}, bookmarks []string) (*Result, error)
	BeginTx(ctx context.Context, bookmarks []string) (Tx, error)
}

// Tx is a single open transaction against the engine.
type Tx interface {
	Run(ctx context.Context, statement string, params map[string]interface{}) (*Result, error)
	Commit(ctx context.Context) (bookmark string, err error)
	Rollback(ctx context.Context) error
}
