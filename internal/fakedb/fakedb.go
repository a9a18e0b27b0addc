// Copyright 2023 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fakedb holds types to fake an in-memory DB.
package fakedb // import "github.com/go-lpc/lanxi/internal/fakedb"

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"io"
	"sync"
)

var query struct {
	mu      sync.Mutex
	rows    []Rows
	queries []Query
}

// Query is a query received by the fake DB.
type Query struct {
	SQL  string
	Args []driver.Value
}

// Run runs f, serving the rows sets to the successive queries f issues.
// Run returns the queries issued by f.
func Run(ctx context.Context, f func(ctx context.Context) error, rows ...Rows) ([]Query, error) {
	query.mu.Lock()
	defer query.mu.Unlock()
	query.rows = rows
	query.queries = nil

	err := f(ctx)
	return query.queries, err
}

func init() {
	sql.Register("fakedb", &Driver{})
}

type Driver struct{}

// Open returns a new connection to the database.
func (drv *Driver) Open(name string) (driver.Conn, error) {
	return &Conn{}, nil
}

type Conn struct{}

// Prepare returns a prepared statement, bound to this connection.
func (c *Conn) Prepare(sql string) (driver.Stmt, error) {
	return &Stmt{sql: sql}, nil
}

// Close invalidates this connection.
func (c *Conn) Close() error {
	return nil
}

// Begin starts and returns a new transaction.
func (c *Conn) Begin() (driver.Tx, error) {
	panic("not implemented")
}

type Stmt struct {
	sql string
}

// Close closes the statement.
func (stmt *Stmt) Close() error {
	return nil
}

// NumInput returns -1: placeholders are not checked.
func (stmt *Stmt) NumInput() int {
	return -1
}

// Exec executes a query that doesn't return rows.
func (stmt *Stmt) Exec(args []driver.Value) (driver.Result, error) {
	panic("not implemented")
}

// Query records the query and returns the next rows set.
// Queries beyond the provided rows sets return no row.
func (stmt *Stmt) Query(args []driver.Value) (driver.Rows, error) {
	query.queries = append(query.queries, Query{
		SQL:  stmt.sql,
		Args: append([]driver.Value(nil), args...),
	})

	if len(query.rows) == 0 {
		return &Rows{}, nil
	}
	rows := query.rows[0]
	query.rows = query.rows[1:]
	return &rows, nil
}

type Rows struct {
	Names  []string
	Values [][]driver.Value
}

// Columns returns the names of the columns.
func (rows *Rows) Columns() []string {
	return rows.Names
}

// Close closes the rows iterator.
func (rows *Rows) Close() error {
	return nil
}

// Next is called to populate the next row of data into
// the provided slice. The provided slice will be the same
// size as the Columns() are wide.
//
// Next should return io.EOF when there are no more rows.
func (rows *Rows) Next(dest []driver.Value) error {
	if len(rows.Values) == 0 {
		return io.EOF
	}
	copy(dest, rows.Values[0])
	rows.Values = rows.Values[1:]
	return nil
}

var (
	_ driver.Driver = (*Driver)(nil)
	_ driver.Conn   = (*Conn)(nil)
	_ driver.Stmt   = (*Stmt)(nil)
	_ driver.Rows   = (*Rows)(nil)
)
