// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fakedb holds types to fake an in-memory DB.
package fakedb // import "github.com/go-lpc/c2c/internal/fakedb"

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"io"
	"sync"
)

// Stmt is a statement executed against the fake DB.
type Stmt struct {
	Query string
	Args  []driver.Value
}

// Session holds the rows returned by queries run during a call to Run,
// and records the statements executed against the fake DB.
type Session struct {
	Rows    Rows
	Queries []Stmt
	Execs   []Stmt
}

var db struct {
	mu   sync.Mutex
	sess *Session
}

// Run runs f with the provided session installed.
func Run(ctx context.Context, sess *Session, f func(ctx context.Context) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.sess = sess
	defer func() { db.sess = nil }()

	return f(ctx)
}

func init() {
	sql.Register("fakedb", &Driver{})
}

type Driver struct{}

// Open returns a new connection to the database.
func (drv *Driver) Open(name string) (driver.Conn, error) {
	return &conn{}, nil
}

type conn struct{}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return &stmt{query: query}, nil
}

func (c *conn) Close() error {
	return nil
}

func (c *conn) Begin() (driver.Tx, error) {
	panic("not implemented")
}

type stmt struct {
	query string
}

func (stmt *stmt) Close() error {
	return nil
}

func (stmt *stmt) NumInput() int {
	return -1
}

func (stmt *stmt) Exec(args []driver.Value) (driver.Result, error) {
	sess := session()
	sess.Execs = append(sess.Execs, Stmt{Query: stmt.query, Args: args})
	return driver.RowsAffected(1), nil
}

func (stmt *stmt) Query(args []driver.Value) (driver.Rows, error) {
	sess := session()
	sess.Queries = append(sess.Queries, Stmt{Query: stmt.query, Args: args})
	rows := sess.Rows
	return &rows, nil
}

func session() *Session {
	if db.sess == nil {
		// statements run outside of Run are discarded.
		return new(Session)
	}
	return db.sess
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

// Next populates the next row of data into dest.
// Next returns io.EOF when there are no more rows.
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
	_ driver.Conn   = (*conn)(nil)
	_ driver.Stmt   = (*stmt)(nil)
	_ driver.Rows   = (*Rows)(nil)
)
