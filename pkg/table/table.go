// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package table holds completed transactions in an append-only columnar batch
// with a fixed schema.
package table

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrColumnMisaligned is returned when the columns of a table no longer
	// hold the same number of rows.
	ErrColumnMisaligned = errors.New("table: column lengths differ")
	// ErrSchemaMismatch is returned when appending to a table whose schema is
	// not the record schema.
	ErrSchemaMismatch = errors.New("table: schema mismatch")
	// ErrInvalidRow is returned for rows carrying out-of-range values.
	ErrInvalidRow = errors.New("table: invalid row")
	// ErrTableFull is returned when an append would exceed the row limit.
	ErrTableFull = errors.New("table: row limit reached")
)

// ColumnSpec names and types one column.
type ColumnSpec struct {
	Name string
	Type ColumnType
}

// Column indexes of the record schema.
const (
	ColTime = iota
	ColUPID
	ColReqOp
	ColReqBody
	ColRespOp
	ColRespBody
	ColReqTimestamp
	ColRespTimestamp
	ColLatency
	ColFD
	numColumns
)

// RecordSchema is the column layout of a CQL transaction table.
var RecordSchema = []ColumnSpec{
	{"time_", TypeInt64},
	{"upid", TypeUInt128},
	{"req_op", TypeInt64},
	{"req_body", TypeString},
	{"resp_op", TypeInt64},
	{"resp_body", TypeString},
	{"req_timestamp_ns", TypeInt64},
	{"resp_timestamp_ns", TypeInt64},
	{"latency_ns", TypeInt64},
	{"fd", TypeInt64},
}

// Row is one transaction in row form.
type Row struct {
	Time            int64
	UPID            UInt128
	ReqOp           int64
	ReqBody         string
	RespOp          int64
	RespBody        string
	ReqTimestampNs  int64
	RespTimestampNs int64
	LatencyNs       int64
	FD              int64
}

func (r *Row) validate() error {
	if r.ReqOp < 0 || r.ReqOp > 0xFF {
		return fmt.Errorf("%w: req_op %d", ErrInvalidRow, r.ReqOp)
	}
	if r.RespOp < 0 || r.RespOp > 0xFF {
		return fmt.Errorf("%w: resp_op %d", ErrInvalidRow, r.RespOp)
	}
	if r.LatencyNs < 0 {
		return fmt.Errorf("%w: negative latency %d", ErrInvalidRow, r.LatencyNs)
	}
	return nil
}

// Table is a columnar batch of transactions. All methods are safe for
// concurrent use; an Append is observed either entirely or not at all.
type Table struct {
	schema  []ColumnSpec
	maxRows int

	mu       sync.RWMutex
	time     *Int64Column
	upid     *UInt128Column
	reqOp    *Int64Column
	reqBody  *StringColumn
	respOp   *Int64Column
	respBody *StringColumn
	reqTs    *Int64Column
	respTs   *Int64Column
	latency  *Int64Column
	fd       *Int64Column
}

// New returns an empty table with the record schema. maxRows <= 0 means no
// limit.
func New(maxRows int) *Table {
	return NewWithSchema(RecordSchema, maxRows)
}

// NewWithSchema returns an empty table declaring the given schema. Appending
// fails unless the schema equals RecordSchema.
func NewWithSchema(schema []ColumnSpec, maxRows int) *Table {
	capacity := 256
	if maxRows > 0 && maxRows < capacity {
		capacity = maxRows
	}
	return &Table{
		schema:   append([]ColumnSpec(nil), schema...),
		maxRows:  maxRows,
		time:     NewInt64Column(capacity),
		upid:     NewUInt128Column(capacity),
		reqOp:    NewInt64Column(capacity),
		reqBody:  NewStringColumn(capacity*64, capacity),
		respOp:   NewInt64Column(capacity),
		respBody: NewStringColumn(capacity*64, capacity),
		reqTs:    NewInt64Column(capacity),
		respTs:   NewInt64Column(capacity),
		latency:  NewInt64Column(capacity),
		fd:       NewInt64Column(capacity),
	}
}

// Schema returns the declared schema.
func (t *Table) Schema() []ColumnSpec {
	return append([]ColumnSpec(nil), t.schema...)
}

func (t *Table) columns() []Column {
	return []Column{
		t.time, t.upid, t.reqOp, t.reqBody, t.respOp,
		t.respBody, t.reqTs, t.respTs, t.latency, t.fd,
	}
}

func (t *Table) checkSchema() error {
	if len(t.schema) != len(RecordSchema) {
		return fmt.Errorf("%w: %d columns, want %d", ErrSchemaMismatch, len(t.schema), len(RecordSchema))
	}
	for i, c := range t.schema {
		if c != RecordSchema[i] {
			return fmt.Errorf("%w: column %d is %s %s, want %s %s",
				ErrSchemaMismatch, i, c.Name, c.Type, RecordSchema[i].Name, RecordSchema[i].Type)
		}
	}
	return nil
}

// alignedLocked returns the common row count. Must be called under t.mu.
func (t *Table) alignedLocked() (int, error) {
	cols := t.columns()
	n := cols[0].Size()
	for i, c := range cols[1:] {
		if c.Size() != n {
			return 0, fmt.Errorf("%w: %s has %d rows, %s has %d",
				ErrColumnMisaligned, RecordSchema[i+1].Name, c.Size(), RecordSchema[0].Name, n)
		}
	}
	return n, nil
}

// Append validates every row, then appends them all. On error nothing is
// appended.
func (t *Table) Append(rows ...Row) error {
	if err := t.checkSchema(); err != nil {
		return err
	}
	for i := range rows {
		if err := rows[i].validate(); err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.alignedLocked()
	if err != nil {
		return err
	}
	if t.maxRows > 0 && n+len(rows) > t.maxRows {
		return fmt.Errorf("%w: %d + %d > %d", ErrTableFull, n, len(rows), t.maxRows)
	}

	for i := range rows {
		r := &rows[i]
		t.time.Append(r.Time)
		t.upid.Append(r.UPID)
		t.reqOp.Append(r.ReqOp)
		t.reqBody.Append(r.ReqBody)
		t.respOp.Append(r.RespOp)
		t.respBody.Append(r.RespBody)
		t.reqTs.Append(r.ReqTimestampNs)
		t.respTs.Append(r.RespTimestampNs)
		t.latency.Append(r.LatencyNs)
		t.fd.Append(r.FD)
	}
	return nil
}

// Len returns the number of rows.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.time.Size()
}

// Bytes returns the estimated memory held by the columns.
func (t *Table) Bytes() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := 0
	for _, c := range t.columns() {
		total += c.Bytes()
	}
	return total
}

// Row returns row i.
func (t *Table) Row(i int) (Row, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if i < 0 || i >= t.time.Size() {
		return Row{}, false
	}
	return t.rowLocked(i), true
}

func (t *Table) rowLocked(i int) Row {
	return Row{
		Time:            t.time.Get(i),
		UPID:            t.upid.Get(i),
		ReqOp:           t.reqOp.Get(i),
		ReqBody:         t.reqBody.Get(i),
		RespOp:          t.respOp.Get(i),
		RespBody:        t.respBody.Get(i),
		ReqTimestampNs:  t.reqTs.Get(i),
		RespTimestampNs: t.respTs.Get(i),
		LatencyNs:       t.latency.Get(i),
		FD:              t.fd.Get(i),
	}
}

// Snapshot returns a copy of every row.
func (t *Table) Snapshot() []Row {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rows := make([]Row, t.time.Size())
	for i := range rows {
		rows[i] = t.rowLocked(i)
	}
	return rows
}

// UPID returns the process identity of row i.
func (t *Table) UPID(i int) UInt128 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.upid.Get(i)
}

// ReqOp returns the request opcode of row i.
func (t *Table) ReqOp(i int) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.reqOp.Get(i)
}

// ReqBody returns the request body of row i.
func (t *Table) ReqBody(i int) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.reqBody.Get(i)
}

// RespOp returns the response opcode of row i.
func (t *Table) RespOp(i int) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.respOp.Get(i)
}

// RespBody returns the response body of row i.
func (t *Table) RespBody(i int) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.respBody.Get(i)
}

// Reset empties the table, keeping its allocations.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.columns() {
		c.Reset()
	}
}

// SelectByProcessIdentity returns, in ascending order, the indexes of the
// rows whose upid equals upid.
func SelectByProcessIdentity(t *Table, upid UInt128) []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var idx []int
	for i := 0; i < t.upid.Size(); i++ {
		if t.upid.High[i] == upid.High && t.upid.Low[i] == upid.Low {
			idx = append(idx, i)
		}
	}
	return idx
}

// SelectByPID returns, in ascending order, the indexes of the rows whose upid
// carries pid, whatever its start time.
func SelectByPID(t *Table, pid uint32) []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var idx []int
	for i := 0; i < t.upid.Size(); i++ {
		if uint32(t.upid.High[i]) == pid {
			idx = append(idx, i)
		}
	}
	return idx
}
