package table

import (
	"errors"
	"reflect"
	"testing"
)

func row(pid uint32, req, resp string) Row {
	return Row{
		Time:            2000,
		UPID:            UInt128{High: 7<<32 | uint64(pid), Low: 99},
		ReqOp:           7,
		ReqBody:         req,
		RespOp:          8,
		RespBody:        resp,
		ReqTimestampNs:  1000,
		RespTimestampNs: 2000,
		LatencyNs:       1000,
		FD:              5,
	}
}

func TestAppendAndRead(t *testing.T) {
	tb := New(0)
	if err := tb.Append(row(10, "SELECT 1", "Response type = VOID"), row(11, "", "")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if tb.Len() != 2 {
		t.Fatalf("Len = %d, want 2", tb.Len())
	}
	if got := tb.ReqBody(0); got != "SELECT 1" {
		t.Errorf("ReqBody(0) = %q, want SELECT 1", got)
	}
	if got := tb.RespBody(1); got != "" {
		t.Errorf("RespBody(1) = %q, want empty", got)
	}
	if tb.ReqOp(0) != 7 || tb.RespOp(0) != 8 {
		t.Errorf("ops = %d/%d, want 7/8", tb.ReqOp(0), tb.RespOp(0))
	}

	snap := tb.Snapshot()
	if !reflect.DeepEqual(snap[0], row(10, "SELECT 1", "Response type = VOID")) {
		t.Errorf("Snapshot[0] = %+v", snap[0])
	}
	if r, ok := tb.Row(5); ok {
		t.Errorf("Row(5) = %+v, want none", r)
	}
}

func TestAppendInvalidRowIsAtomic(t *testing.T) {
	tb := New(0)
	bad := row(1, "x", "y")
	bad.RespOp = 300
	err := tb.Append(row(1, "a", "b"), bad)
	if !errors.Is(err, ErrInvalidRow) {
		t.Fatalf("err = %v, want ErrInvalidRow", err)
	}
	if tb.Len() != 0 {
		t.Errorf("Len = %d after failed append, want 0", tb.Len())
	}
}

func TestAppendMisaligned(t *testing.T) {
	tb := New(0)
	tb.reqBody.Append("stray")
	err := tb.Append(row(1, "a", "b"))
	if !errors.Is(err, ErrColumnMisaligned) {
		t.Fatalf("err = %v, want ErrColumnMisaligned", err)
	}
}

func TestAppendSchemaMismatch(t *testing.T) {
	schema := append([]ColumnSpec(nil), RecordSchema...)
	schema[3].Type = TypeInt64
	tb := NewWithSchema(schema, 0)
	if err := tb.Append(row(1, "a", "b")); !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("err = %v, want ErrSchemaMismatch", err)
	}
}

func TestAppendRowLimit(t *testing.T) {
	tb := New(2)
	if err := tb.Append(row(1, "a", "b")); err != nil {
		t.Fatal(err)
	}
	if err := tb.Append(row(1, "c", "d"), row(1, "e", "f")); !errors.Is(err, ErrTableFull) {
		t.Fatalf("err = %v, want ErrTableFull", err)
	}
	if tb.Len() != 1 {
		t.Errorf("Len = %d, want 1", tb.Len())
	}
}

func TestSelect(t *testing.T) {
	tb := New(0)
	other := row(20, "b", "b")
	other.UPID.Low = 100 // same pid, different start time
	tb.Append(row(10, "a", "a"), row(20, "b", "b"), row(10, "c", "c"), other)

	if got := SelectByProcessIdentity(tb, row(10, "", "").UPID); !reflect.DeepEqual(got, []int{0, 2}) {
		t.Errorf("SelectByProcessIdentity = %v, want [0 2]", got)
	}
	if got := SelectByProcessIdentity(tb, row(20, "", "").UPID); !reflect.DeepEqual(got, []int{1}) {
		t.Errorf("SelectByProcessIdentity(20) = %v, want [1]", got)
	}
	if got := SelectByPID(tb, 20); !reflect.DeepEqual(got, []int{1, 3}) {
		t.Errorf("SelectByPID = %v, want [1 3]", got)
	}
	if got := SelectByPID(tb, 30); got != nil {
		t.Errorf("SelectByPID(30) = %v, want nil", got)
	}
}

func TestResetKeepsSchema(t *testing.T) {
	tb := New(0)
	tb.Append(row(1, "a", "b"))
	tb.Reset()
	if tb.Len() != 0 {
		t.Fatalf("Len = %d after Reset", tb.Len())
	}
	if err := tb.Append(row(1, "abc", "d")); err != nil {
		t.Fatal(err)
	}
	if tb.ReqBody(0) != "abc" {
		t.Errorf("ReqBody(0) = %q, want abc", tb.ReqBody(0))
	}
}

func TestStringColumn(t *testing.T) {
	c := NewStringColumn(0, 0)
	c.Append("one")
	c.Append("")
	c.Append("three")
	if c.Size() != 3 {
		t.Fatalf("Size = %d, want 3", c.Size())
	}
	for i, want := range []string{"one", "", "three"} {
		if got := c.Get(i); got != want {
			t.Errorf("Get(%d) = %q, want %q", i, got, want)
		}
	}
	if c.Get(3) != "" {
		t.Error("out of range Get should return empty")
	}
}
