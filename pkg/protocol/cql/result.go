package cql

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Rows metadata flags.
const (
	rowsGlobalTablesSpec = 0x0001
	rowsHasMorePages     = 0x0002
	rowsNoMetadata       = 0x0004
)

// result renders a RESULT body as a summary. Row data is never decoded; ROWS
// becomes kind, column count, column names and row count.
func (d *Decoder) result(r *reader, version uint8) string {
	kind := r.int()
	if r.err != nil {
		return ""
	}

	switch kind {
	case resultVoid:
		return "Response type = VOID"
	case resultRows:
		cols := d.rowsMetadata(r)
		rows := r.int()
		return fmt.Sprintf("Response type = ROWS\nNumber of columns = %d\n%s\nNumber of rows = %d",
			cols.count, d.jsonList(cols.names), rows)
	case resultSetKeyspace:
		return "Response type = SET_KEYSPACE\nKeyspace = " + r.string()
	case resultPrepared:
		id := r.shortBytes()
		d.preparedMetadata(r, version)
		cols := d.rowsMetadata(r)
		return fmt.Sprintf("Response type = PREPARED\nId = %s\nNumber of columns = %d\n%s",
			hex.EncodeToString(id), cols.count, d.jsonList(cols.names))
	case resultSchemaChange:
		var b strings.Builder
		b.WriteString("Response type = SCHEMA_CHANGE\n")
		b.WriteString(schemaChangeLines(r))
		return b.String()
	default:
		r.err = fmt.Errorf("%w: result kind %d", ErrMalformedBody, kind)
		return ""
	}
}

type columns struct {
	count int
	names []string
}

// rowsMetadata reads <metadata> of a ROWS or PREPARED result.
func (d *Decoder) rowsMetadata(r *reader) columns {
	flags := r.int()
	count := int(r.int())
	if r.err == nil && count < 0 {
		r.err = fmt.Errorf("%w: column count %d", ErrMalformedBody, count)
	}
	if flags&rowsHasMorePages != 0 {
		r.bytes() // paging state
	}
	if r.err != nil {
		return columns{}
	}
	cols := columns{count: count, names: []string{}}
	if flags&rowsNoMetadata != 0 {
		return cols
	}
	cols.names = d.columnSpecs(r, flags, count)
	return cols
}

// preparedMetadata skips the bind-variable metadata of a PREPARED result.
func (d *Decoder) preparedMetadata(r *reader, version uint8) {
	flags := r.int()
	count := int(r.int())
	if version >= 4 {
		pk := r.count(2)
		for i := 0; i < pk && r.err == nil; i++ {
			r.short()
		}
	}
	if r.err == nil && count < 0 {
		r.err = fmt.Errorf("%w: bind variable count %d", ErrMalformedBody, count)
	}
	if r.err != nil {
		return
	}
	d.columnSpecs(r, flags, count)
}

// columnSpecs reads count <col_spec>s and returns the column names. Each spec
// is at least a name and an option id, which bounds count by the body size.
func (d *Decoder) columnSpecs(r *reader, flags int32, count int) []string {
	global := flags&rowsGlobalTablesSpec != 0
	if global {
		r.string() // keyspace
		r.string() // table
	}
	if r.err == nil && count*4 > r.remaining() {
		r.err = fmt.Errorf("%w: column count %d exceeds body", ErrMalformedBody, count)
	}
	if r.err != nil {
		return nil
	}
	names := make([]string, 0, count)
	for i := 0; i < count && r.err == nil; i++ {
		if !global {
			r.string()
			r.string()
		}
		names = append(names, r.string())
		r.skipOption(0)
	}
	return names
}

func schemaChangeLines(r *reader) string {
	change := r.string()
	target := r.string()
	lines := []string{"Change type = " + change, "Target = " + target}
	switch target {
	case "KEYSPACE":
		lines = append(lines, "Keyspace = "+r.string())
	case "TABLE", "TYPE":
		lines = append(lines, "Keyspace = "+r.string(), "Name = "+r.string())
	case "FUNCTION", "AGGREGATE":
		ks := r.string()
		name := r.string()
		args := r.stringList()
		lines = append(lines, "Keyspace = "+ks, "Name = "+name, "Arguments = "+strings.Join(args, ","))
	}
	return strings.Join(lines, "\n")
}
