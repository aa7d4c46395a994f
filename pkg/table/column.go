package table

// ColumnType is the data type of a column.
type ColumnType int

const (
	TypeInt64 ColumnType = iota
	TypeUInt128
	TypeString
)

func (t ColumnType) String() string {
	switch t {
	case TypeInt64:
		return "INT64"
	case TypeUInt128:
		return "UINT128"
	case TypeString:
		return "STRING"
	default:
		return "UNKNOWN"
	}
}

// Column is one typed column of a Table.
type Column interface {
	Type() ColumnType
	Reset()
	Size() int  // number of rows
	Bytes() int // estimated memory usage
}

// Int64Column stores int64 values.
type Int64Column struct {
	Data []int64
}

func NewInt64Column(capacity int) *Int64Column {
	return &Int64Column{Data: make([]int64, 0, capacity)}
}

func (c *Int64Column) Type() ColumnType { return TypeInt64 }

func (c *Int64Column) Append(v int64) {
	c.Data = append(c.Data, v)
}

func (c *Int64Column) Get(i int) int64 {
	if i < 0 || i >= len(c.Data) {
		return 0
	}
	return c.Data[i]
}

func (c *Int64Column) Reset()     { c.Data = c.Data[:0] }
func (c *Int64Column) Size() int  { return len(c.Data) }
func (c *Int64Column) Bytes() int { return len(c.Data) * 8 }

// UInt128 is a 128-bit value split into two halves.
type UInt128 struct {
	High uint64
	Low  uint64
}

// UInt128Column stores 128-bit values as parallel high/low slices.
type UInt128Column struct {
	High []uint64
	Low  []uint64
}

func NewUInt128Column(capacity int) *UInt128Column {
	return &UInt128Column{
		High: make([]uint64, 0, capacity),
		Low:  make([]uint64, 0, capacity),
	}
}

func (c *UInt128Column) Type() ColumnType { return TypeUInt128 }

func (c *UInt128Column) Append(v UInt128) {
	c.High = append(c.High, v.High)
	c.Low = append(c.Low, v.Low)
}

func (c *UInt128Column) Get(i int) UInt128 {
	if i < 0 || i >= len(c.High) {
		return UInt128{}
	}
	return UInt128{High: c.High[i], Low: c.Low[i]}
}

func (c *UInt128Column) Reset() {
	c.High = c.High[:0]
	c.Low = c.Low[:0]
}

func (c *UInt128Column) Size() int  { return len(c.High) }
func (c *UInt128Column) Bytes() int { return len(c.High) * 16 }

// StringColumn stores variable-length strings in a flat buffer with offsets.
type StringColumn struct {
	Data    []byte
	Offsets []int // len is rows + 1
}

func NewStringColumn(dataCap, rowsCap int) *StringColumn {
	c := &StringColumn{
		Data:    make([]byte, 0, dataCap),
		Offsets: make([]int, 0, rowsCap+1),
	}
	c.Offsets = append(c.Offsets, 0)
	return c
}

func (c *StringColumn) Type() ColumnType { return TypeString }

// Append copies v into the column.
func (c *StringColumn) Append(v string) {
	c.Data = append(c.Data, v...)
	c.Offsets = append(c.Offsets, len(c.Data))
}

// Get returns the string at row i.
func (c *StringColumn) Get(i int) string {
	if i < 0 || i >= len(c.Offsets)-1 {
		return ""
	}
	return string(c.Data[c.Offsets[i]:c.Offsets[i+1]])
}

func (c *StringColumn) Reset() {
	c.Data = c.Data[:0]
	c.Offsets = c.Offsets[:1]
}

func (c *StringColumn) Size() int  { return len(c.Offsets) - 1 }
func (c *StringColumn) Bytes() int { return len(c.Data) + len(c.Offsets)*8 }
