// Package columnar - Column-oriented model for analytics scans
//
// What: Typed columns stored contiguously with null bitmaps, plus
//      vectorized aggregates (count/sum/min/max/avg). The package has no
//      predicate scan.
// How: Each column packs values into one byte slice (fixed 8-byte cells
//      for numbers, length-prefixed for strings) with a one-bit-per-row
//      null bitmap. Tables persist column-wise through the storage core
//      under "col:<table>:<column>", one entry per column.
// Why: Row storage reads whole entries to touch one field; analytics
//      wants the opposite layout.
package columnar

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/rs/zerolog"

	"github.com/driftdb/drift/internal/dberr"
	"github.com/driftdb/drift/internal/logx"
	"github.com/driftdb/drift/internal/storage"
)

const keyPrefix = "col:"

// Type is a column's element type.
type Type uint8

const (
	Int64 Type = iota
	Float64
	String
	Bool
)

func (t Type) String() string {
	switch t {
	case Int64:
		return "int64"
	case Float64:
		return "float64"
	case String:
		return "string"
	case Bool:
		return "bool"
	default:
		return "unknown"
	}
}

// Column is one typed value vector with a null bitmap.
type Column struct {
	Name     string
	Type     Type
	RowCount int

	values []byte
	nulls  []byte // one bit per row
}

// NewColumn creates an empty column.
func NewColumn(name string, typ Type) *Column {
	return &Column{Name: name, Type: typ}
}

func (c *Column) ensureNullBitmap() {
	need := (c.RowCount + 8) / 8
	for len(c.nulls) < need {
		c.nulls = append(c.nulls, 0)
	}
}

func (c *Column) setNull(row int) {
	c.nulls[row/8] |= 1 << (row % 8)
}

// IsNull reports whether the row holds null.
func (c *Column) IsNull(row int) bool {
	if row/8 >= len(c.nulls) {
		return false
	}
	return c.nulls[row/8]&(1<<(row%8)) != 0
}

// AppendInt64 appends a value or null to an Int64 column.
func (c *Column) AppendInt64(v *int64) error {
	if c.Type != Int64 {
		return dberr.New(dberr.KindValidation, "columnar.append",
			"column %s is %s, not int64", c.Name, c.Type)
	}
	row := c.RowCount
	c.RowCount++
	c.ensureNullBitmap()
	var cell [8]byte
	if v != nil {
		binary.LittleEndian.PutUint64(cell[:], uint64(*v))
	} else {
		c.setNull(row)
	}
	c.values = append(c.values, cell[:]...)
	return nil
}

// AppendFloat64 appends a value or null to a Float64 column.
func (c *Column) AppendFloat64(v *float64) error {
	if c.Type != Float64 {
		return dberr.New(dberr.KindValidation, "columnar.append",
			"column %s is %s, not float64", c.Name, c.Type)
	}
	row := c.RowCount
	c.RowCount++
	c.ensureNullBitmap()
	var cell [8]byte
	if v != nil {
		binary.LittleEndian.PutUint64(cell[:], math.Float64bits(*v))
	} else {
		c.setNull(row)
	}
	c.values = append(c.values, cell[:]...)
	return nil
}

// AppendString appends a value or null to a String column.
func (c *Column) AppendString(v *string) error {
	if c.Type != String {
		return dberr.New(dberr.KindValidation, "columnar.append",
			"column %s is %s, not string", c.Name, c.Type)
	}
	row := c.RowCount
	c.RowCount++
	c.ensureNullBitmap()
	var lenBuf [4]byte
	if v != nil {
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(*v)))
		c.values = append(c.values, lenBuf[:]...)
		c.values = append(c.values, *v...)
	} else {
		c.setNull(row)
		c.values = append(c.values, lenBuf[:]...)
	}
	return nil
}

// Int64At returns the value at row (nil = null).
func (c *Column) Int64At(row int) (*int64, error) {
	if c.Type != Int64 {
		return nil, dberr.New(dberr.KindValidation, "columnar.get", "column %s is %s", c.Name, c.Type)
	}
	if row < 0 || row >= c.RowCount {
		return nil, dberr.New(dberr.KindValidation, "columnar.get", "row %d out of range", row)
	}
	if c.IsNull(row) {
		return nil, nil
	}
	v := int64(binary.LittleEndian.Uint64(c.values[row*8 : row*8+8]))
	return &v, nil
}

// Float64At returns the value at row (nil = null).
func (c *Column) Float64At(row int) (*float64, error) {
	if c.Type != Float64 {
		return nil, dberr.New(dberr.KindValidation, "columnar.get", "column %s is %s", c.Name, c.Type)
	}
	if row < 0 || row >= c.RowCount {
		return nil, dberr.New(dberr.KindValidation, "columnar.get", "row %d out of range", row)
	}
	if c.IsNull(row) {
		return nil, nil
	}
	v := math.Float64frombits(binary.LittleEndian.Uint64(c.values[row*8 : row*8+8]))
	return &v, nil
}

// StringAt returns the value at row (nil = null). Strings are variable
// width, so the read walks length prefixes.
func (c *Column) StringAt(row int) (*string, error) {
	if c.Type != String {
		return nil, dberr.New(dberr.KindValidation, "columnar.get", "column %s is %s", c.Name, c.Type)
	}
	if row < 0 || row >= c.RowCount {
		return nil, dberr.New(dberr.KindValidation, "columnar.get", "row %d out of range", row)
	}
	offset := 0
	for i := 0; i < row; i++ {
		n := int(binary.LittleEndian.Uint32(c.values[offset : offset+4]))
		offset += 4 + n
	}
	if c.IsNull(row) {
		return nil, nil
	}
	n := int(binary.LittleEndian.Uint32(c.values[offset : offset+4]))
	s := string(c.values[offset+4 : offset+4+n])
	return &s, nil
}

// Aggregate is the result of a numeric column aggregation.
type Aggregate struct {
	Count uint64
	Sum   float64
	Min   float64
	Max   float64
	Avg   float64
}

// AggregateFloat64 computes count/sum/min/max/avg over non-null cells,
// reading the packed vector directly.
func (c *Column) AggregateFloat64() (Aggregate, error) {
	var agg Aggregate
	read := func(row int) (float64, bool) {
		if c.IsNull(row) {
			return 0, false
		}
		bits := binary.LittleEndian.Uint64(c.values[row*8 : row*8+8])
		switch c.Type {
		case Int64:
			return float64(int64(bits)), true
		case Float64:
			return math.Float64frombits(bits), true
		}
		return 0, false
	}
	if c.Type != Int64 && c.Type != Float64 {
		return agg, dberr.New(dberr.KindValidation, "columnar.aggregate",
			"column %s is %s, not numeric", c.Name, c.Type)
	}

	for row := 0; row < c.RowCount; row++ {
		v, ok := read(row)
		if !ok {
			continue
		}
		if agg.Count == 0 {
			agg.Min, agg.Max = v, v
		}
		agg.Count++
		agg.Sum += v
		if v < agg.Min {
			agg.Min = v
		}
		if v > agg.Max {
			agg.Max = v
		}
	}
	if agg.Count > 0 {
		agg.Avg = agg.Sum / float64(agg.Count)
	}
	return agg, nil
}

// encode serializes the column for the storage core.
func (c *Column) encode() []byte {
	header := make([]byte, 0, 16+len(c.Name))
	var num [8]byte
	binary.LittleEndian.PutUint32(num[:4], uint32(len(c.Name)))
	header = append(header, num[:4]...)
	header = append(header, c.Name...)
	header = append(header, byte(c.Type))
	binary.LittleEndian.PutUint64(num[:], uint64(c.RowCount))
	header = append(header, num[:]...)
	binary.LittleEndian.PutUint32(num[:4], uint32(len(c.nulls)))
	header = append(header, num[:4]...)
	header = append(header, c.nulls...)
	return append(header, c.values...)
}

func decodeColumn(raw []byte) (*Column, error) {
	if len(raw) < 4 {
		return nil, dberr.New(dberr.KindCorruptedData, "columnar.decode", "short column blob")
	}
	nameLen := int(binary.LittleEndian.Uint32(raw[:4]))
	pos := 4
	if len(raw) < pos+nameLen+13 {
		return nil, dberr.New(dberr.KindCorruptedData, "columnar.decode", "short column blob")
	}
	c := &Column{Name: string(raw[pos : pos+nameLen])}
	pos += nameLen
	c.Type = Type(raw[pos])
	pos++
	c.RowCount = int(binary.LittleEndian.Uint64(raw[pos : pos+8]))
	pos += 8
	nullLen := int(binary.LittleEndian.Uint32(raw[pos : pos+4]))
	pos += 4
	if len(raw) < pos+nullLen {
		return nil, dberr.New(dberr.KindCorruptedData, "columnar.decode", "short null bitmap")
	}
	c.nulls = append([]byte(nil), raw[pos:pos+nullLen]...)
	pos += nullLen
	c.values = append([]byte(nil), raw[pos:]...)
	return c, nil
}

// Table is a set of equal-length columns.
type Table struct {
	name  string
	store *storage.Store

	mu      sync.RWMutex
	columns map[string]*Column
}

// Engine is the columnar model over one storage core.
type Engine struct {
	store *storage.Store
	log   zerolog.Logger

	mu     sync.Mutex
	tables map[string]*Table
}

// New wraps a storage core with the columnar model.
func New(store *storage.Store) *Engine {
	return &Engine{
		store:  store,
		log:    logx.WithComponent("columnar"),
		tables: make(map[string]*Table),
	}
}

// Table returns (creating on first use) a named table, loading any
// persisted columns.
func (e *Engine) Table(name string) *Table {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.tables[name]; ok {
		return t
	}
	t := &Table{name: name, store: e.store, columns: make(map[string]*Column)}
	for _, kv := range e.store.ScanPrefix(keyPrefix + name + ":") {
		col, err := decodeColumn(kv.Value)
		if err != nil {
			e.log.Warn().Err(err).Str("key", kv.Key).Msg("undecodable column skipped")
			continue
		}
		t.columns[col.Name] = col
	}
	e.tables[name] = t
	return t
}

// AddColumn declares a typed column.
func (t *Table) AddColumn(name string, typ Type) (*Column, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.columns[name]; ok {
		return nil, dberr.New(dberr.KindConstraintViolation, "columnar.add_column",
			"column %q already exists on %s", name, t.name)
	}
	c := NewColumn(name, typ)
	t.columns[name] = c
	return c, nil
}

// Column returns a declared column.
func (t *Table) Column(name string) (*Column, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.columns[name]
	if !ok {
		return nil, dberr.KeyNotFound("columnar.column", name)
	}
	return c, nil
}

// Flush persists every column through the storage core.
func (t *Table) Flush() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for name, c := range t.columns {
		key := keyPrefix + t.name + ":" + name
		if err := t.store.PutString(key, c.encode()); err != nil {
			return err
		}
	}
	return nil
}
