package columnar

import (
	"database/sql"
	"strings"

	"github.com/apache/arrow/go/v15/arrow"
)

// columnKind tags how a column's values are pulled off a driver row and
// appended to its Arrow builder. It is derived from the same engine
// type name used to pick the column's Arrow format string, so the two
// always agree.
type columnKind int

const (
	kindBool columnKind = iota
	kindInt8
	kindInt16
	kindInt32
	kindInt64
	kindUint8
	kindUint16
	kindUint32
	kindUint64
	kindFloat32
	kindFloat64
	kindString
	kindBinary
	kindDate32
	kindTime64us
	kindTimestamp
	kindInterval
)

// typeMapping pairs one engine type name with its Arrow format string
// (per the gateway's engine-type-to-Arrow-format table), its Arrow data
// type, and the columnKind that drives value conversion.
type typeMapping struct {
	format string
	arrow  arrow.DataType
	kind   columnKind
}

var engineTypeMappings = map[string]typeMapping{
	"BOOLEAN":      {"b", arrow.FixedWidthTypes.Boolean, kindBool},
	"TINYINT":      {"c", arrow.PrimitiveTypes.Int8, kindInt8},
	"SMALLINT":     {"s", arrow.PrimitiveTypes.Int16, kindInt16},
	"INTEGER":      {"i", arrow.PrimitiveTypes.Int32, kindInt32},
	"BIGINT":       {"l", arrow.PrimitiveTypes.Int64, kindInt64},
	"UTINYINT":     {"C", arrow.PrimitiveTypes.Uint8, kindUint8},
	"USMALLINT":    {"S", arrow.PrimitiveTypes.Uint16, kindUint16},
	"UINTEGER":     {"I", arrow.PrimitiveTypes.Uint32, kindUint32},
	"UBIGINT":      {"L", arrow.PrimitiveTypes.Uint64, kindUint64},
	"FLOAT":        {"f", arrow.PrimitiveTypes.Float32, kindFloat32},
	"DOUBLE":       {"g", arrow.PrimitiveTypes.Float64, kindFloat64},
	"VARCHAR":      {"u", arrow.BinaryTypes.String, kindString},
	"BLOB":         {"z", arrow.BinaryTypes.Binary, kindBinary},
	"DATE":         {"tdD", arrow.FixedWidthTypes.Date32, kindDate32},
	"TIME":         {"ttu", arrow.FixedWidthTypes.Time64us, kindTime64us},
	"TIMESTAMP":    {"tsu:", arrow.FixedWidthTypes.Timestamp_us, kindTimestamp},
	"TIMESTAMP_S":  {"tss:", arrow.FixedWidthTypes.Timestamp_s, kindTimestamp},
	"TIMESTAMP_MS": {"tsm:", arrow.FixedWidthTypes.Timestamp_ms, kindTimestamp},
	"TIMESTAMP_NS": {"tsn:", arrow.FixedWidthTypes.Timestamp_ns, kindTimestamp},
	"INTERVAL":     {"tiM", arrow.FixedWidthTypes.MonthInterval, kindInterval},
}

// unsupportedMapping is the fallback for any engine type name the table
// above doesn't recognize: an empty-string format (matching the spec's
// "unsupported types fall back to empty-string UTF-8 for safety") backed
// by an Arrow string column, so the value is still rendered losslessly
// via its driver string form.
var unsupportedMapping = typeMapping{"", arrow.BinaryTypes.String, kindString}

func mappingFor(engineType string) typeMapping {
	if m, ok := engineTypeMappings[strings.ToUpper(engineType)]; ok {
		return m
	}
	return unsupportedMapping
}

// resultSchema is the Arrow schema for a query result plus the per-field
// columnKind driving conversion, kept in column order.
type resultSchema struct {
	schema *arrow.Schema
	kinds  []columnKind
}

// buildResultSchema derives an Arrow schema from a cursor's column types.
// Every field is nullable, matching the gateway's result shape where any
// column may be NULL regardless of the underlying engine type.
func buildResultSchema(cols []*sql.ColumnType) *resultSchema {
	fields := make([]arrow.Field, len(cols))
	kinds := make([]columnKind, len(cols))
	for i, c := range cols {
		m := mappingFor(c.DatabaseTypeName())
		fields[i] = arrow.Field{Name: c.Name(), Type: m.arrow, Nullable: true}
		kinds[i] = m.kind
	}
	return &resultSchema{schema: arrow.NewSchema(fields, nil), kinds: kinds}
}
