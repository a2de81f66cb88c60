package columnar

import (
	"fmt"
	"time"

	"github.com/apache/arrow/go/v15/arrow"
	"github.com/apache/arrow/go/v15/arrow/array"
	"github.com/apache/arrow/go/v15/arrow/memory"
)

// appendRow appends one driver-scanned row of values onto a
// RecordBuilder, dispatching each column by its columnKind. A nil value
// is appended as NULL via the column's validity bitmap regardless of
// kind.
func appendRow(b *array.RecordBuilder, kinds []columnKind, values []any) error {
	for i, v := range values {
		fb := b.Field(i)
		if v == nil {
			fb.AppendNull()
			continue
		}
		if err := appendValue(fb, kinds[i], v); err != nil {
			return fmt.Errorf("column %d: %w", i, err)
		}
	}
	return nil
}

func appendValue(fb array.Builder, kind columnKind, v any) error {
	switch kind {
	case kindBool:
		fb.(*array.BooleanBuilder).Append(toBool(v))
	case kindInt8:
		fb.(*array.Int8Builder).Append(int8(toInt64(v)))
	case kindInt16:
		fb.(*array.Int16Builder).Append(int16(toInt64(v)))
	case kindInt32:
		fb.(*array.Int32Builder).Append(int32(toInt64(v)))
	case kindInt64:
		fb.(*array.Int64Builder).Append(toInt64(v))
	case kindUint8:
		fb.(*array.Uint8Builder).Append(uint8(toUint64(v)))
	case kindUint16:
		fb.(*array.Uint16Builder).Append(uint16(toUint64(v)))
	case kindUint32:
		fb.(*array.Uint32Builder).Append(uint32(toUint64(v)))
	case kindUint64:
		fb.(*array.Uint64Builder).Append(toUint64(v))
	case kindFloat32:
		fb.(*array.Float32Builder).Append(float32(toFloat64(v)))
	case kindFloat64:
		fb.(*array.Float64Builder).Append(toFloat64(v))
	case kindBinary:
		fb.(*array.BinaryBuilder).Append(toBytes(v))
	case kindDate32:
		fb.(*array.Date32Builder).Append(arrow.Date32FromTime(toTime(v)))
	case kindTime64us:
		t := toTime(v)
		micros := int64(t.Hour())*3600e6 + int64(t.Minute())*60e6 + int64(t.Second())*1e6 + int64(t.Nanosecond())/1000
		fb.(*array.Time64Builder).Append(arrow.Time64(micros))
	case kindTimestamp:
		ts, err := arrow.TimestampFromTime(toTime(v), fb.Type().(*arrow.TimestampType).Unit)
		if err != nil {
			return err
		}
		fb.(*array.TimestampBuilder).Append(ts)
	case kindInterval:
		fb.(*array.MonthIntervalBuilder).Append(arrow.MonthInterval(toInt64(v)))
	case kindString:
		fb.(*array.StringBuilder).Append(toString(v))
	default:
		fb.(*array.StringBuilder).Append(toString(v))
	}
	return nil
}

func toBool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case int64:
		return x != 0
	case string:
		return x == "true" || x == "1" || x == "t"
	default:
		return false
	}
}

func toInt64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int32:
		return int64(x)
	case int16:
		return int64(x)
	case int8:
		return int64(x)
	case int:
		return int64(x)
	case uint64:
		return int64(x)
	case float64:
		return int64(x)
	case []byte:
		var n int64
		fmt.Sscanf(string(x), "%d", &n)
		return n
	case string:
		var n int64
		fmt.Sscanf(x, "%d", &n)
		return n
	default:
		return 0
	}
}

func toUint64(v any) uint64 {
	switch x := v.(type) {
	case uint64:
		return x
	case uint32:
		return uint64(x)
	case uint16:
		return uint64(x)
	case uint8:
		return uint64(x)
	case int64:
		return uint64(x)
	default:
		return uint64(toInt64(v))
	}
}

func toFloat64(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int64:
		return float64(x)
	case []byte:
		var f float64
		fmt.Sscanf(string(x), "%g", &f)
		return f
	case string:
		var f float64
		fmt.Sscanf(x, "%g", &f)
		return f
	default:
		return 0
	}
}

func toBytes(v any) []byte {
	switch x := v.(type) {
	case []byte:
		return x
	case string:
		return []byte(x)
	default:
		return []byte(fmt.Sprint(x))
	}
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}

func toTime(v any) time.Time {
	switch x := v.(type) {
	case time.Time:
		return x
	case string:
		if t, err := time.Parse(time.RFC3339, x); err == nil {
			return t
		}
		if t, err := time.Parse("2006-01-02 15:04:05", x); err == nil {
			return t
		}
		return time.Time{}
	case []byte:
		return toTime(string(x))
	default:
		return time.Time{}
	}
}

// newAllocator returns the Arrow memory allocator used for every record
// builder; the gateway has no arena-reuse requirement so the default
// Go-heap allocator is sufficient.
func newAllocator() memory.Allocator {
	return memory.NewGoAllocator()
}
