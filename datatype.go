package sparkplugb

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DataType is the closed enumeration of Sparkplug B metric datatypes. The
// numeric values are the tags defined by the Sparkplug specification.
type DataType uint32

const (
	DataTypeUnknown  DataType = 0
	DataTypeInt8     DataType = 1
	DataTypeInt16    DataType = 2
	DataTypeInt32    DataType = 3
	DataTypeInt64    DataType = 4
	DataTypeUInt8    DataType = 5
	DataTypeUInt16   DataType = 6
	DataTypeUInt32   DataType = 7
	DataTypeUInt64   DataType = 8
	DataTypeFloat    DataType = 9
	DataTypeDouble   DataType = 10
	DataTypeBoolean  DataType = 11
	DataTypeString   DataType = 12
	DataTypeDateTime DataType = 13
	DataTypeText     DataType = 14
	DataTypeUUID     DataType = 15
	DataTypeDataSet  DataType = 16
	DataTypeBytes    DataType = 17
	DataTypeFile     DataType = 18
	DataTypeTemplate DataType = 19

	DataTypePropertySet     DataType = 20
	DataTypePropertySetList DataType = 21

	DataTypeInt8Array     DataType = 22
	DataTypeInt16Array    DataType = 23
	DataTypeInt32Array    DataType = 24
	DataTypeInt64Array    DataType = 25
	DataTypeUInt8Array    DataType = 26
	DataTypeUInt16Array   DataType = 27
	DataTypeUInt32Array   DataType = 28
	DataTypeUInt64Array   DataType = 29
	DataTypeFloatArray    DataType = 30
	DataTypeDoubleArray   DataType = 31
	DataTypeBooleanArray  DataType = 32
	DataTypeStringArray   DataType = 33
	DataTypeDateTimeArray DataType = 34
)

var dataTypeNames = map[DataType]string{
	DataTypeUnknown:         "Unknown",
	DataTypeInt8:            "Int8",
	DataTypeInt16:           "Int16",
	DataTypeInt32:           "Int32",
	DataTypeInt64:           "Int64",
	DataTypeUInt8:           "UInt8",
	DataTypeUInt16:          "UInt16",
	DataTypeUInt32:          "UInt32",
	DataTypeUInt64:          "UInt64",
	DataTypeFloat:           "Float",
	DataTypeDouble:          "Double",
	DataTypeBoolean:         "Boolean",
	DataTypeString:          "String",
	DataTypeDateTime:        "DateTime",
	DataTypeText:            "Text",
	DataTypeUUID:            "UUID",
	DataTypeDataSet:         "DataSet",
	DataTypeBytes:           "Bytes",
	DataTypeFile:            "File",
	DataTypeTemplate:        "Template",
	DataTypePropertySet:     "PropertySet",
	DataTypePropertySetList: "PropertySetList",
	DataTypeInt8Array:       "Int8Array",
	DataTypeInt16Array:      "Int16Array",
	DataTypeInt32Array:      "Int32Array",
	DataTypeInt64Array:      "Int64Array",
	DataTypeUInt8Array:      "UInt8Array",
	DataTypeUInt16Array:     "UInt16Array",
	DataTypeUInt32Array:     "UInt32Array",
	DataTypeUInt64Array:     "UInt64Array",
	DataTypeFloatArray:      "FloatArray",
	DataTypeDoubleArray:     "DoubleArray",
	DataTypeBooleanArray:    "BooleanArray",
	DataTypeStringArray:     "StringArray",
	DataTypeDateTimeArray:   "DateTimeArray",
}

func (d DataType) String() string {
	if s, ok := dataTypeNames[d]; ok {
		return s
	}
	return fmt.Sprintf("DataType(%d)", uint32(d))
}

// Known reports whether d is part of the Sparkplug enumeration at all,
// supported or not.
func (d DataType) Known() bool {
	_, ok := dataTypeNames[d]
	return ok
}

// Supported reports whether this library can encode and decode values of d.
// DataSet, Template and the property types are deliberately unsupported and
// yield ErrNotImplementedDatatype rather than silent misbehavior.
func (d DataType) Supported() bool {
	switch d {
	case DataTypeUnknown, DataTypeDataSet, DataTypeTemplate,
		DataTypePropertySet, DataTypePropertySetList:
		return false
	}
	return d.Known()
}

// IsArray reports whether d is one of the *_ARRAY datatypes.
func (d DataType) IsArray() bool {
	return d >= DataTypeInt8Array && d <= DataTypeDateTimeArray
}

// wireSlot identifies the Metric value field a datatype is carried in.
type wireSlot int

const (
	slotNone wireSlot = iota
	slotInt           // int_value, uint32 varint
	slotLong          // long_value, uint64 varint
	slotFloat         // float_value, 32-bit fixed
	slotDouble        // double_value, 64-bit fixed
	slotBoolean       // boolean_value, varint
	slotString        // string_value, length-delimited
	slotBytes         // bytes_value, length-delimited
)

func (d DataType) slot() wireSlot {
	switch d {
	case DataTypeInt8, DataTypeInt16, DataTypeInt32,
		DataTypeUInt8, DataTypeUInt16, DataTypeUInt32:
		return slotInt
	case DataTypeInt64, DataTypeUInt64, DataTypeDateTime:
		return slotLong
	case DataTypeFloat:
		return slotFloat
	case DataTypeDouble:
		return slotDouble
	case DataTypeBoolean:
		return slotBoolean
	case DataTypeString, DataTypeText, DataTypeUUID:
		return slotString
	case DataTypeBytes, DataTypeFile:
		return slotBytes
	}
	if d.IsArray() {
		return slotBytes
	}
	return slotNone
}

// toInt64 widens any signed or unsigned Go integer, refusing unsigned values
// above MaxInt64.
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		if uint64(n) > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}

func toUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint:
		return uint64(n), true
	case uint8:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case uint64:
		return n, true
	case int, int8, int16, int32, int64:
		i, _ := toInt64(v)
		if i < 0 {
			return 0, false
		}
		return uint64(i), true
	}
	return 0, false
}

func intInRange(d DataType, v any) (int64, error) {
	i, ok := toInt64(v)
	if !ok {
		return 0, fmt.Errorf("%w: %s requires an integer value, got %T", ErrInvalidMetric, d, v)
	}
	var lo, hi int64
	switch d {
	case DataTypeInt8:
		lo, hi = math.MinInt8, math.MaxInt8
	case DataTypeInt16:
		lo, hi = math.MinInt16, math.MaxInt16
	case DataTypeInt32:
		lo, hi = math.MinInt32, math.MaxInt32
	case DataTypeInt64:
		return i, nil
	}
	if i < lo || i > hi {
		return 0, fmt.Errorf("%w: %s overflow with value %d", ErrInvalidMetric, d, i)
	}
	return i, nil
}

func uintInRange(d DataType, v any) (uint64, error) {
	u, ok := toUint64(v)
	if !ok {
		return 0, fmt.Errorf("%w: %s requires a non-negative integer value, got %v", ErrInvalidMetric, d, v)
	}
	var hi uint64
	switch d {
	case DataTypeUInt8:
		hi = math.MaxUint8
	case DataTypeUInt16:
		hi = math.MaxUint16
	case DataTypeUInt32:
		hi = math.MaxUint32
	case DataTypeUInt64:
		return u, nil
	}
	if u > hi {
		return 0, fmt.Errorf("%w: %s overflow with value %d", ErrInvalidMetric, d, u)
	}
	return u, nil
}

// normalize validates v against the datatype's predicate and returns the
// canonical runtime value the library stores and compares: fixed-width
// integers, float32/float64, bool, string, []byte, UTC time.Time, or a
// homogeneous slice of these for array datatypes. A nil input stays nil.
func (d DataType) normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if !d.Supported() {
		return nil, fmt.Errorf("%w: %s", ErrNotImplementedDatatype, d)
	}
	switch d {
	case DataTypeInt8:
		i, err := intInRange(d, v)
		if err != nil {
			return nil, err
		}
		return int8(i), nil
	case DataTypeInt16:
		i, err := intInRange(d, v)
		if err != nil {
			return nil, err
		}
		return int16(i), nil
	case DataTypeInt32:
		i, err := intInRange(d, v)
		if err != nil {
			return nil, err
		}
		return int32(i), nil
	case DataTypeInt64:
		return intInRange(d, v)
	case DataTypeUInt8:
		u, err := uintInRange(d, v)
		if err != nil {
			return nil, err
		}
		return uint8(u), nil
	case DataTypeUInt16:
		u, err := uintInRange(d, v)
		if err != nil {
			return nil, err
		}
		return uint16(u), nil
	case DataTypeUInt32:
		u, err := uintInRange(d, v)
		if err != nil {
			return nil, err
		}
		return uint32(u), nil
	case DataTypeUInt64:
		return uintInRange(d, v)
	case DataTypeFloat:
		switch f := v.(type) {
		case float32:
			return f, nil
		case float64:
			if f != 0 && !math.IsInf(f, 0) && math.Abs(f) > math.MaxFloat32 {
				return nil, fmt.Errorf("%w: Float overflow with value %g", ErrInvalidMetric, f)
			}
			return float32(f), nil
		}
		return nil, fmt.Errorf("%w: Float requires a floating point value, got %T", ErrInvalidMetric, v)
	case DataTypeDouble:
		switch f := v.(type) {
		case float32:
			return float64(f), nil
		case float64:
			return f, nil
		}
		return nil, fmt.Errorf("%w: Double requires a floating point value, got %T", ErrInvalidMetric, v)
	case DataTypeBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: Boolean requires a bool value, got %T", ErrInvalidMetric, v)
		}
		return b, nil
	case DataTypeString, DataTypeText:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s requires a string value, got %T", ErrInvalidMetric, d, v)
		}
		return s, nil
	case DataTypeUUID:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: UUID requires a string value, got %T", ErrInvalidMetric, v)
		}
		if _, err := uuid.Parse(s); err != nil {
			return nil, fmt.Errorf("%w: %q is not a valid UUID", ErrInvalidMetric, s)
		}
		return s, nil
	case DataTypeDateTime:
		t, ok := v.(time.Time)
		if !ok {
			return nil, fmt.Errorf("%w: DateTime requires a time.Time value, got %T", ErrInvalidMetric, v)
		}
		return t.UTC(), nil
	case DataTypeBytes, DataTypeFile:
		b, ok := v.([]byte)
		if !ok {
			return nil, fmt.Errorf("%w: %s requires a []byte value, got %T", ErrInvalidMetric, d, v)
		}
		return b, nil
	}
	return d.normalizeArray(v)
}

func (d DataType) normalizeArray(v any) (any, error) {
	switch d {
	case DataTypeInt8Array:
		if a, ok := v.([]int8); ok {
			return a, nil
		}
	case DataTypeInt16Array:
		if a, ok := v.([]int16); ok {
			return a, nil
		}
	case DataTypeInt32Array:
		if a, ok := v.([]int32); ok {
			return a, nil
		}
	case DataTypeInt64Array:
		if a, ok := v.([]int64); ok {
			return a, nil
		}
	case DataTypeUInt8Array:
		if a, ok := v.([]uint8); ok {
			return a, nil
		}
	case DataTypeUInt16Array:
		if a, ok := v.([]uint16); ok {
			return a, nil
		}
	case DataTypeUInt32Array:
		if a, ok := v.([]uint32); ok {
			return a, nil
		}
	case DataTypeUInt64Array:
		if a, ok := v.([]uint64); ok {
			return a, nil
		}
	case DataTypeFloatArray:
		if a, ok := v.([]float32); ok {
			return a, nil
		}
	case DataTypeDoubleArray:
		if a, ok := v.([]float64); ok {
			return a, nil
		}
	case DataTypeBooleanArray:
		if a, ok := v.([]bool); ok {
			return a, nil
		}
	case DataTypeStringArray:
		if a, ok := v.([]string); ok {
			for _, s := range a {
				if strings.ContainsRune(s, 0) {
					return nil, fmt.Errorf("%w: StringArray element contains NUL", ErrInvalidMetric)
				}
			}
			return a, nil
		}
	case DataTypeDateTimeArray:
		if a, ok := v.([]time.Time); ok {
			out := make([]time.Time, len(a))
			for i, t := range a {
				out[i] = t.UTC()
			}
			return out, nil
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotImplementedDatatype, d)
	}
	return nil, fmt.Errorf("%w: %s element type mismatch, got %T", ErrInvalidMetric, d, v)
}

// packArray encodes a normalized array value into the packed little-endian
// bytes_value representation.
func (d DataType) packArray(v any) ([]byte, error) {
	switch d {
	case DataTypeInt8Array:
		a := v.([]int8)
		out := make([]byte, len(a))
		for i, e := range a {
			out[i] = byte(e)
		}
		return out, nil
	case DataTypeInt16Array:
		a := v.([]int16)
		out := make([]byte, 2*len(a))
		for i, e := range a {
			binary.LittleEndian.PutUint16(out[2*i:], uint16(e))
		}
		return out, nil
	case DataTypeInt32Array:
		a := v.([]int32)
		out := make([]byte, 4*len(a))
		for i, e := range a {
			binary.LittleEndian.PutUint32(out[4*i:], uint32(e))
		}
		return out, nil
	case DataTypeInt64Array:
		a := v.([]int64)
		out := make([]byte, 8*len(a))
		for i, e := range a {
			binary.LittleEndian.PutUint64(out[8*i:], uint64(e))
		}
		return out, nil
	case DataTypeUInt8Array:
		return append([]byte(nil), v.([]uint8)...), nil
	case DataTypeUInt16Array:
		a := v.([]uint16)
		out := make([]byte, 2*len(a))
		for i, e := range a {
			binary.LittleEndian.PutUint16(out[2*i:], e)
		}
		return out, nil
	case DataTypeUInt32Array:
		a := v.([]uint32)
		out := make([]byte, 4*len(a))
		for i, e := range a {
			binary.LittleEndian.PutUint32(out[4*i:], e)
		}
		return out, nil
	case DataTypeUInt64Array:
		a := v.([]uint64)
		out := make([]byte, 8*len(a))
		for i, e := range a {
			binary.LittleEndian.PutUint64(out[8*i:], e)
		}
		return out, nil
	case DataTypeFloatArray:
		a := v.([]float32)
		out := make([]byte, 4*len(a))
		for i, e := range a {
			binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(e))
		}
		return out, nil
	case DataTypeDoubleArray:
		a := v.([]float64)
		out := make([]byte, 8*len(a))
		for i, e := range a {
			binary.LittleEndian.PutUint64(out[8*i:], math.Float64bits(e))
		}
		return out, nil
	case DataTypeBooleanArray:
		// 4-byte little-endian element count, then bits LSB-first per byte.
		a := v.([]bool)
		out := make([]byte, 4+(len(a)+7)/8)
		binary.LittleEndian.PutUint32(out, uint32(len(a)))
		for i, e := range a {
			if e {
				out[4+i/8] |= 1 << (i % 8)
			}
		}
		return out, nil
	case DataTypeStringArray:
		a := v.([]string)
		var out []byte
		for _, s := range a {
			out = append(out, s...)
			out = append(out, 0)
		}
		return out, nil
	case DataTypeDateTimeArray:
		a := v.([]time.Time)
		out := make([]byte, 8*len(a))
		for i, t := range a {
			binary.LittleEndian.PutUint64(out[8*i:], uint64(t.UnixMilli()))
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotImplementedDatatype, d)
}

// unpackArray decodes the packed bytes_value representation of an array
// datatype back into its canonical slice value.
func (d DataType) unpackArray(b []byte) (any, error) {
	width := map[DataType]int{
		DataTypeInt8Array: 1, DataTypeUInt8Array: 1,
		DataTypeInt16Array: 2, DataTypeUInt16Array: 2,
		DataTypeInt32Array: 4, DataTypeUInt32Array: 4, DataTypeFloatArray: 4,
		DataTypeInt64Array: 8, DataTypeUInt64Array: 8, DataTypeDoubleArray: 8,
		DataTypeDateTimeArray: 8,
	}[d]
	if width != 0 && len(b)%width != 0 {
		return nil, fmt.Errorf("%s length %d is not a multiple of element size %d", d, len(b), width)
	}
	switch d {
	case DataTypeInt8Array:
		out := make([]int8, len(b))
		for i, e := range b {
			out[i] = int8(e)
		}
		return out, nil
	case DataTypeInt16Array:
		out := make([]int16, len(b)/2)
		for i := range out {
			out[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
		}
		return out, nil
	case DataTypeInt32Array:
		out := make([]int32, len(b)/4)
		for i := range out {
			out[i] = int32(binary.LittleEndian.Uint32(b[4*i:]))
		}
		return out, nil
	case DataTypeInt64Array:
		out := make([]int64, len(b)/8)
		for i := range out {
			out[i] = int64(binary.LittleEndian.Uint64(b[8*i:]))
		}
		return out, nil
	case DataTypeUInt8Array:
		return append([]uint8(nil), b...), nil
	case DataTypeUInt16Array:
		out := make([]uint16, len(b)/2)
		for i := range out {
			out[i] = binary.LittleEndian.Uint16(b[2*i:])
		}
		return out, nil
	case DataTypeUInt32Array:
		out := make([]uint32, len(b)/4)
		for i := range out {
			out[i] = binary.LittleEndian.Uint32(b[4*i:])
		}
		return out, nil
	case DataTypeUInt64Array:
		out := make([]uint64, len(b)/8)
		for i := range out {
			out[i] = binary.LittleEndian.Uint64(b[8*i:])
		}
		return out, nil
	case DataTypeFloatArray:
		out := make([]float32, len(b)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
		}
		return out, nil
	case DataTypeDoubleArray:
		out := make([]float64, len(b)/8)
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
		}
		return out, nil
	case DataTypeBooleanArray:
		if len(b) < 4 {
			return nil, fmt.Errorf("BooleanArray shorter than its 4-byte count prefix")
		}
		count := int(binary.LittleEndian.Uint32(b))
		bits := b[4:]
		if len(bits) < (count+7)/8 {
			return nil, fmt.Errorf("BooleanArray count %d exceeds %d packed bytes", count, len(bits))
		}
		out := make([]bool, count)
		for i := range out {
			out[i] = bits[i/8]&(1<<(i%8)) != 0
		}
		return out, nil
	case DataTypeStringArray:
		if len(b) == 0 {
			return []string{}, nil
		}
		if b[len(b)-1] != 0 {
			return nil, fmt.Errorf("StringArray missing trailing NUL terminator")
		}
		parts := strings.Split(string(b[:len(b)-1]), "\x00")
		return parts, nil
	case DataTypeDateTimeArray:
		out := make([]time.Time, len(b)/8)
		for i := range out {
			ms := int64(binary.LittleEndian.Uint64(b[8*i:]))
			out[i] = time.UnixMilli(ms).UTC()
		}
		return out, nil
	}
	return nil, fmt.Errorf("%s cannot be decoded from bytes", d)
}
