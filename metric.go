package sparkplugb

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Metric field numbers from the Sparkplug B Payload.Metric message.
const (
	metricFieldName         = protowire.Number(1)
	metricFieldAlias        = protowire.Number(2)
	metricFieldTimestamp    = protowire.Number(3)
	metricFieldDatatype     = protowire.Number(4)
	metricFieldIsHistorical = protowire.Number(5)
	metricFieldIsTransient  = protowire.Number(6)
	metricFieldIsNull       = protowire.Number(7)
	metricFieldMetadata     = protowire.Number(8)

	metricFieldIntValue     = protowire.Number(10)
	metricFieldLongValue    = protowire.Number(11)
	metricFieldFloatValue   = protowire.Number(12)
	metricFieldDoubleValue  = protowire.Number(13)
	metricFieldBooleanValue = protowire.Number(14)
	metricFieldStringValue  = protowire.Number(15)
	metricFieldBytesValue   = protowire.Number(16)
)

// Metric is a single Sparkplug B metric. A nil Value (or IsNull set) is
// encoded with is_null=true and no value field.
type Metric struct {
	// Name of the metric. Required on birth payloads.
	Name string

	// Timestamp of data acquisition, in ms since the Unix epoch, UTC.
	// Zero means unset.
	Timestamp int64

	// DataType tags the value.
	DataType DataType

	// Value of the metric, ranged by DataType. Nil means null.
	Value any

	// IsHistorical marks data that should not update the real-time tag.
	IsHistorical bool

	// IsTransient tells consumers not to store this metric.
	IsTransient bool

	// IsNull marks an explicitly null value.
	IsNull bool

	// Metadata optionally describes the value, e.g. for chunked uploads.
	Metadata *MetaData
}

// NewMetric builds a metric from a name, datatype and value. Validation
// happens on encode; see Validate.
func NewMetric(name string, datatype DataType, value any) Metric {
	return Metric{Name: name, DataType: datatype, Value: value}
}

// WithTimestamp returns a copy of the metric stamped with ts.
func (m Metric) WithTimestamp(ts int64) Metric {
	m.Timestamp = ts
	return m
}

// Validate checks the (datatype, value) pair without encoding. It returns
// ErrNotImplementedDatatype for unsupported datatypes and ErrInvalidMetric
// for out-of-range or wrongly-typed values.
func (m Metric) Validate() error {
	if !m.DataType.Supported() {
		return fmt.Errorf("%w: %s", ErrNotImplementedDatatype, m.DataType)
	}
	if m.Timestamp < 0 {
		return fmt.Errorf("%w: negative timestamp %d", ErrInvalidMetric, m.Timestamp)
	}
	_, err := m.DataType.normalize(m.Value)
	return err
}

// normalized returns a copy of the metric with its value rewritten to the
// canonical runtime type for its datatype.
func (m Metric) normalized() (Metric, error) {
	v, err := m.DataType.normalize(m.Value)
	if err != nil {
		return Metric{}, err
	}
	m.Value = v
	if v == nil {
		m.IsNull = true
	}
	return m, nil
}

// encode appends the length-delimited Metric message, validating the
// (datatype, value) pair first.
func (m Metric) encode(b []byte) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	value, err := m.DataType.normalize(m.Value)
	if err != nil {
		return nil, err
	}

	var body []byte
	if m.Name != "" {
		body = appendStringField(body, metricFieldName, m.Name)
	}
	if m.Timestamp != 0 {
		body = appendVarintField(body, metricFieldTimestamp, uint64(m.Timestamp))
	}
	body = appendVarintField(body, metricFieldDatatype, uint64(m.DataType))
	if m.IsHistorical {
		body = appendBoolField(body, metricFieldIsHistorical, true)
	}
	if m.IsTransient {
		body = appendBoolField(body, metricFieldIsTransient, true)
	}
	if m.Metadata != nil {
		body = appendBytesField(body, metricFieldMetadata, m.Metadata.encode(nil))
	}
	if value == nil || m.IsNull {
		body = appendBoolField(body, metricFieldIsNull, true)
		return appendBytesField(b, payloadFieldMetrics, body), nil
	}

	body, err = appendMetricValue(body, m.DataType, value)
	if err != nil {
		return nil, err
	}
	return appendBytesField(b, payloadFieldMetrics, body), nil
}

func appendMetricValue(b []byte, d DataType, value any) ([]byte, error) {
	if d.IsArray() {
		packed, err := d.packArray(value)
		if err != nil {
			return nil, err
		}
		return appendBytesField(b, metricFieldBytesValue, packed), nil
	}
	switch d.slot() {
	case slotInt:
		// Signed values reinterpret their two's-complement bit pattern as
		// the same-width unsigned value before packing into int_value.
		var u uint32
		switch v := value.(type) {
		case int8:
			u = uint32(uint8(v))
		case int16:
			u = uint32(uint16(v))
		case int32:
			u = uint32(v)
		case uint8:
			u = uint32(v)
		case uint16:
			u = uint32(v)
		case uint32:
			u = v
		}
		return appendVarintField(b, metricFieldIntValue, uint64(u)), nil
	case slotLong:
		var u uint64
		switch v := value.(type) {
		case int64:
			u = uint64(v)
		case uint64:
			u = v
		case time.Time:
			u = uint64(v.UnixMilli())
		}
		return appendVarintField(b, metricFieldLongValue, u), nil
	case slotFloat:
		return appendFixed32Field(b, metricFieldFloatValue, math.Float32bits(value.(float32))), nil
	case slotDouble:
		return appendFixed64Field(b, metricFieldDoubleValue, math.Float64bits(value.(float64))), nil
	case slotBoolean:
		return appendBoolField(b, metricFieldBooleanValue, value.(bool)), nil
	case slotString:
		return appendStringField(b, metricFieldStringValue, value.(string)), nil
	case slotBytes:
		return appendBytesField(b, metricFieldBytesValue, value.([]byte)), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotImplementedDatatype, d)
}

// rawMetricValue holds the wire value slot of a metric until the datatype is
// known, so values can be converted after all fields are consumed.
type rawMetricValue struct {
	slot    wireSlot
	uintVal uint64
	f32     float32
	f64     float64
	boolVal bool
	strVal  string
	byteVal []byte
	offset  int
}

// dataTypeHint resolves a metric name to the datatype its birth declared,
// for payloads whose metrics omit datatypes.
type dataTypeHint func(name string) DataType

// decodeMetric decodes one length-delimited Metric message. Unknown fields
// (including aliases and the unsupported dataset/template slots' neighbours)
// are skipped; duplicated scalar fields take the last value.
func decodeMetric(raw []byte, base int, hint dataTypeHint) (Metric, error) {
	var (
		m   Metric
		val *rawMetricValue
	)
	dec := &wireDecoder{buf: raw, base: base}
	for !dec.done() {
		num, typ, err := dec.readTag()
		if err != nil {
			return Metric{}, err
		}
		switch num {
		case metricFieldName:
			if m.Name, err = dec.readString(num); err != nil {
				return Metric{}, err
			}
		case metricFieldTimestamp:
			v, err := dec.readVarint(num)
			if err != nil {
				return Metric{}, err
			}
			m.Timestamp = int64(v)
		case metricFieldDatatype:
			v, err := dec.readVarint(num)
			if err != nil {
				return Metric{}, err
			}
			m.DataType = DataType(v)
		case metricFieldIsHistorical:
			v, err := dec.readVarint(num)
			if err != nil {
				return Metric{}, err
			}
			m.IsHistorical = protowire.DecodeBool(v)
		case metricFieldIsTransient:
			v, err := dec.readVarint(num)
			if err != nil {
				return Metric{}, err
			}
			m.IsTransient = protowire.DecodeBool(v)
		case metricFieldIsNull:
			v, err := dec.readVarint(num)
			if err != nil {
				return Metric{}, err
			}
			m.IsNull = protowire.DecodeBool(v)
		case metricFieldMetadata:
			off := dec.offset()
			b, err := dec.readBytes(num)
			if err != nil {
				return Metric{}, err
			}
			if m.Metadata, err = decodeMetaData(b, off); err != nil {
				return Metric{}, err
			}
		case metricFieldIntValue:
			off := dec.offset()
			v, err := dec.readVarint(num)
			if err != nil {
				return Metric{}, err
			}
			if v > math.MaxUint32 {
				return Metric{}, newCodecError(off, num, "int_value exceeds 32 bits")
			}
			val = &rawMetricValue{slot: slotInt, uintVal: v, offset: off}
		case metricFieldLongValue:
			off := dec.offset()
			v, err := dec.readVarint(num)
			if err != nil {
				return Metric{}, err
			}
			val = &rawMetricValue{slot: slotLong, uintVal: v, offset: off}
		case metricFieldFloatValue:
			off := dec.offset()
			v, err := dec.readFixed32(num)
			if err != nil {
				return Metric{}, err
			}
			val = &rawMetricValue{slot: slotFloat, f32: math.Float32frombits(v), offset: off}
		case metricFieldDoubleValue:
			off := dec.offset()
			v, err := dec.readFixed64(num)
			if err != nil {
				return Metric{}, err
			}
			val = &rawMetricValue{slot: slotDouble, f64: math.Float64frombits(v), offset: off}
		case metricFieldBooleanValue:
			off := dec.offset()
			v, err := dec.readVarint(num)
			if err != nil {
				return Metric{}, err
			}
			val = &rawMetricValue{slot: slotBoolean, boolVal: protowire.DecodeBool(v), offset: off}
		case metricFieldStringValue:
			off := dec.offset()
			v, err := dec.readString(num)
			if err != nil {
				return Metric{}, err
			}
			val = &rawMetricValue{slot: slotString, strVal: v, offset: off}
		case metricFieldBytesValue:
			off := dec.offset()
			v, err := dec.readBytes(num)
			if err != nil {
				return Metric{}, err
			}
			val = &rawMetricValue{slot: slotBytes, byteVal: v, offset: off}
		default:
			if err := dec.skip(num, typ); err != nil {
				return Metric{}, err
			}
		}
	}

	if m.DataType != DataTypeUnknown && !m.DataType.Known() {
		return Metric{}, newCodecError(base, metricFieldDatatype, "datatype tag outside the known enumeration")
	}
	if m.DataType == DataTypeUnknown && hint != nil && m.Name != "" {
		m.DataType = hint(m.Name)
	}
	if m.DataType.Known() && !m.DataType.Supported() && m.DataType != DataTypeUnknown {
		return Metric{}, fmt.Errorf("%w: %s", ErrNotImplementedDatatype, m.DataType)
	}

	if val == nil || m.IsNull {
		m.Value = nil
		if val == nil {
			m.IsNull = true
		}
		return m, nil
	}
	value, err := decodeMetricValue(m.DataType, val)
	if err != nil {
		return Metric{}, err
	}
	m.Value = value
	return m, nil
}

func decodeMetricValue(d DataType, val *rawMetricValue) (any, error) {
	if d == DataTypeUnknown {
		return nil, newCodecError(val.offset, 0, "metric value without a datatype")
	}
	if d.IsArray() {
		if val.slot != slotBytes {
			return nil, newCodecError(val.offset, 0, "array datatype outside bytes_value")
		}
		v, err := d.unpackArray(val.byteVal)
		if err != nil {
			return nil, newCodecError(val.offset, metricFieldBytesValue, err.Error())
		}
		return v, nil
	}
	if val.slot != d.slot() {
		return nil, newCodecError(val.offset, 0, fmt.Sprintf("value field does not match datatype %s", d))
	}
	switch d {
	case DataTypeInt8, DataTypeInt16, DataTypeInt32:
		bits := map[DataType]uint{DataTypeInt8: 8, DataTypeInt16: 16, DataTypeInt32: 32}[d]
		if bits < 32 && val.uintVal >= 1<<bits {
			return nil, fmt.Errorf("%w: %s overflow with value %d", ErrInvalidMetric, d, val.uintVal)
		}
		switch d {
		case DataTypeInt8:
			return int8(uint8(val.uintVal)), nil
		case DataTypeInt16:
			return int16(uint16(val.uintVal)), nil
		default:
			return int32(uint32(val.uintVal)), nil
		}
	case DataTypeUInt8, DataTypeUInt16, DataTypeUInt32:
		return d.normalize(val.uintVal)
	case DataTypeInt64:
		return int64(val.uintVal), nil
	case DataTypeUInt64:
		return val.uintVal, nil
	case DataTypeDateTime:
		return time.UnixMilli(int64(val.uintVal)).UTC(), nil
	case DataTypeFloat:
		return val.f32, nil
	case DataTypeDouble:
		return val.f64, nil
	case DataTypeBoolean:
		return val.boolVal, nil
	case DataTypeString, DataTypeText:
		return val.strVal, nil
	case DataTypeUUID:
		return d.normalize(val.strVal)
	case DataTypeBytes, DataTypeFile:
		return append([]byte(nil), val.byteVal...), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotImplementedDatatype, d)
}
