package sparkplugb

import (
	"encoding/hex"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

// metricRoundTrip encodes a metric as a payload-level metrics field and
// decodes it back, the way the payload codec does.
func metricRoundTrip(t *testing.T, m Metric) Metric {
	t.Helper()
	b, err := m.encode(nil)
	require.NoError(t, err)

	dec := &wireDecoder{buf: b}
	num, _, err := dec.readTag()
	require.NoError(t, err)
	require.Equal(t, payloadFieldMetrics, num)
	raw, err := dec.readBytes(num)
	require.NoError(t, err)

	out, err := decodeMetric(raw, 0, nil)
	require.NoError(t, err)
	return out
}

func TestMetricRoundTripScalars(t *testing.T) {
	now := time.UnixMilli(1694000000000).UTC()
	cases := []Metric{
		NewMetric("i8", DataTypeInt8, int8(-3)),
		NewMetric("i16", DataTypeInt16, int16(-300)),
		NewMetric("i32", DataTypeInt32, int32(-70000)),
		NewMetric("i64", DataTypeInt64, int64(-1<<40)),
		NewMetric("u8", DataTypeUInt8, uint8(255)),
		NewMetric("u16", DataTypeUInt16, uint16(65535)),
		NewMetric("u32", DataTypeUInt32, uint32(4294967295)),
		NewMetric("u64", DataTypeUInt64, uint64(1)<<63),
		NewMetric("f", DataTypeFloat, float32(1.25)),
		NewMetric("d", DataTypeDouble, float64(-2.5)),
		NewMetric("b", DataTypeBoolean, true),
		NewMetric("s", DataTypeString, "hello"),
		NewMetric("txt", DataTypeText, "lorem ipsum"),
		NewMetric("id", DataTypeUUID, "123e4567-e89b-12d3-a456-426614174000"),
		NewMetric("dt", DataTypeDateTime, now),
		NewMetric("raw", DataTypeBytes, []byte{0x00, 0x01, 0xFF}),
		NewMetric("file", DataTypeFile, []byte("contents")),
	}
	for _, in := range cases {
		in = in.WithTimestamp(1694000000001)
		out := metricRoundTrip(t, in)
		want, err := in.normalized()
		require.NoError(t, err)
		want.IsNull = false
		assert.Equal(t, want, out, "%s", in.Name)
	}
}

func TestMetricRoundTripArrays(t *testing.T) {
	cases := []Metric{
		NewMetric("ba", DataTypeBooleanArray, []bool{true, false, true}),
		NewMetric("sa", DataTypeStringArray, []string{"x", "y"}),
		NewMetric("i16a", DataTypeInt16Array, []int16{-1, 1}),
		NewMetric("da", DataTypeDoubleArray, []float64{1.5, -1.5}),
		NewMetric("dta", DataTypeDateTimeArray, []time.Time{time.UnixMilli(1000).UTC()}),
	}
	for _, in := range cases {
		out := metricRoundTrip(t, in)
		assert.Equal(t, in.Value, out.Value, "%s", in.Name)
		assert.Equal(t, in.DataType, out.DataType, "%s", in.Name)
	}
}

func TestMetricNullRoundTrip(t *testing.T) {
	in := NewMetric("gone", DataTypeInt32, nil)
	out := metricRoundTrip(t, in)
	assert.True(t, out.IsNull)
	assert.Nil(t, out.Value)
	assert.Equal(t, DataTypeInt32, out.DataType)

	// A null metric's wire form has no value field.
	b, err := in.encode(nil)
	require.NoError(t, err)
	for _, tag := range []protowire.Number{
		metricFieldIntValue, metricFieldLongValue, metricFieldFloatValue,
		metricFieldDoubleValue, metricFieldBooleanValue,
		metricFieldStringValue, metricFieldBytesValue,
	} {
		dec := &wireDecoder{buf: b}
		num, _, err := dec.readTag()
		require.NoError(t, err)
		raw, err := dec.readBytes(num)
		require.NoError(t, err)
		inner := &wireDecoder{buf: raw}
		for !inner.done() {
			got, typ, err := inner.readTag()
			require.NoError(t, err)
			assert.NotEqual(t, tag, got)
			require.NoError(t, inner.skip(got, typ))
		}
	}
}

func TestMetricMetadataRoundTrip(t *testing.T) {
	in := NewMetric("chunk", DataTypeBytes, []byte{1, 2, 3})
	in.Metadata = &MetaData{
		IsMultiPart: true,
		ContentType: "application/octet-stream",
		Size:        3,
		Seq:         0,
		FileName:    "data.bin",
		FileType:    "bin",
		MD5:         "5289df737df57326fcdd22597afb1fac",
		Description: "first chunk",
	}
	in.IsHistorical = true
	in.IsTransient = true
	out := metricRoundTrip(t, in)
	assert.Equal(t, in.Metadata, out.Metadata)
	assert.True(t, out.IsHistorical)
	assert.True(t, out.IsTransient)
}

func TestMetricEncodeRejectsOutOfRange(t *testing.T) {
	_, err := NewMetric("m", DataTypeUInt8, 256).encode(nil)
	assert.ErrorIs(t, err, ErrInvalidMetric)

	_, err = NewMetric("m", DataTypeInt16, 32768).encode(nil)
	assert.ErrorIs(t, err, ErrInvalidMetric)
}

func TestMetricEncodeRejectsUnsupportedDatatype(t *testing.T) {
	_, err := NewMetric("tmpl", DataTypeTemplate, "x").encode(nil)
	assert.ErrorIs(t, err, ErrNotImplementedDatatype)

	_, err = NewMetric("ds", DataTypeDataSet, nil).encode(nil)
	assert.ErrorIs(t, err, ErrNotImplementedDatatype)
}

func TestDecodeMetricRejectsUnsupportedDatatype(t *testing.T) {
	// Handcrafted metric with the Template datatype tag.
	var raw []byte
	raw = appendStringField(raw, metricFieldName, "tmpl")
	raw = appendVarintField(raw, metricFieldDatatype, uint64(DataTypeTemplate))
	_, err := decodeMetric(raw, 0, nil)
	assert.ErrorIs(t, err, ErrNotImplementedDatatype)
}

func TestDecodeMetricRejectsUnknownDatatypeTag(t *testing.T) {
	var raw []byte
	raw = appendVarintField(raw, metricFieldDatatype, 250)
	_, err := decodeMetric(raw, 0, nil)
	var codecErr *CodecError
	assert.ErrorAs(t, err, &codecErr)
}

func TestDecodeMetricSkipsUnknownFields(t *testing.T) {
	var raw []byte
	raw = appendStringField(raw, metricFieldName, "m")
	// Alias is not implemented; it must be skipped, not rejected.
	raw = appendVarintField(raw, metricFieldAlias, 42)
	raw = appendVarintField(raw, metricFieldDatatype, uint64(DataTypeUInt8))
	raw = appendVarintField(raw, metricFieldIntValue, 7)
	// A field number far outside the schema.
	raw = appendStringField(raw, protowire.Number(500), "ignored")

	m, err := decodeMetric(raw, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, "m", m.Name)
	assert.Equal(t, uint8(7), m.Value)
}

func TestDecodeMetricDuplicateScalarLastWins(t *testing.T) {
	var raw []byte
	raw = appendStringField(raw, metricFieldName, "first")
	raw = appendStringField(raw, metricFieldName, "second")
	raw = appendVarintField(raw, metricFieldDatatype, uint64(DataTypeUInt8))
	raw = appendVarintField(raw, metricFieldIntValue, 1)
	raw = appendVarintField(raw, metricFieldIntValue, 2)

	m, err := decodeMetric(raw, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, "second", m.Name)
	assert.Equal(t, uint8(2), m.Value)
}

func TestDecodeMetricValueSlotMismatch(t *testing.T) {
	var raw []byte
	raw = appendVarintField(raw, metricFieldDatatype, uint64(DataTypeDouble))
	raw = appendVarintField(raw, metricFieldIntValue, 7)
	_, err := decodeMetric(raw, 0, nil)
	var codecErr *CodecError
	assert.ErrorAs(t, err, &codecErr)
}

func TestDecodeMetricRangeCheck(t *testing.T) {
	var raw []byte
	raw = appendVarintField(raw, metricFieldDatatype, uint64(DataTypeUInt8))
	raw = appendVarintField(raw, metricFieldIntValue, 300)
	_, err := decodeMetric(raw, 0, nil)
	assert.ErrorIs(t, err, ErrInvalidMetric)
}

func TestDecodeMetricInvalidUTF8(t *testing.T) {
	var raw []byte
	raw = appendVarintField(raw, metricFieldDatatype, uint64(DataTypeString))
	raw = protowire.AppendTag(raw, metricFieldStringValue, protowire.BytesType)
	raw = protowire.AppendBytes(raw, []byte{0xFF, 0xFE})
	_, err := decodeMetric(raw, 0, nil)
	var codecErr *CodecError
	require.ErrorAs(t, err, &codecErr)
	assert.Equal(t, metricFieldStringValue, codecErr.Tag)
}

func TestMetricSignedPackingTwosComplement(t *testing.T) {
	// INT8 -1 packs as 255 in int_value.
	b, err := NewMetric("m", DataTypeInt8, int8(-1)).encode(nil)
	require.NoError(t, err)
	s := hex.EncodeToString(b)
	// int_value field 10 varint: tag 0x50, value 255 = 0xff 0x01.
	assert.Contains(t, s, "50ff01")

	// INT64 -1 packs as the all-ones uint64.
	b, err = NewMetric("m", DataTypeInt64, int64(-1)).encode(nil)
	require.NoError(t, err)
	assert.Contains(t, hex.EncodeToString(b), "58ffffffffffffffffff01")
}

func TestMetricFloatBits(t *testing.T) {
	m := metricRoundTrip(t, NewMetric("f", DataTypeFloat, float32(math.Pi)))
	assert.Equal(t, float32(math.Pi), m.Value)
}
