package sparkplugb

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNDataWireVector(t *testing.T) {
	// seq=1, timestamp=1000, one UINT8 metric "m"=42. Field order on encode
	// is seq, timestamp, metrics.
	p := &NData{
		Timestamp: 1000,
		Seq:       1,
		Metrics:   []Metric{NewMetric("m", DataTypeUInt8, 42)},
	}
	b, err := p.Encode()
	require.NoError(t, err)
	assert.Equal(t, "1801"+"08e807"+"1207"+"0a016d"+"2005"+"502a", hex.EncodeToString(b))
}

func TestPayloadRoundTrips(t *testing.T) {
	metrics := []Metric{
		NewMetric("m", DataTypeUInt8, uint8(42)),
		NewMetric("s", DataTypeString, "v"),
	}
	cases := []Payload{
		&NBirth{Timestamp: 1000, Seq: 0, Metrics: metrics},
		&DBirth{Timestamp: 1000, Seq: 3, Metrics: metrics},
		&NData{Timestamp: 1000, Seq: 200, Metrics: metrics},
		&DData{Timestamp: 1000, Seq: 255, Metrics: metrics},
		&NCmd{Timestamp: 1000, Metrics: metrics},
		&DCmd{Timestamp: 1000, Metrics: metrics},
		&NDeath{Timestamp: 1000, BdSeq: NewMetric(BdSeqMetricName, DataTypeUInt64, uint64(4))},
		&DDeath{Timestamp: 1000, Seq: 9},
		&State{Timestamp: 1000, Online: true},
	}
	for _, in := range cases {
		raw, err := in.Encode()
		require.NoError(t, err, "%T", in)
		out, err := DecodePayload(in.MessageType(), raw)
		require.NoError(t, err, "%T", in)
		assert.Equal(t, in, out, "%T", in)
	}
}

func TestDecodeSequencedPayloadRequiresTimestampAndSeq(t *testing.T) {
	// Only a seq field: timestamp is required.
	raw := appendVarintField(nil, payloadFieldSeq, 1)
	_, err := DecodePayload(MessageTypeNData, raw)
	var codecErr *CodecError
	assert.ErrorAs(t, err, &codecErr)

	// Only a timestamp: seq is required.
	raw = appendVarintField(nil, payloadFieldTimestamp, 1000)
	_, err = DecodePayload(MessageTypeNData, raw)
	assert.ErrorAs(t, err, &codecErr)
}

func TestDecodeSeqOutOfRange(t *testing.T) {
	raw := appendVarintField(nil, payloadFieldSeq, 300)
	raw = appendVarintField(raw, payloadFieldTimestamp, 1000)
	_, err := DecodePayload(MessageTypeNData, raw)
	var codecErr *CodecError
	assert.ErrorAs(t, err, &codecErr)
}

func TestDecodeBirthRequiresNamedTypedMetrics(t *testing.T) {
	// Metric without a name.
	var metric []byte
	metric = appendVarintField(metric, metricFieldDatatype, uint64(DataTypeUInt8))
	metric = appendVarintField(metric, metricFieldIntValue, 1)
	raw := appendVarintField(nil, payloadFieldSeq, 0)
	raw = appendVarintField(raw, payloadFieldTimestamp, 1000)
	raw = appendBytesField(raw, payloadFieldMetrics, metric)

	_, err := DecodePayload(MessageTypeNBirth, raw)
	assert.ErrorIs(t, err, ErrInvalidMetric)
}

func TestDecodeNDeathRequiresBdSeq(t *testing.T) {
	raw := appendVarintField(nil, payloadFieldTimestamp, 1000)
	_, err := DecodePayload(MessageTypeNDeath, raw)
	var codecErr *CodecError
	assert.ErrorAs(t, err, &codecErr)
}

func TestDecodeNDeathTimestampOptional(t *testing.T) {
	in := &NDeath{BdSeq: NewMetric(BdSeqMetricName, DataTypeUInt64, uint64(7))}
	raw, err := in.Encode()
	require.NoError(t, err)
	out, err := DecodePayload(MessageTypeNDeath, raw)
	require.NoError(t, err)
	death := out.(*NDeath)
	assert.Zero(t, death.Timestamp)
	assert.Equal(t, uint64(7), death.BdSeq.Value)
}

func TestDecodePayloadSkipsUnknownFields(t *testing.T) {
	p := &NData{Timestamp: 1000, Seq: 1, Metrics: []Metric{NewMetric("m", DataTypeBoolean, true)}}
	raw, err := p.Encode()
	require.NoError(t, err)
	// The uuid and body extension fields are skipped by the variants.
	raw = appendStringField(raw, payloadFieldUUID, "ignored")
	raw = appendBytesField(raw, payloadFieldBody, []byte{1, 2, 3})
	// A field number outside the Payload schema.
	raw = appendVarintField(raw, 99, 1)

	out, err := DecodePayload(MessageTypeNData, raw)
	require.NoError(t, err)
	assert.Equal(t, p, out)
}

func TestStateJSON(t *testing.T) {
	in := &State{Timestamp: 1694000000000, Online: false}
	raw, err := in.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"online": false, "timestamp": 1694000000000}`, string(raw))

	_, err = DecodePayload(MessageTypeState, []byte("not-json"))
	var codecErr *CodecError
	assert.ErrorAs(t, err, &codecErr)
}

func TestDataWithBirthHint(t *testing.T) {
	// A DDATA metric without a datatype resolves through the birth's types.
	var metric []byte
	metric = appendStringField(metric, metricFieldName, "x")
	metric = appendVarintField(metric, metricFieldIntValue, 7)
	raw := appendVarintField(nil, payloadFieldSeq, 2)
	raw = appendVarintField(raw, payloadFieldTimestamp, 1000)
	raw = appendBytesField(raw, payloadFieldMetrics, metric)

	types := birthDataTypes([]Metric{NewMetric("x", DataTypeUInt8, uint8(1))})
	out, err := DecodePayloadWithBirth(MessageTypeDData, raw, func(name string) DataType { return types[name] })
	require.NoError(t, err)
	data := out.(*DData)
	require.Len(t, data.Metrics, 1)
	assert.Equal(t, DataTypeUInt8, data.Metrics[0].DataType)
	assert.Equal(t, uint8(7), data.Metrics[0].Value)

	// Without the hint the value cannot be interpreted.
	_, err = DecodePayload(MessageTypeDData, raw)
	var codecErr *CodecError
	assert.ErrorAs(t, err, &codecErr)
}
