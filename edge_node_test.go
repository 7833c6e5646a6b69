package sparkplugb

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.Out = io.Discard
	return log
}

func newTestNode(t *testing.T, metrics []Metric) (*EdgeNode, *fakeTransport) {
	t.Helper()
	client := NewClient(ClientOptions{}, quietLogger())
	transport := newFakeTransport()
	transport.install(client)
	node, err := NewEdgeNode("g", "n", metrics, client, quietLogger(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return node, transport
}

func decodeRecord(t *testing.T, rec publishRecord) *Message {
	t.Helper()
	msg, err := DecodeMessage(rec.topic, rec.payload, QoS(rec.qos), rec.retain)
	require.NoError(t, err)
	return msg
}

func TestBirthDataDeathHappyPath(t *testing.T) {
	node, transport := newTestNode(t, []Metric{NewMetric("m", DataTypeUInt8, 42)})
	require.NoError(t, node.Connect("localhost", 1883, time.Second))
	assert.Equal(t, StateOnline, node.State())

	fake := transport.current()

	// The will was armed with the NDEATH for this session.
	require.NotNil(t, fake.opts)
	assert.Equal(t, "spBv1.0/g/NDEATH/n", fake.opts.WillTopic)
	assert.Equal(t, byte(1), fake.opts.WillQos)
	assert.False(t, fake.opts.WillRetained)
	willDeath, err := DecodePayload(MessageTypeNDeath, fake.opts.WillPayload)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), willDeath.(*NDeath).BdSeq.Value)

	records := fake.records()
	require.Len(t, records, 1)
	birthMsg := decodeRecord(t, records[0])
	assert.Equal(t, "spBv1.0/g/NBIRTH/n", records[0].topic)
	assert.Equal(t, byte(1), records[0].qos)
	birth := birthMsg.Payload.(*NBirth)
	assert.Equal(t, uint8(0), birth.Seq)
	require.Len(t, birth.Metrics, 2)
	assert.Equal(t, BdSeqMetricName, birth.Metrics[0].Name)
	assert.Equal(t, DataTypeUInt64, birth.Metrics[0].DataType)
	assert.Equal(t, uint64(0), birth.Metrics[0].Value)
	assert.Equal(t, "m", birth.Metrics[1].Name)
	assert.Equal(t, uint8(42), birth.Metrics[1].Value)

	require.NoError(t, node.Update([]Metric{NewMetric("m", DataTypeUInt8, 7)}))
	records = fake.records()
	require.Len(t, records, 2)
	assert.Equal(t, "spBv1.0/g/NDATA/n", records[1].topic)
	assert.Equal(t, byte(0), records[1].qos)
	data := decodeRecord(t, records[1]).Payload.(*NData)
	assert.Equal(t, uint8(1), data.Seq)
	require.Len(t, data.Metrics, 1)
	assert.Equal(t, uint8(7), data.Metrics[0].Value)

	require.NoError(t, node.Disconnect())
	assert.Equal(t, StateOffline, node.State())
	records = fake.records()
	require.Len(t, records, 3)
	assert.Equal(t, "spBv1.0/g/NDEATH/n", records[2].topic)
	death := decodeRecord(t, records[2]).Payload.(*NDeath)
	assert.Equal(t, BdSeqMetricName, death.BdSeq.Name)
	assert.Equal(t, uint64(0), death.BdSeq.Value)
}

func TestDeviceDataUsesDeviceTopic(t *testing.T) {
	node, transport := newTestNode(t, []Metric{NewMetric("m", DataTypeUInt8, 42)})
	device, err := NewDevice("dev1", []Metric{NewMetric("x", DataTypeInt16, int16(-3))}, nil)
	require.NoError(t, err)
	require.NoError(t, node.Register(device))

	require.NoError(t, node.Connect("localhost", 1883, time.Second))
	fake := transport.current()

	records := fake.records()
	require.Len(t, records, 2)
	assert.Equal(t, "spBv1.0/g/DBIRTH/n/dev1", records[1].topic)
	dBirth := decodeRecord(t, records[1]).Payload.(*DBirth)
	assert.Equal(t, uint8(1), dBirth.Seq)
	require.Len(t, dBirth.Metrics, 1)
	assert.Equal(t, int16(-3), dBirth.Metrics[0].Value)

	require.NoError(t, node.UpdateDevice("dev1", []Metric{NewMetric("x", DataTypeInt16, int16(-4))}))
	records = fake.records()
	require.Len(t, records, 3)
	assert.Equal(t, "spBv1.0/g/DDATA/n/dev1", records[2].topic)
	dData := decodeRecord(t, records[2]).Payload.(*DData)
	assert.Equal(t, uint8(2), dData.Seq)
	assert.Equal(t, int16(-4), dData.Metrics[0].Value)
}

func TestReconnectIncrementsBdSeq(t *testing.T) {
	node, transport := newTestNode(t, nil)

	require.NoError(t, node.Connect("localhost", 1883, time.Second))
	require.NoError(t, node.Disconnect())
	require.NoError(t, node.Connect("localhost", 1883, time.Second))

	first := decodeRecord(t, transport.session(0).records()[0]).Payload.(*NBirth)
	second := decodeRecord(t, transport.session(1).records()[0]).Payload.(*NBirth)
	assert.Equal(t, uint64(0), first.Metrics[0].Value)
	assert.Equal(t, uint64(1), second.Metrics[0].Value)

	// The graceful NDEATH pairs with the first session's birth.
	deaths := transport.session(0).records()
	death := decodeRecord(t, deaths[len(deaths)-1]).Payload.(*NDeath)
	assert.Equal(t, first.Metrics[0].Value, death.BdSeq.Value)
}

func TestRebirthOnNodeControlCommand(t *testing.T) {
	node, transport := newTestNode(t, []Metric{NewMetric("m", DataTypeUInt8, 42)})
	device, err := NewDevice("dev1", []Metric{NewMetric("x", DataTypeInt16, int16(1))}, nil)
	require.NoError(t, err)
	require.NoError(t, node.Register(device))
	require.NoError(t, node.Connect("localhost", 1883, time.Second))

	fake := transport.current()
	before := len(fake.records())

	cmd := &NCmd{
		Timestamp: GetCurrentTimestamp(),
		Metrics:   []Metric{NewMetric(NodeControlRebirth, DataTypeBoolean, true)},
	}
	raw, err := cmd.Encode()
	require.NoError(t, err)
	require.True(t, fake.deliver("spBv1.0/g/NCMD/n", raw, 1))

	records := fake.records()
	require.Len(t, records, before+2)
	rebirth := decodeRecord(t, records[before]).Payload.(*NBirth)
	assert.Equal(t, uint8(0), rebirth.Seq)
	// bdSeq unchanged by a rebirth.
	assert.Equal(t, uint64(0), rebirth.Metrics[0].Value)
	dBirth := decodeRecord(t, records[before+1]).Payload.(*DBirth)
	assert.Equal(t, uint8(1), dBirth.Seq)

	// The session seq counter restarted.
	require.NoError(t, node.Update([]Metric{NewMetric("m", DataTypeUInt8, 1)}))
	data := decodeRecord(t, fake.records()[before+2]).Payload.(*NData)
	assert.Equal(t, uint8(2), data.Seq)
}

func TestCommandCallbackReceivesNonRebirthCommands(t *testing.T) {
	var got *Message
	client := NewClient(ClientOptions{}, quietLogger())
	transport := newFakeTransport()
	transport.install(client)
	node, err := NewEdgeNode("g", "n", nil, client, quietLogger(), func(_ *EdgeNode, msg *Message) {
		got = msg
	})
	require.NoError(t, err)
	require.NoError(t, node.Connect("localhost", 1883, time.Second))

	cmd := &NCmd{Timestamp: 1, Metrics: []Metric{NewMetric("Node Control/Reboot", DataTypeBoolean, true)}}
	raw, err := cmd.Encode()
	require.NoError(t, err)
	require.True(t, transport.current().deliver("spBv1.0/g/NCMD/n", raw, 1))

	require.NotNil(t, got)
	assert.Equal(t, MessageTypeNCmd, got.Topic.MessageType)
}

func TestDeviceCommandCallbackDispatch(t *testing.T) {
	var deviceGot, nodeGot *Message
	client := NewClient(ClientOptions{}, quietLogger())
	transport := newFakeTransport()
	transport.install(client)
	node, err := NewEdgeNode("g", "n", nil, client, quietLogger(), func(_ *EdgeNode, msg *Message) {
		nodeGot = msg
	})
	require.NoError(t, err)

	withHandler, err := NewDevice("dev1", nil, func(_ *EdgeNode, msg *Message) {
		deviceGot = msg
	})
	require.NoError(t, err)
	require.NoError(t, node.Register(withHandler))
	withoutHandler, err := NewDevice("dev2", nil, nil)
	require.NoError(t, err)
	require.NoError(t, node.Register(withoutHandler))

	require.NoError(t, node.Connect("localhost", 1883, time.Second))
	fake := transport.current()

	cmd := &DCmd{Timestamp: 1, Metrics: []Metric{NewMetric("setpoint", DataTypeDouble, 21.5)}}
	raw, err := cmd.Encode()
	require.NoError(t, err)

	// A DCMD for dev1 goes to the device's own handler, not the node's.
	require.True(t, fake.deliver("spBv1.0/g/DCMD/n/dev1", raw, 1))
	require.NotNil(t, deviceGot)
	assert.Equal(t, "dev1", deviceGot.Topic.DeviceID)
	assert.Nil(t, nodeGot)

	// A device without its own handler falls back to the node's.
	require.True(t, fake.deliver("spBv1.0/g/DCMD/n/dev2", raw, 1))
	require.NotNil(t, nodeGot)
	assert.Equal(t, "dev2", nodeGot.Topic.DeviceID)
}

func TestSequenceMonotonicityWraps(t *testing.T) {
	node, transport := newTestNode(t, []Metric{NewMetric("m", DataTypeUInt8, 0)})
	require.NoError(t, node.Connect("localhost", 1883, time.Second))
	fake := transport.current()

	for i := 0; i < 300; i++ {
		require.NoError(t, node.Update([]Metric{NewMetric("m", DataTypeUInt8, i%200)}))
	}
	records := fake.records()
	require.Len(t, records, 301)
	for i, rec := range records[1:] {
		data := decodeRecord(t, rec).Payload.(*NData)
		assert.Equal(t, uint8((i+1)%256), data.Seq, "publish %d", i)
	}
}

func TestUpdateEnforcesBirthSetClosure(t *testing.T) {
	node, _ := newTestNode(t, []Metric{NewMetric("m", DataTypeUInt8, 0)})
	require.NoError(t, node.Connect("localhost", 1883, time.Second))

	err := node.Update([]Metric{NewMetric("other", DataTypeUInt8, 1)})
	assert.ErrorIs(t, err, ErrNotInBirthSet)

	err = node.Update([]Metric{NewMetric("m", DataTypeInt32, int32(1))})
	assert.ErrorIs(t, err, ErrInvalidMetric)
}

func TestOperationsRequireOnline(t *testing.T) {
	node, _ := newTestNode(t, []Metric{NewMetric("m", DataTypeUInt8, 0)})

	assert.ErrorIs(t, node.Update(nil), ErrInvalidState)
	assert.ErrorIs(t, node.UpdateDevice("dev", nil), ErrInvalidState)
	assert.ErrorIs(t, node.Disconnect(), ErrInvalidState)

	require.NoError(t, node.Connect("localhost", 1883, time.Second))
	assert.ErrorIs(t, node.Connect("localhost", 1883, time.Second), ErrInvalidState)
}

func TestRegisterWhileOnlinePublishesBirthAndDeregisterPublishesDeath(t *testing.T) {
	node, transport := newTestNode(t, nil)
	require.NoError(t, node.Connect("localhost", 1883, time.Second))
	fake := transport.current()

	device, err := NewDevice("dev1", []Metric{NewMetric("x", DataTypeDouble, 1.0)}, nil)
	require.NoError(t, err)
	require.NoError(t, node.Register(device))

	records := fake.records()
	require.Len(t, records, 2)
	assert.Equal(t, "spBv1.0/g/DBIRTH/n/dev1", records[1].topic)

	require.NoError(t, node.Deregister("dev1"))
	records = fake.records()
	require.Len(t, records, 3)
	assert.Equal(t, "spBv1.0/g/DDEATH/n/dev1", records[2].topic)
	death := decodeRecord(t, records[2]).Payload.(*DDeath)
	assert.Equal(t, uint8(2), death.Seq)

	assert.ErrorIs(t, node.Deregister("dev1"), ErrInvalidState)
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	node, _ := newTestNode(t, nil)
	device, err := NewDevice("dev1", nil, nil)
	require.NoError(t, err)
	require.NoError(t, node.Register(device))
	assert.ErrorIs(t, node.Register(device), ErrInvalidState)
}

func TestUnexpectedDisconnectMovesOffline(t *testing.T) {
	node, transport := newTestNode(t, nil)
	require.NoError(t, node.Connect("localhost", 1883, time.Second))
	require.Equal(t, StateOnline, node.State())

	// Simulate the transport reporting a lost connection.
	transport.current().opts.OnConnectionLost(nil, io.EOF)
	assert.Equal(t, StateOffline, node.State())

	// Reconnect runs a fresh session with an incremented bdSeq.
	require.NoError(t, node.Connect("localhost", 1883, time.Second))
	birth := decodeRecord(t, transport.current().records()[0]).Payload.(*NBirth)
	assert.Equal(t, uint64(1), birth.Metrics[0].Value)
}
