package sparkplugb

import (
	"fmt"
	"math"

	"github.com/goccy/go-json"
	"google.golang.org/protobuf/encoding/protowire"
)

// Payload field numbers from the Sparkplug B Payload message.
const (
	payloadFieldTimestamp = protowire.Number(1)
	payloadFieldMetrics   = protowire.Number(2)
	payloadFieldSeq       = protowire.Number(3)
	payloadFieldUUID      = protowire.Number(4)
	payloadFieldBody      = protowire.Number(5)
)

// Payload is the closed sum of Sparkplug B payload variants. The concrete
// variant of an inbound payload is dictated by the message type on the topic.
type Payload interface {
	// Encode serializes the payload to Sparkplug B wire bytes.
	Encode() ([]byte, error)

	// MessageType returns the topic message type this payload belongs to.
	MessageType() MessageType
}

// NBirth is an edge node birth certificate. EdgeNode publishes it with seq 0
// and the bdSeq metric matching the outstanding will as its first metric;
// Encode and DecodePayload check neither the seq value nor the bdSeq metric.
type NBirth struct {
	Timestamp int64
	Seq       uint8
	Metrics   []Metric
}

// DBirth defines a device's full metric set.
type DBirth struct {
	Timestamp int64
	Seq       uint8
	Metrics   []Metric
}

// NData carries edge node metric updates.
type NData struct {
	Timestamp int64
	Seq       uint8
	Metrics   []Metric
}

// DData carries device metric updates.
type DData struct {
	Timestamp int64
	Seq       uint8
	Metrics   []Metric
}

// NCmd is a command to an edge node. Commands carry no sequence number.
type NCmd struct {
	Timestamp int64
	Metrics   []Metric
}

// DCmd is a command to a device.
type DCmd struct {
	Timestamp int64
	Metrics   []Metric
}

// NDeath is the edge node death certificate: only the bdSeq metric, no seq.
// A zero Timestamp is omitted on the wire.
type NDeath struct {
	Timestamp int64
	BdSeq     Metric
}

// DDeath announces a device's death; it carries no metrics.
type DDeath struct {
	Timestamp int64
	Seq       uint8
}

// State is the primary host state announcement. It lives outside the
// sequence-numbered space and is encoded as a UTF-8 JSON object.
type State struct {
	Timestamp int64
	Online    bool
}

func (p *NBirth) MessageType() MessageType { return MessageTypeNBirth }
func (p *DBirth) MessageType() MessageType { return MessageTypeDBirth }
func (p *NData) MessageType() MessageType  { return MessageTypeNData }
func (p *DData) MessageType() MessageType  { return MessageTypeDData }
func (p *NCmd) MessageType() MessageType   { return MessageTypeNCmd }
func (p *DCmd) MessageType() MessageType   { return MessageTypeDCmd }
func (p *NDeath) MessageType() MessageType { return MessageTypeNDeath }
func (p *DDeath) MessageType() MessageType { return MessageTypeDDeath }
func (p *State) MessageType() MessageType  { return MessageTypeState }

// validateBirthMetrics enforces the birth contract: every metric carries a
// name and a supported datatype.
func validateBirthMetrics(metrics []Metric) error {
	for _, m := range metrics {
		if m.Name == "" {
			return fmt.Errorf("%w: birth metric must have a name", ErrInvalidMetric)
		}
		if !m.DataType.Supported() {
			return fmt.Errorf("%w: birth metric %q has datatype %s", ErrInvalidMetric, m.Name, m.DataType)
		}
	}
	return nil
}

// encodeSequenced emits the shared sequenced-payload fields in the fixed
// order seq, timestamp, metrics.
func encodeSequenced(seq uint8, ts int64, metrics []Metric) ([]byte, error) {
	b := appendVarintField(nil, payloadFieldSeq, uint64(seq))
	b = appendVarintField(b, payloadFieldTimestamp, uint64(ts))
	var err error
	for _, m := range metrics {
		if b, err = m.encode(b); err != nil {
			return nil, fmt.Errorf("metric %q: %w", m.Name, err)
		}
	}
	return b, nil
}

func (p *NBirth) Encode() ([]byte, error) {
	if err := validateBirthMetrics(p.Metrics); err != nil {
		return nil, err
	}
	return encodeSequenced(p.Seq, p.Timestamp, p.Metrics)
}

func (p *DBirth) Encode() ([]byte, error) {
	if err := validateBirthMetrics(p.Metrics); err != nil {
		return nil, err
	}
	return encodeSequenced(p.Seq, p.Timestamp, p.Metrics)
}

func (p *NData) Encode() ([]byte, error) {
	return encodeSequenced(p.Seq, p.Timestamp, p.Metrics)
}

func (p *DData) Encode() ([]byte, error) {
	return encodeSequenced(p.Seq, p.Timestamp, p.Metrics)
}

func (p *NCmd) Encode() ([]byte, error) {
	b := appendVarintField(nil, payloadFieldTimestamp, uint64(p.Timestamp))
	var err error
	for _, m := range p.Metrics {
		if b, err = m.encode(b); err != nil {
			return nil, fmt.Errorf("metric %q: %w", m.Name, err)
		}
	}
	return b, nil
}

func (p *DCmd) Encode() ([]byte, error) {
	n := NCmd{Timestamp: p.Timestamp, Metrics: p.Metrics}
	return n.Encode()
}

func (p *NDeath) Encode() ([]byte, error) {
	var b []byte
	if p.Timestamp != 0 {
		b = appendVarintField(b, payloadFieldTimestamp, uint64(p.Timestamp))
	}
	b, err := p.BdSeq.encode(b)
	if err != nil {
		return nil, fmt.Errorf("metric %q: %w", p.BdSeq.Name, err)
	}
	return b, nil
}

func (p *DDeath) Encode() ([]byte, error) {
	b := appendVarintField(nil, payloadFieldSeq, uint64(p.Seq))
	b = appendVarintField(b, payloadFieldTimestamp, uint64(p.Timestamp))
	return b, nil
}

type stateJSON struct {
	Online    bool  `json:"online"`
	Timestamp int64 `json:"timestamp"`
}

func (p *State) Encode() ([]byte, error) {
	return json.Marshal(stateJSON{Online: p.Online, Timestamp: p.Timestamp})
}

// rawPayload collects the Payload message's fields before a variant is built.
type rawPayload struct {
	timestamp *uint64
	seq       *uint64
	metrics   []Metric
	uuid      string
	body      []byte
}

// decodePayloadFields walks a Payload message. Unknown fields are skipped;
// duplicated scalar fields take the last value while metrics append.
func decodePayloadFields(raw []byte, hint dataTypeHint) (*rawPayload, error) {
	p := &rawPayload{}
	dec := &wireDecoder{buf: raw}
	for !dec.done() {
		num, typ, err := dec.readTag()
		if err != nil {
			return nil, err
		}
		switch num {
		case payloadFieldTimestamp:
			v, err := dec.readVarint(num)
			if err != nil {
				return nil, err
			}
			p.timestamp = &v
		case payloadFieldSeq:
			v, err := dec.readVarint(num)
			if err != nil {
				return nil, err
			}
			p.seq = &v
		case payloadFieldMetrics:
			off := dec.offset()
			b, err := dec.readBytes(num)
			if err != nil {
				return nil, err
			}
			m, err := decodeMetric(b, off, hint)
			if err != nil {
				return nil, err
			}
			p.metrics = append(p.metrics, m)
		case payloadFieldUUID:
			if p.uuid, err = dec.readString(num); err != nil {
				return nil, err
			}
		case payloadFieldBody:
			if p.body, err = dec.readBytes(num); err != nil {
				return nil, err
			}
		default:
			if err := dec.skip(num, typ); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

func (p *rawPayload) requireTimestamp() (int64, error) {
	if p.timestamp == nil {
		return 0, newCodecError(0, payloadFieldTimestamp, "payload missing required timestamp field")
	}
	return int64(*p.timestamp), nil
}

func (p *rawPayload) requireSeq() (uint8, error) {
	if p.seq == nil {
		return 0, newCodecError(0, payloadFieldSeq, "payload missing required seq field")
	}
	if *p.seq > math.MaxUint8 {
		return 0, newCodecError(0, payloadFieldSeq, fmt.Sprintf("seq %d out of range", *p.seq))
	}
	return uint8(*p.seq), nil
}

// DecodePayload decodes raw into the payload variant dictated by the message
// type. STATE payloads decode their JSON body instead of the protobuf body.
func DecodePayload(mt MessageType, raw []byte) (Payload, error) {
	return DecodePayloadWithBirth(mt, raw, nil)
}

// DecodePayloadWithBirth is DecodePayload with a birth-derived datatype hint
// for payloads whose metrics omit datatypes.
func DecodePayloadWithBirth(mt MessageType, raw []byte, hint dataTypeHint) (Payload, error) {
	switch mt {
	case MessageTypeState:
		var s stateJSON
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, newCodecError(0, 0, fmt.Sprintf("malformed STATE JSON: %v", err))
		}
		return &State{Timestamp: s.Timestamp, Online: s.Online}, nil
	case MessageTypeNBirth, MessageTypeDBirth:
		// Births are self-contained; never use a previous birth's datatypes.
		fields, err := decodePayloadFields(raw, nil)
		if err != nil {
			return nil, err
		}
		ts, err := fields.requireTimestamp()
		if err != nil {
			return nil, err
		}
		seq, err := fields.requireSeq()
		if err != nil {
			return nil, err
		}
		if err := validateBirthMetrics(fields.metrics); err != nil {
			return nil, err
		}
		if mt == MessageTypeNBirth {
			return &NBirth{Timestamp: ts, Seq: seq, Metrics: fields.metrics}, nil
		}
		return &DBirth{Timestamp: ts, Seq: seq, Metrics: fields.metrics}, nil
	case MessageTypeNData, MessageTypeDData:
		fields, err := decodePayloadFields(raw, hint)
		if err != nil {
			return nil, err
		}
		ts, err := fields.requireTimestamp()
		if err != nil {
			return nil, err
		}
		seq, err := fields.requireSeq()
		if err != nil {
			return nil, err
		}
		if mt == MessageTypeNData {
			return &NData{Timestamp: ts, Seq: seq, Metrics: fields.metrics}, nil
		}
		return &DData{Timestamp: ts, Seq: seq, Metrics: fields.metrics}, nil
	case MessageTypeNCmd, MessageTypeDCmd:
		fields, err := decodePayloadFields(raw, hint)
		if err != nil {
			return nil, err
		}
		ts, err := fields.requireTimestamp()
		if err != nil {
			return nil, err
		}
		if mt == MessageTypeNCmd {
			return &NCmd{Timestamp: ts, Metrics: fields.metrics}, nil
		}
		return &DCmd{Timestamp: ts, Metrics: fields.metrics}, nil
	case MessageTypeNDeath:
		fields, err := decodePayloadFields(raw, nil)
		if err != nil {
			return nil, err
		}
		if len(fields.metrics) == 0 {
			return nil, newCodecError(0, payloadFieldMetrics, "NDEATH payload missing its bdSeq metric")
		}
		var ts int64
		if fields.timestamp != nil {
			ts = int64(*fields.timestamp)
		}
		return &NDeath{Timestamp: ts, BdSeq: fields.metrics[0]}, nil
	case MessageTypeDDeath:
		fields, err := decodePayloadFields(raw, nil)
		if err != nil {
			return nil, err
		}
		ts, err := fields.requireTimestamp()
		if err != nil {
			return nil, err
		}
		seq, err := fields.requireSeq()
		if err != nil {
			return nil, err
		}
		return &DDeath{Timestamp: ts, Seq: seq}, nil
	}
	return nil, fmt.Errorf("%w: no payload variant for message type %q", ErrInvalidTopic, string(mt))
}

// birthDataTypes indexes a birth metric set by name, for resolving datatypes
// of later DATA payloads.
func birthDataTypes(metrics []Metric) map[string]DataType {
	out := make(map[string]DataType, len(metrics))
	for _, m := range metrics {
		out[m.Name] = m.DataType
	}
	return out
}
