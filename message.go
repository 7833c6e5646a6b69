package sparkplugb

import "fmt"

// Message is a typed Sparkplug B message: the parsed topic together with the
// decoded payload variant the topic's message type dictates.
type Message struct {
	Topic   Topic
	Payload Payload
	QoS     QoS
	Retain  bool
}

// NewMessage builds a message with the Sparkplug-mandated QoS and retain
// flag for the payload's message type.
func NewMessage(topic Topic, payload Payload) Message {
	mt := payload.MessageType()
	return Message{
		Topic:   topic,
		Payload: payload,
		QoS:     mt.DefaultQoS(),
		Retain:  mt.DefaultRetain(),
	}
}

// DecodeMessage parses the topic string, chooses the payload variant from
// its message type, and decodes raw into a typed envelope. STATE topics
// decode the JSON body instead of the protobuf body.
func DecodeMessage(topicStr string, raw []byte, qos QoS, retain bool) (*Message, error) {
	return decodeMessageWithBirth(topicStr, raw, qos, retain, nil)
}

func decodeMessageWithBirth(topicStr string, raw []byte, qos QoS, retain bool, hint dataTypeHint) (*Message, error) {
	topic, err := ParseTopic(topicStr)
	if err != nil {
		return nil, err
	}
	if topic.HasWildcard() {
		return nil, fmt.Errorf("%w: cannot decode a message on wildcard topic %q", ErrInvalidTopic, topicStr)
	}
	payload, err := DecodePayloadWithBirth(topic.MessageType, raw, hint)
	if err != nil {
		return nil, err
	}
	return &Message{Topic: topic, Payload: payload, QoS: qos, Retain: retain}, nil
}
