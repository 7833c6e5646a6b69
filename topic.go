package sparkplugb

import (
	"fmt"
	"strings"
)

// Namespace is the Sparkplug B topic namespace element.
const Namespace = "spBv1.0"

// Topic wildcard constants, usable in any component of a subscription topic.
const (
	SingleLevelWildcard = "+"
	MultiLevelWildcard  = "#"
)

// MessageType is the message-type element of the Sparkplug topic namespace.
// It indicates how to handle the MQTT payload of the message.
type MessageType string

const (
	MessageTypeNBirth MessageType = "NBIRTH"
	MessageTypeNDeath MessageType = "NDEATH"
	MessageTypeNData  MessageType = "NDATA"
	MessageTypeNCmd   MessageType = "NCMD"
	MessageTypeDBirth MessageType = "DBIRTH"
	MessageTypeDDeath MessageType = "DDEATH"
	MessageTypeDData  MessageType = "DDATA"
	MessageTypeDCmd   MessageType = "DCMD"
	MessageTypeState  MessageType = "STATE"
)

var messageTypes = map[MessageType]bool{
	MessageTypeNBirth: true, MessageTypeNDeath: true,
	MessageTypeNData: true, MessageTypeNCmd: true,
	MessageTypeDBirth: true, MessageTypeDDeath: true,
	MessageTypeDData: true, MessageTypeDCmd: true,
	MessageTypeState: true,
}

// deviceScoped reports whether the message type addresses a device and thus
// requires the device-id topic element.
func (mt MessageType) deviceScoped() bool {
	switch mt {
	case MessageTypeDBirth, MessageTypeDDeath, MessageTypeDData, MessageTypeDCmd:
		return true
	}
	return false
}

// DefaultQoS returns the quality of service Sparkplug mandates when
// publishing this message type.
func (mt MessageType) DefaultQoS() QoS {
	switch mt {
	case MessageTypeNData, MessageTypeDData, MessageTypeNCmd, MessageTypeDCmd:
		return QoSAtMostOnce
	}
	// Births, deaths and STATE announcements must survive the broker hop.
	return QoSAtLeastOnce
}

// DefaultRetain returns the retain flag Sparkplug mandates when publishing
// this message type: true only for STATE.
func (mt MessageType) DefaultRetain() bool {
	return mt == MessageTypeState
}

// QoS is the MQTT quality of service level.
type QoS byte

const (
	QoSAtMostOnce  QoS = 0
	QoSAtLeastOnce QoS = 1
	QoSExactlyOnce QoS = 2
)

// Topic is the parsed Sparkplug B 5-tuple topic. STATE topics carry only the
// SparkplugHostID; every other message type carries GroupID and EdgeNodeID,
// and device-scoped types carry DeviceID as well.
type Topic struct {
	GroupID         string
	MessageType     MessageType
	EdgeNodeID      string
	DeviceID        string
	SparkplugHostID string
}

func isWildcard(s string) bool {
	return s == SingleLevelWildcard || s == MultiLevelWildcard
}

// validComponent rejects empty components and the characters the Sparkplug
// grammar forbids inside a topic element. Wildcards pass when sub is true.
func validComponent(s string, sub bool) bool {
	if isWildcard(s) {
		return sub
	}
	return s != "" && !strings.ContainsAny(s, "/+#")
}

// NewTopic builds a node- or device-scoped topic and validates it for
// publishing: wildcards are rejected, and the device id must be present
// exactly when the message type is device-scoped.
func NewTopic(groupID string, messageType MessageType, edgeNodeID, deviceID string) (Topic, error) {
	t := Topic{GroupID: groupID, MessageType: messageType, EdgeNodeID: edgeNodeID, DeviceID: deviceID}
	if err := t.ValidatePublish(); err != nil {
		return Topic{}, err
	}
	return t, nil
}

// NewStateTopic builds the primary host STATE topic.
func NewStateTopic(hostID string) (Topic, error) {
	if !validComponent(hostID, false) {
		return Topic{}, fmt.Errorf("%w: invalid sparkplug host id %q", ErrInvalidTopic, hostID)
	}
	return Topic{MessageType: MessageTypeState, SparkplugHostID: hostID}, nil
}

// ParseTopic parses a topic string. Wildcard components are accepted so
// subscription topics round-trip; use ValidatePublish before publishing.
func ParseTopic(topic string) (Topic, error) {
	parts := strings.Split(topic, "/")
	if parts[0] != Namespace {
		return Topic{}, fmt.Errorf("%w: namespace %q is not %q", ErrInvalidTopic, parts[0], Namespace)
	}
	for i, p := range parts[1:] {
		if !validComponent(p, true) {
			return Topic{}, fmt.Errorf("%w: empty or invalid component in %q", ErrInvalidTopic, topic)
		}
		if p == MultiLevelWildcard && i != len(parts)-2 {
			return Topic{}, fmt.Errorf("%w: %q only allowed in terminal position", ErrInvalidTopic, MultiLevelWildcard)
		}
	}
	if len(parts) == 3 && parts[1] == string(MessageTypeState) {
		return Topic{MessageType: MessageTypeState, SparkplugHostID: parts[2]}, nil
	}
	if len(parts) != 4 && len(parts) != 5 {
		return Topic{}, fmt.Errorf("%w: %q has %d components", ErrInvalidTopic, topic, len(parts))
	}
	mt := MessageType(parts[2])
	if !messageTypes[mt] && !isWildcard(parts[2]) {
		return Topic{}, fmt.Errorf("%w: unknown message type %q", ErrInvalidTopic, parts[2])
	}
	t := Topic{GroupID: parts[1], MessageType: mt, EdgeNodeID: parts[3]}
	if len(parts) == 5 {
		t.DeviceID = parts[4]
	}
	if messageTypes[mt] && !isWildcard(parts[3]) {
		if mt.deviceScoped() && t.DeviceID == "" {
			return Topic{}, fmt.Errorf("%w: %s requires a device id", ErrInvalidTopic, mt)
		}
		if !mt.deviceScoped() && t.DeviceID != "" && !isWildcard(t.DeviceID) {
			return Topic{}, fmt.Errorf("%w: %s forbids a device id", ErrInvalidTopic, mt)
		}
	}
	return t, nil
}

// String encodes the topic back to its wire form.
func (t Topic) String() string {
	if t.MessageType == MessageTypeState {
		return Namespace + "/" + string(MessageTypeState) + "/" + t.SparkplugHostID
	}
	s := Namespace + "/" + t.GroupID + "/" + string(t.MessageType) + "/" + t.EdgeNodeID
	if t.DeviceID != "" {
		s += "/" + t.DeviceID
	}
	return s
}

// HasWildcard reports whether any component of the topic is a wildcard.
func (t Topic) HasWildcard() bool {
	return isWildcard(t.GroupID) || isWildcard(string(t.MessageType)) ||
		isWildcard(t.EdgeNodeID) || isWildcard(t.DeviceID) || isWildcard(t.SparkplugHostID)
}

// ValidatePublish checks that the topic is a legal publish target: correct
// arity for its message type, no wildcards anywhere.
func (t Topic) ValidatePublish() error {
	if t.HasWildcard() {
		return fmt.Errorf("%w: wildcards are not allowed in publish topics", ErrInvalidTopic)
	}
	if t.MessageType == MessageTypeState {
		if !validComponent(t.SparkplugHostID, false) {
			return fmt.Errorf("%w: invalid sparkplug host id %q", ErrInvalidTopic, t.SparkplugHostID)
		}
		return nil
	}
	if !messageTypes[t.MessageType] {
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidTopic, string(t.MessageType))
	}
	if !validComponent(t.GroupID, false) {
		return fmt.Errorf("%w: invalid group id %q", ErrInvalidTopic, t.GroupID)
	}
	if !validComponent(t.EdgeNodeID, false) {
		return fmt.Errorf("%w: invalid edge node id %q", ErrInvalidTopic, t.EdgeNodeID)
	}
	if t.MessageType.deviceScoped() {
		if !validComponent(t.DeviceID, false) {
			return fmt.Errorf("%w: %s requires a device id", ErrInvalidTopic, t.MessageType)
		}
	} else if t.DeviceID != "" {
		return fmt.Errorf("%w: %s forbids a device id", ErrInvalidTopic, t.MessageType)
	}
	return nil
}

// Subscription validation is looser: wildcards are legal anywhere but `#`
// must stay terminal, which ParseTopic already enforces for parsed topics.
func (t Topic) validateSubscribe() error {
	if t.MessageType == MessageTypeState {
		if !validComponent(t.SparkplugHostID, true) {
			return fmt.Errorf("%w: invalid sparkplug host id %q", ErrInvalidTopic, t.SparkplugHostID)
		}
		return nil
	}
	if !validComponent(t.GroupID, true) {
		return fmt.Errorf("%w: invalid group id %q", ErrInvalidTopic, t.GroupID)
	}
	if !messageTypes[t.MessageType] && !isWildcard(string(t.MessageType)) {
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidTopic, string(t.MessageType))
	}
	if !validComponent(t.EdgeNodeID, true) {
		return fmt.Errorf("%w: invalid edge node id %q", ErrInvalidTopic, t.EdgeNodeID)
	}
	if t.DeviceID != "" && !validComponent(t.DeviceID, true) {
		return fmt.Errorf("%w: invalid device id %q", ErrInvalidTopic, t.DeviceID)
	}
	return nil
}
