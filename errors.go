package sparkplugb

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	// ErrInvalidTopic reports a malformed topic: wrong arity, empty or
	// forbidden components, or a wildcard used in a publish context.
	ErrInvalidTopic = errors.New("invalid topic")

	// ErrInvalidMetric reports a metric whose value is out of range for its
	// datatype, an array with the wrong element type, or a birth metric
	// missing its name.
	ErrInvalidMetric = errors.New("invalid metric")

	// ErrNotInBirthSet reports an update referencing a metric absent from
	// the session's birth set.
	ErrNotInBirthSet = errors.New("metric not in birth set")

	// ErrNotImplementedDatatype reports a deliberately-unsupported datatype
	// (DataSet, Template, PropertySet, PropertySetList) on either codec path.
	ErrNotImplementedDatatype = errors.New("datatype not implemented")

	// ErrInvalidState reports an operation that requires a session state the
	// edge node is not in.
	ErrInvalidState = errors.New("invalid session state")
)

// CodecError reports malformed Sparkplug B wire bytes. Offset is the byte
// position the decoder had reached, Tag the protobuf field number being
// consumed (0 when the tag itself could not be read, and for errors not tied
// to one field: a metric value that does not fit its datatype, or a
// malformed STATE JSON body).
type CodecError struct {
	Offset int
	Tag    protowire.Number
	reason string
}

func (e *CodecError) Error() string {
	if e.Tag == 0 {
		return fmt.Sprintf("sparkplug codec: %s at offset %d", e.reason, e.Offset)
	}
	return fmt.Sprintf("sparkplug codec: %s at offset %d (field %d)", e.reason, e.Offset, e.Tag)
}

func newCodecError(offset int, tag protowire.Number, reason string) *CodecError {
	return &CodecError{Offset: offset, Tag: tag, reason: reason}
}

// ErrorCode is the closed enumeration of underlying MQTT transport errors
// surfaced through MQTTError.
type ErrorCode int

const (
	ErrAgain        ErrorCode = -1
	ErrSuccess      ErrorCode = 0
	ErrNoMem        ErrorCode = 1
	ErrProtocol     ErrorCode = 2
	ErrInval        ErrorCode = 3
	ErrNoConn       ErrorCode = 4
	ErrConnRefused  ErrorCode = 5
	ErrNotFound     ErrorCode = 6
	ErrConnLost     ErrorCode = 7
	ErrTLS          ErrorCode = 8
	ErrPayloadSize  ErrorCode = 9
	ErrNotSupported ErrorCode = 10
	ErrAuth         ErrorCode = 11
	ErrACLDenied    ErrorCode = 12
	ErrUnknown      ErrorCode = 13
	ErrErrno        ErrorCode = 14
	ErrQueueSize    ErrorCode = 15
	ErrKeepalive    ErrorCode = 16
	ErrTimeout      ErrorCode = 17
)

var errorStrings = map[ErrorCode]string{
	ErrSuccess:      "no error",
	ErrNoMem:        "out of memory",
	ErrProtocol:     "a network protocol error occurred when communicating with the broker",
	ErrInval:        "invalid function arguments provided",
	ErrNoConn:       "the client is not currently connected",
	ErrConnRefused:  "the connection was refused",
	ErrNotFound:     "message not found (internal error)",
	ErrConnLost:     "the connection was lost",
	ErrTLS:          "a TLS error occurred",
	ErrPayloadSize:  "payload too large",
	ErrNotSupported: "this feature is not supported",
	ErrAuth:         "authorisation failed",
	ErrACLDenied:    "access denied by ACL",
	ErrUnknown:      "unknown error",
	ErrErrno:        "error defined by errno",
	ErrQueueSize:    "message queue full",
	ErrKeepalive:    "client or broker did not communicate in the keepalive interval",
	ErrTimeout:      "operation timed out",
}

func (c ErrorCode) String() string {
	if s, ok := errorStrings[c]; ok {
		return s
	}
	return "unknown error"
}

// ConnackCode is the MQTT 3.1.1 connection acknowledgement return code.
type ConnackCode int

const (
	ConnackAccepted                 ConnackCode = 0
	ConnackRefusedProtocolVersion   ConnackCode = 1
	ConnackRefusedIdentifier        ConnackCode = 2
	ConnackRefusedServerUnavailable ConnackCode = 3
	ConnackRefusedBadCredentials    ConnackCode = 4
	ConnackRefusedNotAuthorized     ConnackCode = 5
)

var connackStrings = map[ConnackCode]string{
	ConnackAccepted:                 "connection accepted",
	ConnackRefusedProtocolVersion:   "connection refused: unacceptable protocol version",
	ConnackRefusedIdentifier:        "connection refused: identifier rejected",
	ConnackRefusedServerUnavailable: "connection refused: broker unavailable",
	ConnackRefusedBadCredentials:    "connection refused: bad user name or password",
	ConnackRefusedNotAuthorized:     "connection refused: not authorised",
}

func (c ConnackCode) String() string {
	if s, ok := connackStrings[c]; ok {
		return s
	}
	return "connection refused: unknown reason"
}

// ConnackError reports a connection the broker refused, carrying the CONNACK
// return code from the connection acknowledgement.
type ConnackError struct {
	Code ConnackCode
	Err  error
}

func (e *ConnackError) Error() string {
	return fmt.Sprintf("mqtt: %s", e.Code)
}

func (e *ConnackError) Unwrap() error { return e.Err }

// MQTTError carries a transport error surfaced verbatim from the MQTT
// adapter, tagged with one of the closed ErrorCode values.
type MQTTError struct {
	Code ErrorCode
	Err  error
}

func (e *MQTTError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mqtt: %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("mqtt: %s", e.Code)
}

func (e *MQTTError) Unwrap() error { return e.Err }

func newMQTTError(code ErrorCode, err error) *MQTTError {
	return &MQTTError{Code: code, Err: err}
}
