package sparkplugb

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/jellydator/ttlcache/v3"
	nanoid "github.com/matoous/go-nanoid/v2"
	"github.com/sirupsen/logrus"
)

// MessageHandler runs for every decoded message on a subscription. Handlers
// are invoked from the MQTT network thread and are responsible for their own
// synchronization.
type MessageHandler func(c *Client, msg *Message)

type subscription struct {
	topic   string
	qos     QoS
	handler MessageHandler
}

// Client is a thin typed facade over the MQTT transport. It encodes outbound
// Sparkplug payloads, decodes inbound ones into typed envelopes, arms the
// will message, and replays subscriptions after a reconnect.
type Client struct {
	opts ClientOptions
	log  *logrus.Logger

	// newPaho builds the underlying transport; replaced in tests.
	newPaho func(*mqtt.ClientOptions) mqtt.Client

	mu        sync.Mutex
	paho      mqtt.Client
	subs      map[string]subscription
	will      *willMessage
	connected bool

	onConnect        func()
	onConnectionLost func(error)

	// births remembers the last Birth per (group, edge node, device) so DATA
	// payloads whose metrics omit datatypes can be resolved.
	births *ttlcache.Cache[string, map[string]DataType]
}

type willMessage struct {
	topic   string
	payload []byte
	qos     QoS
	retain  bool
}

// NewClient builds a client from options. A nil logger falls back to the
// logrus standard logger.
func NewClient(opts ClientOptions, log *logrus.Logger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	births := ttlcache.New[string, map[string]DataType](
		ttlcache.WithTTL[string, map[string]DataType](opts.birthCacheTTL()),
	)
	go births.Start()
	return &Client{
		opts:    opts,
		log:     log,
		newPaho: mqtt.NewClient,
		subs:    make(map[string]subscription),
		births:  births,
	}
}

// SetWill arms the will message for the next connection: the broker
// publishes it if this client disconnects ungracefully. It must be called
// before Connect; the will cannot change for the lifetime of a session.
func (c *Client) SetWill(topic Topic, payload Payload, qos QoS, retain bool) error {
	if err := topic.ValidatePublish(); err != nil {
		return err
	}
	raw, err := payload.Encode()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.will = &willMessage{topic: topic.String(), payload: raw, qos: qos, retain: retain}
	return nil
}

// ClearWill drops the armed will for subsequent connections.
func (c *Client) ClearWill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.will = nil
}

// SetOnConnect registers a callback invoked after every successful connect,
// including automatic reconnects, once subscriptions have been replayed.
func (c *Client) SetOnConnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = cb
}

// SetOnConnectionLost registers a callback invoked when the connection drops
// unexpectedly.
func (c *Client) SetOnConnectionLost(cb func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnectionLost = cb
}

func (c *Client) clientID() (string, error) {
	if c.opts.ClientID != "" {
		return c.opts.ClientID, nil
	}
	id, err := nanoid.New()
	if err != nil {
		return "", fmt.Errorf("generating client id: %w", err)
	}
	return "sparkplugb-" + id, nil
}

// buildOptions assembles the paho options for one session. The will is baked
// in here, which is why a fresh paho client is built per Connect.
func (c *Client) buildOptions(host string, port int, timeout time.Duration) (*mqtt.ClientOptions, error) {
	id, err := c.clientID()
	if err != nil {
		return nil, err
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.opts.brokerURL(host, port))
	opts.SetClientID(id)
	if c.opts.Username != "" {
		opts.SetUsername(c.opts.Username)
		opts.SetPassword(c.opts.Password)
	}
	opts.SetCleanSession(true)
	opts.SetProtocolVersion(uint(c.opts.Protocol))
	if c.opts.Protocol == 0 {
		opts.SetProtocolVersion(uint(MQTTv311))
	}
	opts.SetKeepAlive(c.opts.keepalive())
	opts.SetConnectTimeout(timeout)
	opts.SetAutoReconnect(c.opts.ReconnectOnFailure)
	min, max := c.opts.ReconnectDelayMin, c.opts.ReconnectDelayMax
	if min == 0 {
		min = defaultReconnectMin
	}
	if max == 0 {
		max = defaultReconnectMax
	}
	opts.SetConnectRetryInterval(min)
	opts.SetMaxReconnectInterval(max)
	if c.opts.TLS != nil {
		tlsCfg, err := c.opts.TLS.build()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	if c.opts.Transport == TransportWebsocket && c.opts.WS != nil && c.opts.WS.Headers != nil {
		opts.SetHTTPHeaders(c.opts.WS.Headers)
	}

	c.mu.Lock()
	if c.will != nil {
		opts.SetBinaryWill(c.will.topic, c.will.payload, byte(c.will.qos), c.will.retain)
	}
	c.mu.Unlock()

	opts.SetOnConnectHandler(func(_ mqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) { c.handleConnectionLost(err) })
	return opts, nil
}

// Connect establishes the MQTT session. On timeout the armed will was never
// registered with the broker and the client stays disconnected.
func (c *Client) Connect(host string, port int, timeout time.Duration) error {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	opts, err := c.buildOptions(host, port, timeout)
	if err != nil {
		return err
	}
	paho := c.newPaho(opts)

	token := paho.Connect()
	if !token.WaitTimeout(timeout) {
		paho.Disconnect(0)
		return newMQTTError(ErrTimeout, fmt.Errorf("connect to %s timed out after %v", host, timeout))
	}
	if err := token.Error(); err != nil {
		paho.Disconnect(0)
		if code, ok := connackCodeFor(err); ok {
			return &ConnackError{Code: code, Err: err}
		}
		return newMQTTError(errorCodeFor(err), err)
	}

	c.mu.Lock()
	c.paho = paho
	c.connected = true
	c.mu.Unlock()

	// Arm subscriptions registered before Connect; reconnects replay them
	// from the network thread via the OnConnect handler.
	c.handleConnect()
	return nil
}

// handleConnect replays subscriptions over a snapshot taken under the lock:
// the network thread runs this during reconnects while user code may be
// adding or removing subscriptions concurrently.
func (c *Client) handleConnect() {
	c.mu.Lock()
	c.connected = true
	paho := c.paho
	snapshot := make([]subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		snapshot = append(snapshot, sub)
	}
	cb := c.onConnect
	c.mu.Unlock()

	c.births.DeleteAll()

	if paho != nil {
		for _, sub := range snapshot {
			sub := sub
			paho.Subscribe(sub.topic, byte(sub.qos), c.route(sub.handler))
		}
	}
	if cb != nil {
		cb()
	}
}

func (c *Client) handleConnectionLost(err error) {
	c.mu.Lock()
	c.connected = false
	cb := c.onConnectionLost
	c.mu.Unlock()
	c.log.WithFields(logrus.Fields{"err": err}).Warn("MQTT connection lost")
	if cb != nil {
		cb(err)
	}
}

// Disconnect closes the MQTT session cleanly, so the broker discards the
// armed will.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	paho := c.paho
	c.paho = nil
	c.connected = false
	c.mu.Unlock()
	if paho != nil {
		paho.Disconnect(250)
	}
	return nil
}

// IsConnected reports the last known connection state.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.paho != nil && c.paho.IsConnected()
}

// Publish encodes the message's payload and publishes it on the message's
// topic. Wildcard topics are rejected.
func (c *Client) Publish(msg Message) error {
	if err := msg.Topic.ValidatePublish(); err != nil {
		return err
	}
	raw, err := msg.Payload.Encode()
	if err != nil {
		return err
	}
	return c.PublishBytes(msg.Topic.String(), raw, msg.QoS, msg.Retain)
}

// PublishBytes publishes pre-encoded payload bytes.
func (c *Client) PublishBytes(topic string, payload []byte, qos QoS, retain bool) error {
	c.mu.Lock()
	paho := c.paho
	c.mu.Unlock()
	if paho == nil {
		return newMQTTError(ErrNoConn, nil)
	}
	token := paho.Publish(topic, byte(qos), retain, payload)
	if !token.WaitTimeout(c.opts.publishTimeout()) {
		return newMQTTError(ErrTimeout, fmt.Errorf("publish to %s timed out", topic))
	}
	if err := token.Error(); err != nil {
		return newMQTTError(errorCodeFor(err), err)
	}
	return nil
}

// birthKey identifies the session a birth belongs to.
func birthKey(t Topic) string {
	return t.GroupID + "/" + t.EdgeNodeID + "/" + t.DeviceID
}

// route wraps a typed handler into a paho handler: decode, track births,
// dispatch.
func (c *Client) route(handler MessageHandler) mqtt.MessageHandler {
	return func(_ mqtt.Client, m mqtt.Message) {
		var hint dataTypeHint
		if topic, err := ParseTopic(m.Topic()); err == nil {
			if item := c.births.Get(birthKey(topic)); item != nil {
				types := item.Value()
				hint = func(name string) DataType { return types[name] }
			}
		}
		msg, err := decodeMessageWithBirth(m.Topic(), m.Payload(), QoS(m.Qos()), m.Retained(), hint)
		if err != nil {
			c.log.WithFields(logrus.Fields{
				"topic": m.Topic(),
				"err":   err,
			}).Warn("Dropping undecodable Sparkplug message")
			return
		}
		switch p := msg.Payload.(type) {
		case *NBirth:
			c.births.Set(birthKey(msg.Topic), birthDataTypes(p.Metrics), ttlcache.DefaultTTL)
		case *DBirth:
			c.births.Set(birthKey(msg.Topic), birthDataTypes(p.Metrics), ttlcache.DefaultTTL)
		}
		handler(c, msg)
	}
}

// Subscribe registers a typed handler for the topic. The subscription
// survives reconnects.
func (c *Client) Subscribe(topic Topic, qos QoS, handler MessageHandler) error {
	if err := topic.validateSubscribe(); err != nil {
		return err
	}
	topicStr := topic.String()

	c.mu.Lock()
	c.subs[topicStr] = subscription{topic: topicStr, qos: qos, handler: handler}
	paho := c.paho
	c.mu.Unlock()

	if paho == nil {
		return nil
	}
	token := paho.Subscribe(topicStr, byte(qos), c.route(handler))
	if !token.WaitTimeout(c.opts.publishTimeout()) {
		return newMQTTError(ErrTimeout, fmt.Errorf("subscribe to %s timed out", topicStr))
	}
	if err := token.Error(); err != nil {
		return newMQTTError(errorCodeFor(err), err)
	}
	return nil
}

// Unsubscribe removes the subscription for the topic.
func (c *Client) Unsubscribe(topic Topic) error {
	topicStr := topic.String()

	c.mu.Lock()
	delete(c.subs, topicStr)
	paho := c.paho
	c.mu.Unlock()

	if paho == nil {
		return nil
	}
	token := paho.Unsubscribe(topicStr)
	if !token.WaitTimeout(c.opts.publishTimeout()) {
		return newMQTTError(ErrTimeout, fmt.Errorf("unsubscribe from %s timed out", topicStr))
	}
	if err := token.Error(); err != nil {
		return newMQTTError(errorCodeFor(err), err)
	}
	return nil
}

// Close releases client resources. The client must not be reused afterwards.
func (c *Client) Close() error {
	err := c.Disconnect()
	c.births.Stop()
	return err
}

// connackCodeFor recognizes the broker's CONNACK refusals among the errors
// the transport surfaces on connect.
func connackCodeFor(err error) (ConnackCode, bool) {
	switch {
	case errors.Is(err, packets.ErrorRefusedBadProtocolVersion):
		return ConnackRefusedProtocolVersion, true
	case errors.Is(err, packets.ErrorRefusedIDRejected):
		return ConnackRefusedIdentifier, true
	case errors.Is(err, packets.ErrorRefusedServerUnavailable):
		return ConnackRefusedServerUnavailable, true
	case errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword):
		return ConnackRefusedBadCredentials, true
	case errors.Is(err, packets.ErrorRefusedNotAuthorised):
		return ConnackRefusedNotAuthorized, true
	}
	return ConnackAccepted, false
}

// errorCodeFor maps transport errors onto the closed ErrorCode enumeration.
func errorCodeFor(err error) ErrorCode {
	if err == nil {
		return ErrSuccess
	}
	if errors.Is(err, mqtt.ErrNotConnected) {
		return ErrNoConn
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "bad user name or password"):
		return ErrAuth
	case strings.Contains(msg, "not authorized"), strings.Contains(msg, "not authorised"):
		return ErrACLDenied
	case strings.Contains(msg, "unacceptable protocol version"), strings.Contains(msg, "protocol"):
		return ErrProtocol
	case strings.Contains(msg, "connection refused"):
		return ErrConnRefused
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return ErrTimeout
	case strings.Contains(msg, "connection lost"), strings.Contains(msg, "eof"):
		return ErrConnLost
	case strings.Contains(msg, "tls"), strings.Contains(msg, "certificate"):
		return ErrTLS
	}
	return ErrUnknown
}
