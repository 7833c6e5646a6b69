package sparkplugb

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// fakeToken completes immediately with a fixed error.
type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type publishRecord struct {
	topic   string
	qos     byte
	retain  bool
	payload []byte
}

// fakePaho is an in-memory transport standing in for the paho client. It
// records publishes and subscription handlers so tests can observe the wire
// and inject inbound messages.
type fakePaho struct {
	mu        sync.Mutex
	opts      *mqtt.ClientOptions
	connected bool

	publishes  []publishRecord
	handlers   map[string]mqtt.MessageHandler
	subscribed []string

	connectErr error
	publishErr error
}

func newFakePaho() *fakePaho {
	return &fakePaho{handlers: make(map[string]mqtt.MessageHandler)}
}

func (f *fakePaho) IsConnected() bool      { f.mu.Lock(); defer f.mu.Unlock(); return f.connected }
func (f *fakePaho) IsConnectionOpen() bool { return f.IsConnected() }

func (f *fakePaho) Connect() mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr == nil {
		f.connected = true
	}
	return &fakeToken{err: f.connectErr}
}

func (f *fakePaho) Disconnect(quiesce uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakePaho) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return &fakeToken{err: f.publishErr}
	}
	raw, _ := payload.([]byte)
	f.publishes = append(f.publishes, publishRecord{
		topic:   topic,
		qos:     qos,
		retain:  retained,
		payload: append([]byte(nil), raw...),
	})
	return &fakeToken{}
}

func (f *fakePaho) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = callback
	f.subscribed = append(f.subscribed, topic)
	return &fakeToken{}
}

func (f *fakePaho) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	for topic := range filters {
		f.Subscribe(topic, filters[topic], callback)
	}
	return &fakeToken{}
}

func (f *fakePaho) Unsubscribe(topics ...string) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, topic := range topics {
		delete(f.handlers, topic)
	}
	return &fakeToken{}
}

func (f *fakePaho) AddRoute(topic string, callback mqtt.MessageHandler) {}

func (f *fakePaho) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

func (f *fakePaho) records() []publishRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishRecord(nil), f.publishes...)
}

// deliver injects an inbound message into the handler subscribed to topic.
func (f *fakePaho) deliver(topic string, payload []byte, qos byte) bool {
	f.mu.Lock()
	handler := f.handlers[topic]
	f.mu.Unlock()
	if handler == nil {
		return false
	}
	handler(nil, &fakeInbound{topic: topic, payload: payload, qos: qos})
	return true
}

type fakeInbound struct {
	topic   string
	payload []byte
	qos     byte
}

func (m *fakeInbound) Duplicate() bool   { return false }
func (m *fakeInbound) Qos() byte         { return m.qos }
func (m *fakeInbound) Retained() bool    { return false }
func (m *fakeInbound) Topic() string     { return m.topic }
func (m *fakeInbound) MessageID() uint16 { return 0 }
func (m *fakeInbound) Payload() []byte   { return m.payload }
func (m *fakeInbound) Ack()              {}

// fakeTransport wires a Client to fresh fakePaho instances, one per
// Connect, the way the client builds a fresh paho session to re-arm the
// will.
type fakeTransport struct {
	mu       sync.Mutex
	sessions []*fakePaho
	next     *fakePaho
}

func newFakeTransport() *fakeTransport { return &fakeTransport{} }

func (ft *fakeTransport) install(c *Client) {
	c.newPaho = func(opts *mqtt.ClientOptions) mqtt.Client {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		f := ft.next
		if f == nil {
			f = newFakePaho()
		}
		ft.next = nil
		f.opts = opts
		ft.sessions = append(ft.sessions, f)
		return f
	}
}

func (ft *fakeTransport) current() *fakePaho {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.sessions) == 0 {
		return nil
	}
	return ft.sessions[len(ft.sessions)-1]
}

func (ft *fakeTransport) session(i int) *fakePaho {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.sessions[i]
}
