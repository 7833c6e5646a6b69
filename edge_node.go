package sparkplugb

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// BdSeqMetricName is the well-known metric pairing births with deaths.
const BdSeqMetricName = "bdSeq"

// NodeControlRebirth is the well-known NCMD metric a primary host sets to
// request a full re-announcement of state without an MQTT reconnect.
const NodeControlRebirth = "Node Control/Rebirth"

// seqLimit bounds the per-session sequence counter.
const seqLimit = 256

// SessionState is the edge node lifecycle state.
type SessionState int

const (
	StateOffline SessionState = iota
	StateConnecting
	StateOnline
	StateDisconnecting
)

func (s SessionState) String() string {
	switch s {
	case StateOffline:
		return "Offline"
	case StateConnecting:
		return "Connecting"
	case StateOnline:
		return "Online"
	case StateDisconnecting:
		return "Disconnecting"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// CommandHandler runs for NCMD/DCMD messages delivered to an edge node. It is
// invoked from the MQTT network thread.
type CommandHandler func(node *EdgeNode, msg *Message)

// metricSet is an ordered, name-indexed set of last-known metrics.
type metricSet struct {
	byName map[string]Metric
	order  []string
}

func newMetricSet(metrics []Metric) (*metricSet, error) {
	s := &metricSet{byName: make(map[string]Metric, len(metrics))}
	for _, m := range metrics {
		if m.Name == "" {
			return nil, fmt.Errorf("%w: birth metric must have a name", ErrInvalidMetric)
		}
		if !m.DataType.Supported() {
			return nil, fmt.Errorf("%w: birth metric %q has datatype %s", ErrInvalidMetric, m.Name, m.DataType)
		}
		norm, err := m.normalized()
		if err != nil {
			return nil, err
		}
		if _, dup := s.byName[m.Name]; !dup {
			s.order = append(s.order, m.Name)
		}
		s.byName[m.Name] = norm
	}
	return s, nil
}

// update replaces last-known values, enforcing birth-set closure and
// datatype stability.
func (s *metricSet) update(metrics []Metric) ([]Metric, error) {
	out := make([]Metric, 0, len(metrics))
	for _, m := range metrics {
		curr, ok := s.byName[m.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrNotInBirthSet, m.Name)
		}
		if m.DataType != curr.DataType {
			return nil, fmt.Errorf("%w: metric %q datatype %s does not match birth datatype %s",
				ErrInvalidMetric, m.Name, m.DataType, curr.DataType)
		}
		norm, err := m.normalized()
		if err != nil {
			return nil, err
		}
		out = append(out, norm)
	}
	for _, m := range out {
		s.byName[m.Name] = m
	}
	return out, nil
}

func (s *metricSet) snapshot() []Metric {
	out := make([]Metric, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.byName[name])
	}
	return out
}

// Device is a sub-entity reporting through an edge node. Its birth metric
// set is fixed at construction; last-known values track updates.
type Device struct {
	deviceID   string
	metrics    *metricSet
	cmdHandler CommandHandler
}

// NewDevice builds a device from its id and birth metric set.
func NewDevice(deviceID string, metrics []Metric, cmdHandler CommandHandler) (*Device, error) {
	if !validComponent(deviceID, false) {
		return nil, fmt.Errorf("%w: invalid device id %q", ErrInvalidTopic, deviceID)
	}
	set, err := newMetricSet(metrics)
	if err != nil {
		return nil, err
	}
	return &Device{deviceID: deviceID, metrics: set, cmdHandler: cmdHandler}, nil
}

// DeviceID returns the device's topic element.
func (d *Device) DeviceID() string { return d.deviceID }

// Metrics returns a copy of the device's last-known metrics.
func (d *Device) Metrics() map[string]Metric {
	out := make(map[string]Metric, len(d.metrics.byName))
	for k, v := range d.metrics.byName {
		out[k] = v
	}
	return out
}

// EdgeNode is the Sparkplug B edge-of-network node session state machine. It
// owns the session sequence counter, the bdSeq discipline, the birth metric
// set, and the device registry. All public operations are safe for
// concurrent use; publishes are serialized by a single per-node mutex so
// subscribers observe strictly monotonic (mod 256) sequence numbers.
type EdgeNode struct {
	groupID    string
	edgeNodeID string
	log        *logrus.Logger
	client     *Client
	cmdHandler CommandHandler

	mu          sync.Mutex
	state       SessionState
	metrics     *metricSet
	devices     map[string]*Device
	deviceOrder []string

	seq         uint8
	bdSeq       uint64
	nextBdSeq   uint64
	bdSeqMetric Metric
}

// NewEdgeNode builds an edge node from its topic identity and birth metric
// set. A nil client gets a default Client; a nil cmdHandler logs commands.
func NewEdgeNode(groupID, edgeNodeID string, metrics []Metric, client *Client, log *logrus.Logger, cmdHandler CommandHandler) (*EdgeNode, error) {
	if !validComponent(groupID, false) {
		return nil, fmt.Errorf("%w: invalid group id %q", ErrInvalidTopic, groupID)
	}
	if !validComponent(edgeNodeID, false) {
		return nil, fmt.Errorf("%w: invalid edge node id %q", ErrInvalidTopic, edgeNodeID)
	}
	set, err := newMetricSet(metrics)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	if client == nil {
		client = NewClient(ClientOptions{}, log)
	}
	n := &EdgeNode{
		groupID:    groupID,
		edgeNodeID: edgeNodeID,
		log:        log,
		client:     client,
		cmdHandler: cmdHandler,
		state:      StateOffline,
		metrics:    set,
		devices:    make(map[string]*Device),
	}
	client.SetOnConnectionLost(func(err error) {
		n.mu.Lock()
		n.state = StateOffline
		n.mu.Unlock()
		// The broker publishes the armed NDEATH; the next Connect increments
		// bdSeq, arms a fresh will, and republishes the births.
	})
	return n, nil
}

// GroupID returns the node's group element.
func (n *EdgeNode) GroupID() string { return n.groupID }

// EdgeNodeID returns the node's topic element.
func (n *EdgeNode) EdgeNodeID() string { return n.edgeNodeID }

// State returns the current session state.
func (n *EdgeNode) State() SessionState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Metrics returns a copy of the node's last-known metrics.
func (n *EdgeNode) Metrics() map[string]Metric {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]Metric, len(n.metrics.byName))
	for k, v := range n.metrics.byName {
		out[k] = v
	}
	return out
}

// Devices returns a copy of the device registry.
func (n *EdgeNode) Devices() map[string]*Device {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]*Device, len(n.devices))
	for k, v := range n.devices {
		out[k] = v
	}
	return out
}

func (n *EdgeNode) topic(mt MessageType, deviceID string) Topic {
	return Topic{GroupID: n.groupID, MessageType: mt, EdgeNodeID: n.edgeNodeID, DeviceID: deviceID}
}

// nextSeqLocked hands out the next value of the single per-session sequence
// shared by NDATA, DBIRTH, DDATA and DDEATH publishes.
func (n *EdgeNode) nextSeqLocked() uint8 {
	n.seq = uint8((int(n.seq) + 1) % seqLimit)
	return n.seq
}

func (n *EdgeNode) publishLocked(mt MessageType, deviceID string, p Payload) error {
	return n.client.Publish(NewMessage(n.topic(mt, deviceID), p))
}

// Connect arms the NDEATH will, establishes the MQTT session, publishes
// NBIRTH with seq 0, then DBIRTH for every registered device. On a connect
// timeout the node stays Offline and no will was armed on the broker.
func (n *EdgeNode) Connect(host string, port int, timeout time.Duration) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != StateOffline {
		return fmt.Errorf("%w: connect requires Offline, node is %s", ErrInvalidState, n.state)
	}
	n.state = StateConnecting

	// bdSeq for this session; one increment per connect invocation.
	n.bdSeq = n.nextBdSeq
	n.nextBdSeq++
	n.bdSeqMetric = Metric{
		Name:      BdSeqMetricName,
		DataType:  DataTypeUInt64,
		Value:     n.bdSeq,
		Timestamp: GetCurrentTimestamp(),
	}

	will := &NDeath{Timestamp: GetCurrentTimestamp(), BdSeq: n.bdSeqMetric}
	if err := n.client.SetWill(n.topic(MessageTypeNDeath, ""), will, MessageTypeNDeath.DefaultQoS(), MessageTypeNDeath.DefaultRetain()); err != nil {
		n.state = StateOffline
		return err
	}

	if err := n.client.Connect(host, port, timeout); err != nil {
		n.state = StateOffline
		return err
	}

	if err := n.client.Subscribe(n.topic(MessageTypeNCmd, ""), QoSAtLeastOnce, n.handleCommand); err != nil {
		n.log.WithFields(logrus.Fields{"err": err}).Warn("NCMD subscription failed")
	}
	for _, id := range n.deviceOrder {
		if err := n.client.Subscribe(n.topic(MessageTypeDCmd, id), QoSAtLeastOnce, n.handleCommand); err != nil {
			n.log.WithFields(logrus.Fields{"device_id": id, "err": err}).Warn("DCMD subscription failed")
		}
	}

	if err := n.publishBirthsLocked(); err != nil {
		n.state = StateOffline
		n.client.Disconnect()
		return err
	}
	n.state = StateOnline
	return nil
}

// publishBirthsLocked resets the sequence counter and emits NBIRTH followed
// by a DBIRTH per registered device. Used by both Connect and rebirth.
func (n *EdgeNode) publishBirthsLocked() error {
	n.seq = 0
	metrics := append([]Metric{n.bdSeqMetric}, n.metrics.snapshot()...)
	birth := &NBirth{Timestamp: GetCurrentTimestamp(), Seq: 0, Metrics: metrics}
	if err := n.publishLocked(MessageTypeNBirth, "", birth); err != nil {
		return fmt.Errorf("publishing NBIRTH: %w", err)
	}
	for _, id := range n.deviceOrder {
		if err := n.publishDeviceBirthLocked(n.devices[id]); err != nil {
			return err
		}
	}
	return nil
}

func (n *EdgeNode) publishDeviceBirthLocked(d *Device) error {
	birth := &DBirth{
		Timestamp: GetCurrentTimestamp(),
		Seq:       n.nextSeqLocked(),
		Metrics:   d.metrics.snapshot(),
	}
	if err := n.publishLocked(MessageTypeDBirth, d.deviceID, birth); err != nil {
		return fmt.Errorf("publishing DBIRTH for %q: %w", d.deviceID, err)
	}
	return nil
}

// Disconnect publishes DDEATH for every device and NDEATH with the session's
// bdSeq, then closes the MQTT session cleanly so the broker discards the
// will. Subscribers see a death regardless of which path the session took.
func (n *EdgeNode) Disconnect() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != StateOnline {
		return fmt.Errorf("%w: disconnect requires Online, node is %s", ErrInvalidState, n.state)
	}
	n.state = StateDisconnecting

	for _, id := range n.deviceOrder {
		death := &DDeath{Timestamp: GetCurrentTimestamp(), Seq: n.nextSeqLocked()}
		if err := n.publishLocked(MessageTypeDDeath, id, death); err != nil {
			n.log.WithFields(logrus.Fields{"device_id": id, "err": err}).Warn("DDEATH publish failed")
		}
	}
	death := &NDeath{Timestamp: GetCurrentTimestamp(), BdSeq: n.bdSeqMetric}
	if err := n.publishLocked(MessageTypeNDeath, "", death); err != nil {
		n.log.WithFields(logrus.Fields{"err": err}).Warn("NDEATH publish failed")
	}

	err := n.client.Disconnect()
	n.state = StateOffline
	return err
}

// Update publishes NDATA with the node's next sequence number and records
// the metrics as last-known values. Metrics outside the birth set are
// rejected.
func (n *EdgeNode) Update(metrics []Metric) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != StateOnline {
		return fmt.Errorf("%w: update requires Online, node is %s", ErrInvalidState, n.state)
	}
	updated, err := n.metrics.update(metrics)
	if err != nil {
		return err
	}
	data := &NData{Timestamp: GetCurrentTimestamp(), Seq: n.nextSeqLocked(), Metrics: updated}
	return n.publishLocked(MessageTypeNData, "", data)
}

// UpdateDevice publishes DDATA on the device's own topic with the node's
// next (shared) sequence number.
func (n *EdgeNode) UpdateDevice(deviceID string, metrics []Metric) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != StateOnline {
		return fmt.Errorf("%w: update_device requires Online, node is %s", ErrInvalidState, n.state)
	}
	d, ok := n.devices[deviceID]
	if !ok {
		return fmt.Errorf("%w: device %q is not registered", ErrNotInBirthSet, deviceID)
	}
	updated, err := d.metrics.update(metrics)
	if err != nil {
		return err
	}
	data := &DData{Timestamp: GetCurrentTimestamp(), Seq: n.nextSeqLocked(), Metrics: updated}
	return n.publishLocked(MessageTypeDData, d.deviceID, data)
}

// Register adds a device to the node. When the node is Online the device's
// DBIRTH is published immediately; otherwise it goes out with the next
// session birth.
func (n *EdgeNode) Register(device *Device) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.devices[device.deviceID]; exists {
		return fmt.Errorf("%w: device %q is already registered", ErrInvalidState, device.deviceID)
	}
	n.devices[device.deviceID] = device
	n.deviceOrder = append(n.deviceOrder, device.deviceID)

	if n.state != StateOnline {
		return nil
	}
	if err := n.client.Subscribe(n.topic(MessageTypeDCmd, device.deviceID), QoSAtLeastOnce, n.handleCommand); err != nil {
		n.log.WithFields(logrus.Fields{"device_id": device.deviceID, "err": err}).Warn("DCMD subscription failed")
	}
	return n.publishDeviceBirthLocked(device)
}

// Deregister publishes the device's DDEATH when Online and removes it from
// the registry.
func (n *EdgeNode) Deregister(deviceID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.devices[deviceID]; !ok {
		return fmt.Errorf("%w: device %q is not registered", ErrInvalidState, deviceID)
	}
	if n.state == StateOnline {
		death := &DDeath{Timestamp: GetCurrentTimestamp(), Seq: n.nextSeqLocked()}
		if err := n.publishLocked(MessageTypeDDeath, deviceID, death); err != nil {
			n.log.WithFields(logrus.Fields{"device_id": deviceID, "err": err}).Warn("DDEATH publish failed")
		}
		if err := n.client.Unsubscribe(n.topic(MessageTypeDCmd, deviceID)); err != nil {
			n.log.WithFields(logrus.Fields{"device_id": deviceID, "err": err}).Warn("DCMD unsubscribe failed")
		}
	}
	delete(n.devices, deviceID)
	for i, id := range n.deviceOrder {
		if id == deviceID {
			n.deviceOrder = append(n.deviceOrder[:i], n.deviceOrder[i+1:]...)
			break
		}
	}
	return nil
}

// handleCommand runs on the network thread for NCMD/DCMD messages. A
// `Node Control/Rebirth` = true NCMD restarts the birth sequence in place.
// DCMD messages go to the target device's handler; everything else falls
// back to the node's handler.
func (n *EdgeNode) handleCommand(_ *Client, msg *Message) {
	if cmd, ok := msg.Payload.(*NCmd); ok {
		for _, m := range cmd.Metrics {
			if m.Name == NodeControlRebirth && m.DataType == DataTypeBoolean {
				if v, ok := m.Value.(bool); ok && v {
					n.rebirth()
					return
				}
			}
		}
	}
	if msg.Topic.MessageType == MessageTypeDCmd {
		n.mu.Lock()
		device := n.devices[msg.Topic.DeviceID]
		n.mu.Unlock()
		if device != nil && device.cmdHandler != nil {
			device.cmdHandler(n, msg)
			return
		}
	}
	if n.cmdHandler != nil {
		n.cmdHandler(n, msg)
		return
	}
	n.log.WithFields(logrus.Fields{"topic": msg.Topic.String()}).Info("Received command")
}

// rebirth republishes NBIRTH and all DBIRTHs with the sequence counter reset
// to 0. bdSeq is unchanged and the MQTT session stays up.
func (n *EdgeNode) rebirth() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != StateOnline {
		return
	}
	if err := n.publishBirthsLocked(); err != nil {
		n.log.WithFields(logrus.Fields{"err": err}).Error("Rebirth failed")
	}
}
