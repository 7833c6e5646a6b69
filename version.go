// Package sparkplugb implements the core of the Sparkplug B specification on
// top of MQTT 3.1.1: the payload codec, the topic grammar, a typed client
// adapter, and the edge-node session state machine.
package sparkplugb

// Version is the library version.
const Version = "1.0.0"
