// Package cli wires the config-driven edge node simulator together.
package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/matishsiao/goInfo"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/iotedge-labs/sparkplugb"
	"github.com/iotedge-labs/sparkplugb/internal/config"
	"github.com/iotedge-labs/sparkplugb/internal/log"
	"github.com/iotedge-labs/sparkplugb/internal/metrics"
	"github.com/iotedge-labs/sparkplugb/internal/simulators"
)

const uptimeMetric = "Uptime"

// Run starts the simulator and blocks until SIGINT/SIGTERM.
func Run() {
	cfg := config.GetConfigs()
	logger := log.NewLogger(
		cfg.LoggerConfig.Level,
		cfg.LoggerConfig.Format,
		cfg.LoggerConfig.DisableTimestamp,
	)

	connectTimeout, err := time.ParseDuration(cfg.MQTTConfig.ConnectTimeout)
	if err != nil {
		connectTimeout = 30 * time.Second
	}

	clientOpts := sparkplugb.ClientOptions{
		ClientID:  cfg.MQTTConfig.ClientID,
		Username:  cfg.MQTTConfig.Username,
		Password:  cfg.MQTTConfig.Password,
		Keepalive: cfg.MQTTConfig.KeepAlive,
		Transport: sparkplugb.Transport(cfg.MQTTConfig.Transport),
	}
	if clientOpts.Transport == "" {
		clientOpts.Transport = sparkplugb.TransportTCP
	}
	client := sparkplugb.NewClient(clientOpts, logger)

	cmdHandler := func(node *sparkplugb.EdgeNode, msg *sparkplugb.Message) {
		metrics.CommandsReceived.Inc()
		logger.WithFields(logrus.Fields{
			"topic": msg.Topic.String(),
		}).Infoln("Received command")
	}

	node, err := sparkplugb.NewEdgeNode(
		cfg.EdgeNodeConfig.GroupID,
		cfg.EdgeNodeConfig.NodeID,
		nodeBirthMetrics(logger),
		client,
		logger,
		cmdHandler,
	)
	if err != nil {
		logger.Errorln("Failed to instantiate the edge node, exiting")
		panic(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Register the configured devices before connecting so their DBIRTHs go
	// out with the session birth.
	sensorsByDevice := make(map[string][]*simulators.Sensor)
	for _, devCfg := range cfg.EdgeNodeConfig.Devices {
		var birth []sparkplugb.Metric
		var sensors []*simulators.Sensor
		for _, s := range devCfg.Sensors {
			birth = append(birth, sparkplugb.NewMetric(s.SensorID, sparkplugb.DataTypeDouble, s.Mean).
				WithTimestamp(sparkplugb.GetCurrentTimestamp()))
			sensors = append(sensors, simulators.NewSensor(
				s.SensorID, s.Mean, s.Std, s.DelayMin, s.DelayMax, s.Randomize,
			))
		}
		device, err := sparkplugb.NewDevice(devCfg.DeviceID, birth, nil)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"device_id": devCfg.DeviceID,
				"err":       err,
			}).Errorln("Failed to instantiate device")
			continue
		}
		if err := node.Register(device); err != nil {
			logger.WithFields(logrus.Fields{
				"device_id": devCfg.DeviceID,
				"err":       err,
			}).Errorln("Failed to register device")
			continue
		}
		sensorsByDevice[devCfg.DeviceID] = sensors
	}

	logger.WithFields(logrus.Fields{
		"host": cfg.MQTTConfig.Host,
		"port": cfg.MQTTConfig.Port,
	}).Infoln("Connecting the edge node")
	if err := node.Connect(cfg.MQTTConfig.Host, cfg.MQTTConfig.Port, connectTimeout); err != nil {
		logger.Errorln("Failed to establish the MQTT session, exiting")
		panic(err)
	}
	metrics.SessionUp.Set(1)
	metrics.PublishedMessages.WithLabelValues(string(sparkplugb.MessageTypeNBirth)).Inc()

	stateTopic, stateEnabled := stateHostTopic(cfg.StateHostConfig, logger)
	if stateEnabled {
		publishState(client, stateTopic, true, logger)
	}

	startTime := time.Now()
	for deviceID, sensors := range sensorsByDevice {
		metrics.PublishedMessages.WithLabelValues(string(sparkplugb.MessageTypeDBirth)).Inc()
		for _, sensor := range sensors {
			sensor.Run(ctx, logger)
			go func(deviceID string, s *simulators.Sensor) {
				for value := range s.Data {
					m := sparkplugb.NewMetric(s.SensorID, sparkplugb.DataTypeDouble, value).
						WithTimestamp(sparkplugb.GetCurrentTimestamp())
					if err := node.UpdateDevice(deviceID, []sparkplugb.Metric{m}); err != nil {
						metrics.PublishFailures.WithLabelValues(string(sparkplugb.MessageTypeDData)).Inc()
						logger.WithFields(logrus.Fields{
							"device_id": deviceID,
							"sensor_id": s.SensorID,
							"err":       err,
						}).Warnln("Couldn't publish DDATA to the broker")
						continue
					}
					metrics.PublishedMessages.WithLabelValues(string(sparkplugb.MessageTypeDData)).Inc()
				}
			}(deviceID, sensor)
		}
	}

	// Node-level uptime heartbeat.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m := sparkplugb.NewMetric(uptimeMetric, sparkplugb.DataTypeInt64, int64(time.Since(startTime).Seconds())).
					WithTimestamp(sparkplugb.GetCurrentTimestamp())
				if err := node.Update([]sparkplugb.Metric{m}); err != nil {
					metrics.PublishFailures.WithLabelValues(string(sparkplugb.MessageTypeNData)).Inc()
					continue
				}
				metrics.PublishedMessages.WithLabelValues(string(sparkplugb.MessageTypeNData)).Inc()
			}
		}
	}()

	if cfg.EnablePrometheus {
		addr := cfg.PrometheusAddr
		if addr == "" {
			addr = ":8080"
		}
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, nil); err != nil {
				logger.WithFields(logrus.Fields{"err": err}).Errorln("Metrics endpoint failed")
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	cancel()
	if stateEnabled {
		publishState(client, stateTopic, false, logger)
	}
	if err := node.Disconnect(); err != nil {
		logger.WithFields(logrus.Fields{"err": err}).Warnln("Disconnect failed")
	}
	metrics.SessionUp.Set(0)
	logger.Infoln("Shutdown complete")
}

// stateHostTopic resolves the STATE topic for the optional primary-host
// announcement, generating a host id when none is configured.
func stateHostTopic(cfg config.StateHost, logger *logrus.Logger) (sparkplugb.Topic, bool) {
	if !cfg.Enabled {
		return sparkplugb.Topic{}, false
	}
	hostID := cfg.HostID
	if hostID == "" {
		hostID = "host-" + uuid.NewString()
	}
	topic, err := sparkplugb.NewStateTopic(hostID)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"host_id": hostID,
			"err":     err,
		}).Warnln("Invalid STATE host id, announcements disabled")
		return sparkplugb.Topic{}, false
	}
	return topic, true
}

// publishState announces the host's online flag, retained per the STATE
// contract.
func publishState(client *sparkplugb.Client, topic sparkplugb.Topic, online bool, logger *logrus.Logger) {
	state := &sparkplugb.State{Timestamp: sparkplugb.GetCurrentTimestamp(), Online: online}
	if err := client.Publish(sparkplugb.NewMessage(topic, state)); err != nil {
		metrics.PublishFailures.WithLabelValues(string(sparkplugb.MessageTypeState)).Inc()
		logger.WithFields(logrus.Fields{
			"topic": topic.String(),
			"err":   err,
		}).Warnln("Couldn't publish STATE to the broker")
		return
	}
	metrics.PublishedMessages.WithLabelValues(string(sparkplugb.MessageTypeState)).Inc()
}

// nodeBirthMetrics builds the node's birth set: the rebirth control, an
// uptime counter, and the platform info metrics.
func nodeBirthMetrics(logger *logrus.Logger) []sparkplugb.Metric {
	now := sparkplugb.GetCurrentTimestamp()
	out := []sparkplugb.Metric{
		sparkplugb.NewMetric(sparkplugb.NodeControlRebirth, sparkplugb.DataTypeBoolean, false).WithTimestamp(now),
		sparkplugb.NewMetric(uptimeMetric, sparkplugb.DataTypeInt64, int64(0)).WithTimestamp(now),
	}
	gi, err := goInfo.GetInfo()
	if err != nil {
		logger.WithFields(logrus.Fields{"err": err}).Warnln("Couldn't read platform info")
		return out
	}
	out = append(out,
		sparkplugb.NewMetric("Node Info/OS", sparkplugb.DataTypeString, gi.OS).WithTimestamp(now),
		sparkplugb.NewMetric("Node Info/Platform", sparkplugb.DataTypeString, gi.Platform).WithTimestamp(now),
		sparkplugb.NewMetric("Node Info/Hostname", sparkplugb.DataTypeString, gi.Hostname).WithTimestamp(now),
		sparkplugb.NewMetric("Node Info/CPUs", sparkplugb.DataTypeInt32, int32(gi.CPUs)).WithTimestamp(now),
		sparkplugb.NewMetric("Node Info/Kernel", sparkplugb.DataTypeString, fmt.Sprintf("%s %s", gi.Kernel, gi.Core)).WithTimestamp(now),
	)
	return out
}
