package config

import (
	"bytes"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// MQTT is the broker connection section.
type MQTT struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	ClientID       string `mapstructure:"client_id"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	KeepAlive      uint16 `mapstructure:"keep_alive"`
	Transport      string `mapstructure:"transport"`
	ConnectTimeout string `mapstructure:"connect_timeout"`
}

// Sensor is a simulated data point attached to a device.
type Sensor struct {
	SensorID  string  `mapstructure:"sensor_id"`
	Mean      float64 `mapstructure:"mean"`
	Std       float64 `mapstructure:"standard_deviation"`
	DelayMin  uint32  `mapstructure:"delay_min"`
	DelayMax  uint32  `mapstructure:"delay_max"`
	Randomize bool    `mapstructure:"randomize"`
}

// Device describes one device under the edge node.
type Device struct {
	DeviceID string   `mapstructure:"device_id"`
	Sensors  []Sensor `mapstructure:"sensors"`
}

// EdgeNode is the node identity section.
type EdgeNode struct {
	GroupID string   `mapstructure:"group_id"`
	NodeID  string   `mapstructure:"node_id"`
	Devices []Device `mapstructure:"devices"`
}

// StateHost is the optional primary-host STATE announcement section.
type StateHost struct {
	Enabled bool   `mapstructure:"enabled"`
	HostID  string `mapstructure:"host_id"`
}

// Logger is the logging section.
type Logger struct {
	Level            string `mapstructure:"level"`
	Format           string `mapstructure:"format"`
	DisableTimestamp bool   `mapstructure:"disable_timestamp"`
}

type Cfg struct {
	MQTTConfig       MQTT      `mapstructure:"mqtt_config"`
	EdgeNodeConfig   EdgeNode  `mapstructure:"edge_node"`
	StateHostConfig  StateHost `mapstructure:"state_host"`
	LoggerConfig     Logger    `mapstructure:"logger"`
	EnablePrometheus bool      `mapstructure:"enable_prometheus"`
	PrometheusAddr   string    `mapstructure:"prometheus_addr"`
}

// GetConfigs loads the configuration file, falling back to the embedded
// defaults when none is found.
func GetConfigs() Cfg {
	var configs Cfg
	logger := logrus.New()
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("json")
	v.AddConfigPath("./configs/")
	v.AddConfigPath("/configs/")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			logger.Warnln("Config file not found, using default configs")
			return setDefault(v, logger)
		}
		logger.Errorln("Config file was found but another error was produced")
		panic(err)
	}

	if err := v.Unmarshal(&configs); err != nil {
		logger.Errorln("Unable to unmarshal configs")
		panic(err)
	}
	return configs
}

func setDefault(v *viper.Viper, log *logrus.Logger) Cfg {
	var configs Cfg

	defaultConfig := []byte(`
	{
		"mqtt_config": {
			"host": "broker.emqx.io",
			"port": 1883,
			"client_id": "",
			"username": "",
			"password": "",
			"keep_alive": 30,
			"transport": "tcp",
			"connect_timeout": "30s"
		},

		"edge_node": {
			"group_id": "IoTSensors",
			"node_id": "SparkplugB",
			"devices": [
				{
					"device_id": "emulatedDevice",
					"sensors": [
						{
							"sensor_id": "Temperature",
							"mean": 30.6,
							"standard_deviation": 3.1,
							"delay_min": 3,
							"delay_max": 6,
							"randomize": true
						},
						{
							"sensor_id": "Humidity",
							"mean": 40.7,
							"standard_deviation": 2.3,
							"delay_min": 4,
							"delay_max": 10,
							"randomize": false
						}
					]
				}
			]
		},

		"state_host": {
			"enabled": false,
			"host_id": ""
		},

		"logger": {
			"level": "INFO",
			"format": "TEXT",
			"disable_timestamp": false
		},

		"enable_prometheus": true,
		"prometheus_addr": ":8080"
	}
	`)

	if err := v.MergeConfig(bytes.NewReader(defaultConfig)); err != nil {
		log.Errorln("Error using default configs, exiting")
		panic(err)
	}
	if err := v.Unmarshal(&configs); err != nil {
		log.Errorln("Unable to unmarshal default configs")
		panic(err)
	}
	return configs
}
