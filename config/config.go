// Package config loads the YAML configuration shared by the three binaries.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log      LogConfig      `yaml:"log"`
	HTTP     HTTPConfig     `yaml:"http"`
	Engine   EngineConfig   `yaml:"engine"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Registry RegistryConfig `yaml:"registry"`
	RPC      RPCConfig      `yaml:"rpc"`
	Session  SessionConfig  `yaml:"session"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type HTTPConfig struct {
	Port          int   `yaml:"port"`
	MaxUploadSize int64 `yaml:"maxUploadSize"` // bytes
}

type EngineConfig struct {
	Backend     string   `yaml:"backend"` // opencv | onnxruntime
	ModelPath   string   `yaml:"modelPath"`
	Names       []string `yaml:"names"`
	NamesFile   string   `yaml:"namesFile"`
	Conf        float32  `yaml:"conf"`
	Iou         float32  `yaml:"iou"`
	InputSize   int      `yaml:"inputSize"`
	UseGPU      bool     `yaml:"useGPU"`
	WorkersNum  int      `yaml:"workersNum"`
	OnnxLibPath string   `yaml:"onnxLibPath"`
	InputName   string   `yaml:"inputName"`
	OutputName  string   `yaml:"outputName"`
}

type MQTTConfig struct {
	Broker         string        `yaml:"broker"`
	Port           int           `yaml:"port"`
	ClientID       string        `yaml:"clientId"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	PublishTopic   string        `yaml:"publishTopic"`
	SubscribeTopic string        `yaml:"subscribeTopic"`
	QoS            byte          `yaml:"qos"`
	KeepAlive      time.Duration `yaml:"keepAlive"`
	ResultTimeout  time.Duration `yaml:"resultTimeout"`
}

type MonitorConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type RegistryConfig struct {
	Enabled  bool          `yaml:"enabled"`
	URL      string        `yaml:"url"`
	Interval time.Duration `yaml:"interval"`
	TTL      time.Duration `yaml:"ttl"`
}

type RPCConfig struct {
	Port int `yaml:"port"`
}

type SessionConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxHistory int           `yaml:"maxHistory"`
}

// Default mirrors the values the demo apps were written against.
func Default() Config {
	return Config{
		Log:  LogConfig{Level: "info"},
		HTTP: HTTPConfig{Port: 8501, MaxUploadSize: 20 << 20},
		Engine: EngineConfig{
			Backend:    "opencv",
			ModelPath:  "models/best.onnx",
			Conf:       0.25,
			Iou:        0.45,
			InputSize:  640,
			WorkersNum: 1,
			InputName:  "images",
			OutputName: "output0",
		},
		MQTT: MQTTConfig{
			Broker:         "192.168.4.15",
			Port:           1883,
			PublishTopic:   "image/detection",
			SubscribeTopic: "detection/results",
			KeepAlive:      60 * time.Second,
			ResultTimeout:  5 * time.Second,
		},
		Monitor:  MonitorConfig{Enabled: true, Port: 9100},
		Registry: RegistryConfig{Interval: 5 * time.Second, TTL: 15 * time.Second},
		RPC:      RPCConfig{Port: 50051},
		Session:  SessionConfig{TTL: 30 * time.Minute, MaxHistory: 50},
	}
}

// Load reads path over Default and applies environment overrides. A missing
// file is not an error; defaults and environment are used instead.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.HTTP.Port = port
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("MODEL_PATH"); v != "" {
		c.Engine.ModelPath = v
	}
	return nil
}

// Validate rejects values the services cannot run with.
func (c *Config) Validate() error {
	if c.Engine.Conf < 0 || c.Engine.Conf > 1 {
		return fmt.Errorf("engine.conf must be between 0.0 and 1.0, got %f", c.Engine.Conf)
	}
	if c.Engine.Iou < 0 || c.Engine.Iou > 1 {
		return fmt.Errorf("engine.iou must be between 0.0 and 1.0, got %f", c.Engine.Iou)
	}
	if c.Engine.InputSize <= 0 || c.Engine.InputSize%32 != 0 {
		return fmt.Errorf("engine.inputSize must be a positive multiple of 32, got %d", c.Engine.InputSize)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port out of range: %d", c.HTTP.Port)
	}
	return nil
}

// Workers returns engine.workersNum clamped to at least one, and whether it
// exceeds the number of CPUs.
func (c *Config) Workers() (n int, oversubscribed bool) {
	n = c.Engine.WorkersNum
	if n <= 0 {
		n = 1
	}
	return n, n > runtime.NumCPU()
}

func (m MQTTConfig) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", m.Broker, m.Port)
}
