package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pion/stun/v3"
)

// placeholderExternalIP is the value shipped in the sample .env; running
// with it means the camera will be told to send media to a TEST-NET address.
const placeholderExternalIP = "203.0.113.1"

// MQTT topic templates, parameterized by camera id.
const (
	playTopicTemplate      = "prod/honeycomb/%s/stream/play"
	stopTopicTemplate      = "prod/honeycomb/%s/stream/stop"
	keepaliveTopicTemplate = "prod/honeycomb/%s/stream/keepalive"
)

// Config holds all configuration for the gateway, loaded from the
// environment (optionally seeded from a .env file).
type Config struct {
	MSWSURL string `envconfig:"MS_WS_URL" default:"ws://localhost:8888/kurento"`
	STUNURL string `envconfig:"STUN_URL" default:"stun:stun.l.google.com:19302"`

	LocalIP            string `envconfig:"LOCAL_IP"`
	ExternalIP         string `envconfig:"EXTERNAL_IP"`
	LocalNetworkPrefix string `envconfig:"LOCAL_NETWORK_PREFIX"`

	CameraRTPVideoPort int `envconfig:"CAMERA_RTP_VIDEO_PORT" default:"56002"`
	CameraRTPAudioPort int `envconfig:"CAMERA_RTP_AUDIO_PORT" default:"56000"`
	CameraRTCPPort     int `envconfig:"CAMERA_RTCP_PORT" default:"56001"`

	MaxVideoRecvBandwidth int `envconfig:"MAX_VIDEO_RECV_BANDWIDTH" default:"5000"`
	MinVideoRecvBandwidth int `envconfig:"MIN_VIDEO_RECV_BANDWIDTH" default:"500"`

	MQTTHost       string `envconfig:"MQTT_HOST" default:"127.0.0.1"`
	MQTTPort       int    `envconfig:"MQTT_PORT" default:"8883"`
	MQTTClientID   string `envconfig:"MQTT_CLIENT_ID" default:"livestream_service"`
	MQTTCACert     string `envconfig:"MQTT_CA_CERT"`
	MQTTClientCert string `envconfig:"MQTT_CLIENT_CERT"`
	MQTTClientKey  string `envconfig:"MQTT_CLIENT_KEY"`

	KeepaliveInterval   time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"4s"`
	MaxViewersPerStream int           `envconfig:"MAX_VIEWERS_PER_STREAM" default:"10"`
	RequestTimeout      time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	StreamStartTimeout  time.Duration `envconfig:"STREAM_START_TIMEOUT" default:"30s"`

	APIHost       string `envconfig:"API_HOST" default:"0.0.0.0"`
	APIPort       int    `envconfig:"API_PORT" default:"8080"`
	SignalingHost string `envconfig:"SIGNALING_HOST" default:"0.0.0.0"`
	SignalingPort int    `envconfig:"SIGNALING_PORT" default:"8765"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"console"`
}

// Load reads configuration from a .env file (if present) and the process
// environment. The environment wins over the file.
func Load(envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load env file %s: %w", envPath, err)
		}
	}

	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all required configuration is present and coherent.
// All problems are reported at once.
func (c *Config) Validate() error {
	var errs []error

	if u, err := url.Parse(c.MSWSURL); err != nil {
		errs = append(errs, fmt.Errorf("invalid MS_WS_URL: %w", err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("invalid MS_WS_URL scheme %q (must be ws or wss)", u.Scheme))
	}

	if _, err := stun.ParseURI(c.STUNURL); err != nil {
		errs = append(errs, fmt.Errorf("invalid STUN_URL %q: %w", c.STUNURL, err))
	}

	if c.LocalIP == "" {
		errs = append(errs, errors.New("missing LOCAL_IP"))
	}
	if c.ExternalIP == "" {
		errs = append(errs, errors.New("missing EXTERNAL_IP"))
	}
	if c.LocalNetworkPrefix == "" {
		errs = append(errs, errors.New("missing LOCAL_NETWORK_PREFIX"))
	}

	for _, cert := range []struct{ name, path string }{
		{"MQTT_CA_CERT", c.MQTTCACert},
		{"MQTT_CLIENT_CERT", c.MQTTClientCert},
		{"MQTT_CLIENT_KEY", c.MQTTClientKey},
	} {
		if cert.path == "" {
			errs = append(errs, fmt.Errorf("missing %s", cert.name))
		} else if _, err := os.Stat(cert.path); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", cert.name, err))
		}
	}

	if c.MaxVideoRecvBandwidth <= 0 || c.MinVideoRecvBandwidth <= 0 {
		errs = append(errs, errors.New("bandwidth bounds must be positive"))
	} else if c.MinVideoRecvBandwidth > c.MaxVideoRecvBandwidth {
		errs = append(errs, fmt.Errorf("MIN_VIDEO_RECV_BANDWIDTH %d exceeds MAX_VIDEO_RECV_BANDWIDTH %d",
			c.MinVideoRecvBandwidth, c.MaxVideoRecvBandwidth))
	}

	if c.KeepaliveInterval <= 0 {
		errs = append(errs, errors.New("KEEPALIVE_INTERVAL must be positive"))
	}
	if c.MaxViewersPerStream < 1 {
		errs = append(errs, errors.New("MAX_VIEWERS_PER_STREAM must be at least 1"))
	}

	return errors.Join(errs...)
}

// Warnings reports configuration that is legal but suspicious. The caller
// is expected to log these at startup.
func (c *Config) Warnings() []string {
	var warns []string
	if c.ExternalIP == placeholderExternalIP {
		warns = append(warns, fmt.Sprintf("EXTERNAL_IP is still the placeholder %s; cameras will stream to a TEST-NET address", placeholderExternalIP))
	}
	return warns
}

// BrokerURL returns the paho broker URL for the configured MQTT endpoint.
func (c *Config) BrokerURL() string {
	return fmt.Sprintf("tls://%s:%d", c.MQTTHost, c.MQTTPort)
}

// APIAddr returns the listen address for the control API.
func (c *Config) APIAddr() string {
	return fmt.Sprintf("%s:%d", c.APIHost, c.APIPort)
}

// SignalingAddr returns the listen address for the viewer WebSocket server.
func (c *Config) SignalingAddr() string {
	return fmt.Sprintf("%s:%d", c.SignalingHost, c.SignalingPort)
}

// PlayTopic returns the per-camera MQTT topic for play commands.
func (c *Config) PlayTopic(cameraID string) string {
	return fmt.Sprintf(playTopicTemplate, cameraID)
}

// StopTopic returns the per-camera MQTT topic for stop commands.
func (c *Config) StopTopic(cameraID string) string {
	return fmt.Sprintf(stopTopicTemplate, cameraID)
}

// KeepaliveTopic returns the per-camera MQTT topic for keepalive heartbeats.
func (c *Config) KeepaliveTopic(cameraID string) string {
	return fmt.Sprintf(keepaliveTopicTemplate, cameraID)
}
