// Package mqttgw publishes stream-control commands to cameras over a
// mutually-authenticated MQTT broker. Cameras subscribe to per-camera play,
// stop and keepalive topics; every command is a QoS-1 JSON payload and is
// only reported delivered once the broker has acked it.
package mqttgw

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/avast/retry-go/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/ethan/hivecam-gateway/pkg/config"
)

const (
	qosAtLeastOnce    = 1
	connectTimeout    = 10 * time.Second
	publishAckTimeout = 2 * time.Second
	disconnectGraceMs = 250
	connectAttempts   = 5
)

// ErrPublishTimeout is returned when the broker does not ack a publish
// within the ack window. The camera never saw the command.
var ErrPublishTimeout = errors.New("mqtt publish not acked in time")

// Gateway is the camera-facing MQTT client.
type Gateway struct {
	cfg    *config.Config
	log    zerolog.Logger
	client mqtt.Client
}

// New builds a gateway for the configured broker. The TLS material is read
// eagerly so a bad certificate path fails at startup, not at first publish.
func New(cfg *config.Config, log zerolog.Logger) (*Gateway, error) {
	tlsCfg, err := newTLSConfig(cfg)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		cfg: cfg,
		log: log.With().Str("component", "mqtt").Logger(),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL()).
		SetClientID(cfg.MQTTClientID).
		SetTLSConfig(tlsCfg).
		SetCleanSession(true).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			g.log.Warn().Err(err).Msg("MQTT connection lost")
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			g.log.Info().Str("broker", cfg.BrokerURL()).Msg("MQTT connected")
		})

	g.client = mqtt.NewClient(opts)
	return g, nil
}

func newTLSConfig(cfg *config.Config) (*tls.Config, error) {
	caPEM, err := os.ReadFile(cfg.MQTTCACert)
	if err != nil {
		return nil, fmt.Errorf("read MQTT CA cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("MQTT CA cert %s contains no certificates", cfg.MQTTCACert)
	}

	keyPair, err := tls.LoadX509KeyPair(cfg.MQTTClientCert, cfg.MQTTClientKey)
	if err != nil {
		return nil, fmt.Errorf("load MQTT client keypair: %w", err)
	}

	return &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{keyPair},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Connect dials the broker, retrying with backoff. Brokers routinely come up
// after this service on a shared box, so the first attempts may fail.
func (g *Gateway) Connect(ctx context.Context) error {
	err := retry.Do(
		func() error {
			tok := g.client.Connect()
			if !tok.WaitTimeout(connectTimeout) {
				return fmt.Errorf("connect to %s: timed out", g.cfg.BrokerURL())
			}
			if err := tok.Error(); err != nil {
				return fmt.Errorf("connect to %s: %w", g.cfg.BrokerURL(), err)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(connectAttempts),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			g.log.Warn().Uint("attempt", n+1).Err(err).Msg("MQTT connect failed; retrying")
		}),
	)
	if err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	return nil
}

// Close disconnects from the broker, giving in-flight messages a short
// grace period to drain.
func (g *Gateway) Close() {
	g.client.Disconnect(disconnectGraceMs)
	g.log.Info().Msg("MQTT disconnected")
}

// Connected reports broker connectivity.
func (g *Gateway) Connected() bool {
	return g.client.IsConnectionOpen()
}

// PublishPlay sends the rewritten SDP to the camera's play topic. The camera
// begins streaming to the media server when it accepts the SDP.
func (g *Gateway) PublishPlay(cameraID, streamID, rewrittenSDP string) error {
	cmd := newCommand(cameraID, streamID)
	cmd.MessageType = messageTypePlay
	cmd.SDPOffer = rewrittenSDP
	if err := g.publish(g.cfg.PlayTopic(cameraID), cmd); err != nil {
		return err
	}
	g.log.Info().Str("camera_id", cameraID).Str("stream_id", streamID).
		Str("request_id", cmd.RequestID).Msg("Published play command")
	return nil
}

// PublishStop tells the camera to stop streaming.
func (g *Gateway) PublishStop(cameraID, streamID string) error {
	cmd := newCommand(cameraID, streamID)
	cmd.MessageType = messageTypeStop
	if err := g.publish(g.cfg.StopTopic(cameraID), cmd); err != nil {
		return err
	}
	g.log.Info().Str("camera_id", cameraID).Str("stream_id", streamID).Msg("Published stop command")
	return nil
}

// PublishKeepalive sends one heartbeat; the camera tears the stream down on
// its own if these stop arriving.
func (g *Gateway) PublishKeepalive(cameraID, streamID string, count int) error {
	cmd := newCommand(cameraID, streamID)
	cmd.MessageType = messageTypeKeepalive
	cmd.KeepaliveCount = &count
	if err := g.publish(g.cfg.KeepaliveTopic(cameraID), cmd); err != nil {
		return err
	}
	g.log.Debug().Str("camera_id", cameraID).Int("count", count).Msg("Published keepalive")
	return nil
}

func (g *Gateway) publish(topic string, cmd command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command for %s: %w", topic, err)
	}

	tok := g.client.Publish(topic, qosAtLeastOnce, false, data)
	if !tok.WaitTimeout(publishAckTimeout) {
		return fmt.Errorf("publish to %s: %w", topic, ErrPublishTimeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}
