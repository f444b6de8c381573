package mediaserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// CreateMediaPipeline creates a pipeline and returns its object id.
func (c *Client) CreateMediaPipeline(ctx context.Context) (string, error) {
	id, err := c.create(ctx, "MediaPipeline", nil)
	if err != nil {
		return "", fmt.Errorf("create MediaPipeline: %w", err)
	}
	c.log.Debug().Str("pipeline", id).Msg("Created media pipeline")
	return id, nil
}

// CreateRtpEndpoint creates an RTP endpoint inside the given pipeline.
func (c *Client) CreateRtpEndpoint(ctx context.Context, pipeline string) (string, error) {
	id, err := c.create(ctx, "RtpEndpoint", map[string]any{"mediaPipeline": pipeline})
	if err != nil {
		return "", fmt.Errorf("create RtpEndpoint: %w", err)
	}
	c.log.Debug().Str("endpoint", id).Msg("Created RTP endpoint")
	return id, nil
}

// CreateWebRtcEndpoint creates a WebRTC endpoint inside the given pipeline.
func (c *Client) CreateWebRtcEndpoint(ctx context.Context, pipeline string) (string, error) {
	id, err := c.create(ctx, "WebRtcEndpoint", map[string]any{"mediaPipeline": pipeline})
	if err != nil {
		return "", fmt.Errorf("create WebRtcEndpoint: %w", err)
	}
	c.log.Debug().Str("endpoint", id).Msg("Created WebRTC endpoint")
	return id, nil
}

// GenerateOffer asks an endpoint to produce its SDP offer.
func (c *Client) GenerateOffer(ctx context.Context, endpoint string) (string, error) {
	raw, err := c.invoke(ctx, endpoint, "generateOffer", nil)
	if err != nil {
		return "", fmt.Errorf("generateOffer on %s: %w", endpoint, err)
	}
	return decodeValue("generateOffer", raw)
}

// ProcessOffer hands an SDP offer to an endpoint and returns its answer.
func (c *Client) ProcessOffer(ctx context.Context, endpoint, offer string) (string, error) {
	raw, err := c.invoke(ctx, endpoint, "processOffer", map[string]any{"offer": offer})
	if err != nil {
		return "", fmt.Errorf("processOffer on %s: %w", endpoint, err)
	}
	return decodeValue("processOffer", raw)
}

// ConnectEndpoints plumbs media from source into sink.
func (c *Client) ConnectEndpoints(ctx context.Context, source, sink string) error {
	if _, err := c.invoke(ctx, source, "connect", map[string]any{"sink": sink}); err != nil {
		return fmt.Errorf("connect %s -> %s: %w", source, sink, err)
	}
	return nil
}

// SetMaxVideoRecvBandwidth caps inbound video bandwidth on an endpoint, in kbps.
func (c *Client) SetMaxVideoRecvBandwidth(ctx context.Context, endpoint string, kbps int) error {
	return c.setBandwidth(ctx, endpoint, "setMaxVideoRecvBandwidth", "maxVideoRecvBandwidth", kbps)
}

// SetMinVideoRecvBandwidth sets the inbound video bandwidth floor on an endpoint, in kbps.
func (c *Client) SetMinVideoRecvBandwidth(ctx context.Context, endpoint string, kbps int) error {
	return c.setBandwidth(ctx, endpoint, "setMinVideoRecvBandwidth", "minVideoRecvBandwidth", kbps)
}

// SetMaxVideoSendBandwidth caps outbound video bandwidth on an endpoint, in kbps.
func (c *Client) SetMaxVideoSendBandwidth(ctx context.Context, endpoint string, kbps int) error {
	return c.setBandwidth(ctx, endpoint, "setMaxVideoSendBandwidth", "maxVideoSendBandwidth", kbps)
}

// SetMinVideoSendBandwidth sets the outbound video bandwidth floor on an endpoint, in kbps.
func (c *Client) SetMinVideoSendBandwidth(ctx context.Context, endpoint string, kbps int) error {
	return c.setBandwidth(ctx, endpoint, "setMinVideoSendBandwidth", "minVideoSendBandwidth", kbps)
}

// Subscribe registers interest in an event type on an object and returns
// the subscription id.
func (c *Client) Subscribe(ctx context.Context, object, eventType string) (string, error) {
	raw, err := c.Call(ctx, "subscribe", map[string]any{"object": object, "type": eventType})
	if err != nil {
		return "", fmt.Errorf("subscribe %s on %s: %w", eventType, object, err)
	}
	return decodeValue("subscribe", raw)
}

// GatherCandidates starts ICE gathering on a WebRTC endpoint. Candidates
// arrive later as notifications.
func (c *Client) GatherCandidates(ctx context.Context, endpoint string) error {
	if _, err := c.invoke(ctx, endpoint, "gatherCandidates", nil); err != nil {
		return fmt.Errorf("gatherCandidates on %s: %w", endpoint, err)
	}
	return nil
}

// AddIceCandidate feeds a remote ICE candidate to a WebRTC endpoint.
func (c *Client) AddIceCandidate(ctx context.Context, endpoint string, candidate webrtc.ICECandidateInit) error {
	if _, err := c.invoke(ctx, endpoint, "addIceCandidate", map[string]any{"candidate": candidate}); err != nil {
		return fmt.Errorf("addIceCandidate on %s: %w", endpoint, err)
	}
	return nil
}

// Release destroys a media object. Best effort: teardown keeps going even
// when the server has already dropped the object, so failures are only
// logged.
func (c *Client) Release(ctx context.Context, object string) {
	if _, err := c.Call(ctx, "release", map[string]any{"object": object}); err != nil {
		c.log.Warn().Err(err).Str("object", object).Msg("Release failed")
		return
	}
	c.log.Debug().Str("object", object).Msg("Released media object")
}

func (c *Client) create(ctx context.Context, objectType string, constructorParams map[string]any) (string, error) {
	if constructorParams == nil {
		constructorParams = map[string]any{}
	}
	raw, err := c.Call(ctx, "create", map[string]any{
		"type":              objectType,
		"constructorParams": constructorParams,
	})
	if err != nil {
		return "", err
	}
	return decodeValue("create", raw)
}

func (c *Client) invoke(ctx context.Context, object, operation string, operationParams map[string]any) (json.RawMessage, error) {
	if operationParams == nil {
		operationParams = map[string]any{}
	}
	return c.Call(ctx, "invoke", map[string]any{
		"object":          object,
		"operation":       operation,
		"operationParams": operationParams,
	})
}

func (c *Client) setBandwidth(ctx context.Context, endpoint, operation, param string, kbps int) error {
	if _, err := c.invoke(ctx, endpoint, operation, map[string]any{param: kbps}); err != nil {
		return fmt.Errorf("%s on %s: %w", operation, endpoint, err)
	}
	return nil
}

func decodeValue(method string, raw json.RawMessage) (string, error) {
	var res valueResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("decode %s result: %w", method, err)
	}
	return res.Value, nil
}
