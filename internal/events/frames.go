package events

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// FrameKind is the "kind" discriminator carried by every wire frame.
type FrameKind string

const (
	FrameRegister    FrameKind = "register"
	FrameRegistered  FrameKind = "registered"
	FramePing        FrameKind = "ping"
	FramePong        FrameKind = "pong"
	FrameLogs        FrameKind = "logs"
	FrameAck         FrameKind = "ack"
	FrameSubscribe   FrameKind = "subscribe"
	FrameUnsubscribe FrameKind = "unsubscribe"
	FrameError       FrameKind = "error"
)

// Error codes carried by error frames.
const (
	CodeRateLimited       = "rate_limited"
	CodeUnauthorized      = "unauthorized"
	CodeBadFrame          = "bad_frame"
	CodeNotRegistered     = "not_registered"
	CodeAlreadyRegistered = "already_registered"
)

// Frame is the minimal shape shared by all frames.
type Frame struct {
	Kind FrameKind `json:"kind"`
}

// RegisterFrame authenticates a connection. It is the first frame a client
// sends after the socket opens.
type RegisterFrame struct {
	Kind       FrameKind `json:"kind"`
	Identity   string    `json:"identity"`
	Credential string    `json:"credential"`
	ClientType string    `json:"clientType,omitempty"`
	TimeZone   string    `json:"timeZone,omitempty"`
}

// RegisteredFrame confirms a successful register.
type RegisteredFrame struct {
	Kind     FrameKind `json:"kind"`
	Identity string    `json:"identity"`
}

// PayloadFrame carries one destination's batch. Either Events is set, or
// Compressed is true and CompressedPayload holds base64(zstd(JSON events)).
type PayloadFrame struct {
	Kind              FrameKind       `json:"kind"`
	From              string          `json:"from,omitempty"`
	DestinationKind   DestinationKind `json:"destinationKind"`
	GroupID           string          `json:"groupId,omitempty"`
	Events            []Event         `json:"events,omitempty"`
	Compressed        bool            `json:"compressed,omitempty"`
	CompressedPayload string          `json:"compressedPayload,omitempty"`
}

// Destination returns the frame's routing key.
func (f *PayloadFrame) Destination() (Destination, error) {
	switch f.DestinationKind {
	case KindFriends:
		return Friends(), nil
	case KindGroup:
		if f.GroupID == "" {
			return Destination{}, fmt.Errorf("%w: group frame without groupId", ErrInvalidDestination)
		}
		return Group(f.GroupID), nil
	default:
		return Destination{}, fmt.Errorf("%w: kind %q", ErrInvalidDestination, f.DestinationKind)
	}
}

// AckFrame acknowledges a delivered payload. LastTimestamp is the newest
// event timestamp in the acknowledged batch.
type AckFrame struct {
	Kind            FrameKind       `json:"kind"`
	DestinationKind DestinationKind `json:"destinationKind"`
	GroupID         string          `json:"groupId,omitempty"`
	LastTimestamp   string          `json:"lastTimestamp"`
	Count           int             `json:"count"`
}

// NewAckFrame builds an ack for dest.
func NewAckFrame(dest Destination, lastTimestamp string, count int) *AckFrame {
	return &AckFrame{
		Kind:            FrameAck,
		DestinationKind: dest.Kind,
		GroupID:         dest.GroupID,
		LastTimestamp:   lastTimestamp,
		Count:           count,
	}
}

// Destination returns the acknowledged routing key.
func (f *AckFrame) Destination() (Destination, error) {
	p := PayloadFrame{DestinationKind: f.DestinationKind, GroupID: f.GroupID}
	return p.Destination()
}

// SubscribeFrame joins or leaves a group channel.
type SubscribeFrame struct {
	Kind    FrameKind `json:"kind"`
	GroupID string    `json:"groupId"`
}

// ErrorFrame reports a rejected frame back to the client.
type ErrorFrame struct {
	Kind    FrameKind `json:"kind"`
	Code    string    `json:"code"`
	Message string    `json:"message,omitempty"`
}

// NewErrorFrame builds an error frame.
func NewErrorFrame(code, message string) *ErrorFrame {
	return &ErrorFrame{Kind: FrameError, Code: code, Message: message}
}

// PeekKind validates raw JSON and returns its kind without a full decode.
func PeekKind(data []byte) (FrameKind, error) {
	if !gjson.ValidBytes(data) {
		return "", fmt.Errorf("%w: invalid json", ErrMalformedFrame)
	}
	kind := gjson.GetBytes(data, "kind")
	if kind.Type != gjson.String || kind.Str == "" {
		return "", fmt.Errorf("%w: missing kind", ErrMalformedFrame)
	}
	return FrameKind(kind.Str), nil
}

// Decode unmarshals data into v, wrapping failures as ErrMalformedFrame.
func Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return nil
}

// Encode marshals a frame.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	return data, nil
}

// pingFrame and pongFrame are pre-encoded keepalive frames.
var (
	pingFrame = []byte(`{"kind":"ping"}`)
	pongFrame = []byte(`{"kind":"pong"}`)
)

// PingFrame returns an encoded keepalive request.
func PingFrame() []byte { return append([]byte(nil), pingFrame...) }

// PongFrame returns an encoded keepalive response.
func PongFrame() []byte { return append([]byte(nil), pongFrame...) }
