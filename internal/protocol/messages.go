// ABOUTME: Marker bus message type definitions
// ABOUTME: Defines the JSON envelope, stream descriptors, markers and time-sync messages
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the marker bus protocol version
const Version = 1

// Message types
const (
	TypeClientHello = "client/hello"
	TypeServerHello = "server/hello"
	TypeMarker      = "stream/marker"
	TypeClientTime  = "client/time"
	TypeServerTime  = "server/time"
)

// Message is the top-level wrapper for all protocol messages
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Envelope is a received message whose payload has not been decoded yet
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Decode parses a raw frame into an envelope
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("invalid message: %w", err)
	}
	if env.Type == "" {
		return env, fmt.Errorf("message without type")
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into v
func (e Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s: %w", e.Type, err)
	}
	return nil
}

// StreamInfo describes one marker outlet, mirroring an LSL stream header
type StreamInfo struct {
	Name         string  `json:"name"`
	Type         string  `json:"type"`
	ChannelCount int     `json:"channel_count"`
	NominalRate  float64 `json:"nominal_srate"` // 0 means irregular
	Format       string  `json:"channel_format"`
	SourceID     string  `json:"source_id"`
	Hostname     string  `json:"hostname,omitempty"`
}

// ClientHello is sent by inlets to subscribe to a stream
type ClientHello struct {
	ClientID string `json:"client_id"`
	Name     string `json:"name"`
	Version  int    `json:"version"`
}

// ServerHello is the bus response to client/hello
type ServerHello struct {
	ServerID string     `json:"server_id"`
	Name     string     `json:"name"`
	Version  int        `json:"version"`
	Stream   StreamInfo `json:"stream"`
}

// Marker is one timing marker as delivered on the bus
type Marker struct {
	Stream    string `json:"stream"`
	Seq       uint64 `json:"seq"`
	Modality  string `json:"modality"`
	Event     string `json:"event"` // "start" or "stop"
	SessionID string `json:"session_id"`
	SubjectID string `json:"subject_id"`
	Filename  string `json:"filename"`

	// True-event instant in three renderings
	Timestamp    string `json:"timestamp"` // YYYYMMDD_HHMMSS
	ISOTimestamp string `json:"iso_timestamp"`
	Micros       int64  `json:"micros"` // Unix microseconds, bus clock

	Channels   int     `json:"channels,omitempty"`
	SampleRate int     `json:"sample_rate,omitempty"`
	FPS        float64 `json:"fps,omitempty"`

	// LSL-style single-channel string sample
	Sample string `json:"sample"`
}

// ClientTime is sent for clock synchronization
type ClientTime struct {
	ClientTransmitted int64 `json:"client_transmitted"`
}

// ServerTime is the response to client/time, in bus clock microseconds
type ServerTime struct {
	ClientTransmitted int64 `json:"client_transmitted"`
	ServerReceived    int64 `json:"server_received"`
	ServerTransmitted int64 `json:"server_transmitted"`
}
