// Package control implements the local control socket: a Unix socket
// carrying newline-delimited JSON envelopes used by `cmdlog status`.
package control

import (
	"encoding/json"
	"fmt"
)

// Message types for control RPC
const (
	TypeStatusRequest  = "STATUS_REQUEST"
	TypeStatusResponse = "STATUS_RESPONSE"
	TypeClearRequest   = "CLEAR_REQUEST"
	TypeClearResponse  = "CLEAR_RESPONSE"
	TypeError          = "ERROR"
)

// Message is the envelope for all control messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode creates a Message with the given type and payload.
func Encode(msgType string, payload any) ([]byte, error) {
	var raw []byte
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
	}
	return json.Marshal(Message{Type: msgType, Payload: raw})
}

// Decode parses a raw message and returns the type and payload.
func Decode(data []byte) (msgType string, payload json.RawMessage, err error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return msg.Type, msg.Payload, nil
}

// DecodePayload unmarshals the payload into the given type.
func DecodePayload[T any](payload json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("unmarshal payload: %w", err)
	}
	return v, nil
}

// StatusResponse describes the running server.
type StatusResponse struct {
	Records   int    `json:"records"`
	Bytes     int64  `json:"bytes"`
	Capacity  int    `json:"capacity"` // 0 = unbounded
	Appends   uint64 `json:"appends"`
	Evictions uint64 `json:"evictions"`
	Sessions  int    `json:"sessions"`
	Backend   string `json:"backend"`
	Digest    string `json:"digest"` // hex SHA3-256 of the log contents
	Version   string `json:"version"`
}

// ClearResponse acknowledges a clear. It carries the status after the clear.
type ClearResponse struct {
	Status StatusResponse `json:"status"`
}

// Error is sent when a request fails.
type Error struct {
	Message string `json:"message"`
}
