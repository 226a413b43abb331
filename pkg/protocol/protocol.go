// Package protocol defines the JSON wire format between server and client.
// Every frame on the wire is a UTF-8 JSON document; blobs travel base64
// encoded.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// WorldState is sent to a client once, on connect. LocalPlayerID is zero
// until the client's join has been announced; the client identifies its
// player from the join frame it requested.
type WorldState struct {
	Frame         uint64 `json:"frame"`
	LocalPlayerID uint64 `json:"localPlayerId"`
	World         []byte `json:"world"`
}

// Update is broadcast to every client each tick.
type Update struct {
	NewPlayers     []uint64          `json:"newPlayers"`
	RemovedPlayers []uint64          `json:"removedPlayers"`
	Inputs         map[uint64][]byte `json:"inputs"`
}

// NewUpdate returns an Update whose collections encode as empty rather
// than null.
func NewUpdate() *Update {
	return &Update{
		NewPlayers:     []uint64{},
		RemovedPlayers: []uint64{},
		Inputs:         map[uint64][]byte{},
	}
}

// Join asks to enter the simulation at a frame.
type Join struct {
	Frame uint64 `json:"frame"`
}

// Input submits one frame's input.
type Input struct {
	Frame uint64 `json:"frame"`
	Input []byte `json:"input"`
}

// ClientMessage is the tagged union of messages a client may send. Exactly
// one variant is set.
type ClientMessage struct {
	Join  *Join  `json:"join,omitempty"`
	Input *Input `json:"input,omitempty"`
}

// EncodeWorldState serializes a world snapshot message.
func EncodeWorldState(w *WorldState) ([]byte, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("failed to encode world state: %w", err)
	}
	return data, nil
}

// EncodeUpdate serializes a frame update message.
func EncodeUpdate(u *Update) ([]byte, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("failed to encode update: %w", err)
	}
	return data, nil
}

// DecodeClientMessage parses a client message, rejecting malformed JSON,
// unknown fields, and anything that is not exactly one known variant.
func DecodeClientMessage(data []byte) (*ClientMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg ClientMessage
	if err := dec.Decode(&msg); err != nil {
		return nil, fmt.Errorf("malformed client message: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after client message")
	}
	if (msg.Join == nil) == (msg.Input == nil) {
		return nil, fmt.Errorf("client message must carry exactly one variant")
	}
	return &msg, nil
}
