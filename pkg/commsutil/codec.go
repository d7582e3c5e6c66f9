package commsutil

import (
	"encoding/json"
	"errors"
	"strings"
)

// EncodePayload serializes a value to JSON bytes.
func EncodePayload(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// DecodePayload deserializes JSON bytes into the given target.
func DecodePayload(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// AdminBroadcast is an operator message received on the admin broadcast
// subject. A zero ChannelID targets every connected user; -1 targets every
// channel; any other value targets one channel.
type AdminBroadcast struct {
	Message   string `json:"mensaje"`
	ChannelID int64  `json:"canalId,omitempty"`
}

// AllChannels selects every channel in an AdminBroadcast.
const AllChannels int64 = -1

// DecodeAdminBroadcast parses and validates an admin broadcast payload.
func DecodeAdminBroadcast(data []byte) (*AdminBroadcast, error) {
	var b AdminBroadcast
	if err := DecodePayload(data, &b); err != nil {
		return nil, err
	}
	b.Message = strings.TrimSpace(b.Message)
	if b.Message == "" {
		return nil, errors.New("admin broadcast without mensaje")
	}
	if b.ChannelID < AllChannels {
		return nil, errors.New("admin broadcast with invalid canalId")
	}
	return &b, nil
}
