package store

import (
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
)

// relayEnvelope carries a watermill message over transports that only move
// opaque bytes.
type relayEnvelope struct {
	UUID     string            `json:"uuid"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Payload  []byte            `json:"payload"`
}

func encodeEnvelope(msg *message.Message) ([]byte, error) {
	return json.Marshal(relayEnvelope{
		UUID:     msg.UUID,
		Metadata: msg.Metadata,
		Payload:  msg.Payload,
	})
}

func decodeEnvelope(b []byte) (*message.Message, error) {
	var env relayEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, errors.Wrap(err, "could not decode relay envelope")
	}
	msg := message.NewMessage(env.UUID, env.Payload)
	for k, v := range env.Metadata {
		msg.Metadata.Set(k, v)
	}
	return msg, nil
}
