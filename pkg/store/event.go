package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
)

const (
	// EventName is the name of the cross-context change signal.
	EventName = "localStorageChanged"
	// DefaultTopic is the watermill topic change events are published on.
	DefaultTopic = "multilogue.changes"

	metadataEvent    = "event"
	metadataOrigin   = "origin"
	metadataSequence = "sequence_number"
	metadataKey      = "key"
)

// ChangeEvent is broadcast on every successful write.
type ChangeEvent struct {
	Key   Key    `json:"key"`
	Value string `json:"value"`
	// Timestamp is the write time in unix milliseconds.
	Timestamp int64  `json:"timestamp"`
	Revision  uint64 `json:"revision"`
	// Origin identifies the Store that performed the write.
	Origin string `json:"origin"`
	// Sequence orders the writes of one origin.
	Sequence uint64 `json:"sequence"`
}

func (e ChangeEvent) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

func newChangeEvent(doc Document, origin string, sequence uint64) ChangeEvent {
	return ChangeEvent{
		Key:       doc.Key,
		Value:     doc.Value,
		Timestamp: doc.UpdatedAt.UnixMilli(),
		Revision:  doc.Revision,
		Origin:    origin,
		Sequence:  sequence,
	}
}

// NewChangeMessage wraps e into a watermill message carrying the event name,
// origin, key and sequence number as metadata.
func NewChangeMessage(ctx context.Context, e ChangeEvent) (*message.Message, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	msg := message.NewMessage(watermill.NewUUID(), b)
	msg.Metadata.Set(metadataEvent, EventName)
	msg.Metadata.Set(metadataOrigin, e.Origin)
	msg.Metadata.Set(metadataKey, string(e.Key))
	msg.Metadata.Set(metadataSequence, strconv.FormatUint(e.Sequence, 10))
	msg.SetContext(ctx)
	return msg, nil
}

// ChangeEventFromMessage decodes a message published by NewChangeMessage.
func ChangeEventFromMessage(msg *message.Message) (ChangeEvent, error) {
	if name := msg.Metadata.Get(metadataEvent); name != "" && name != EventName {
		return ChangeEvent{}, errors.Errorf("unexpected event %q", name)
	}
	var e ChangeEvent
	if err := json.Unmarshal(msg.Payload, &e); err != nil {
		return ChangeEvent{}, errors.Wrap(err, "could not decode change event")
	}
	if e.Key == "" {
		return ChangeEvent{}, errors.New("change event without key")
	}
	return e, nil
}
