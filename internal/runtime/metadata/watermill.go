package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// FromWatermill copies watermill metadata into Metadata.
func FromWatermill(md message.Metadata) Metadata {
	out := make(Metadata, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

// ToWatermill copies Metadata into a watermill metadata map.
func ToWatermill(md Metadata) message.Metadata {
	out := make(message.Metadata, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

// NewMessage builds a watermill message with the given envelope headers.
func NewMessage(uuid string, payload []byte, md Metadata) *message.Message {
	msg := message.NewMessage(uuid, payload)
	msg.Metadata = ToWatermill(md)
	return msg
}
