package events

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// CompressionThreshold is the serialized size, in bytes, above which a
// multi-event batch is sent compressed.
const CompressionThreshold = 1024

// Codec builds and opens payload frames, compressing large batches with Zstd.
// A Codec is safe for concurrent use.
type Codec struct {
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
}

// NewCodec creates a new Codec with Zstd compression.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Codec{zstdEncoder: enc, zstdDecoder: dec}, nil
}

// EncodePayload builds the payload frame for one destination's batch.
// Batches of more than one event whose JSON exceeds CompressionThreshold
// are compressed; everything else travels inline.
func (c *Codec) EncodePayload(dest Destination, evs []Event) (*PayloadFrame, error) {
	frame := &PayloadFrame{
		Kind:            FrameLogs,
		DestinationKind: dest.Kind,
		GroupID:         dest.GroupID,
	}

	raw, err := json.Marshal(evs)
	if err != nil {
		return nil, fmt.Errorf("marshal events: %w", err)
	}

	if len(evs) > 1 && len(raw) > CompressionThreshold {
		compressed := c.zstdEncoder.EncodeAll(raw, nil)
		frame.Compressed = true
		frame.CompressedPayload = base64.StdEncoding.EncodeToString(compressed)
		return frame, nil
	}

	frame.Events = evs
	return frame, nil
}

// DecodeEvents returns the events carried by f, decompressing if needed.
func (c *Codec) DecodeEvents(f *PayloadFrame) ([]Event, error) {
	if !f.Compressed {
		return f.Events, nil
	}

	compressed, err := base64.StdEncoding.DecodeString(f.CompressedPayload)
	if err != nil {
		return nil, fmt.Errorf("%w: decode base64 payload: %v", ErrMalformedFrame, err)
	}
	raw, err := c.zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress payload: %v", ErrMalformedFrame, err)
	}

	var evs []Event
	if err := json.Unmarshal(raw, &evs); err != nil {
		return nil, fmt.Errorf("%w: unmarshal events: %v", ErrMalformedFrame, err)
	}
	return evs, nil
}

// Close releases codec resources.
func (c *Codec) Close() {
	if c.zstdEncoder != nil {
		c.zstdEncoder.Close()
	}
	if c.zstdDecoder != nil {
		c.zstdDecoder.Close()
	}
}
