// Package broadcast implements the cross-instance broadcast channel: every
// gateway process publishes envelopes addressed to connections it does not
// own and receives every envelope published by the others.
package broadcast

import (
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/tinywideclouds/go-relay-service/pkg/relay"
)

// Compression selects how envelope frames are compressed on the wire.
type Compression string

const (
	CompressionNone   Compression = "none"
	CompressionSnappy Compression = "snappy"
	CompressionZstd   Compression = "zstd"
)

// Frame tags. Plain frames are bare JSON objects and start with '{'.
const (
	tagSnappy byte = 0x01
	tagZstd   byte = 0x02
)

// DefaultMinCompressSize is the smallest encoded envelope worth compressing.
const DefaultMinCompressSize = 512

// Codec frames envelopes for the wire. Decoding accepts every supported
// compression so processes with different settings interoperate.
type Codec struct {
	compression Compression
	minSize     int
	encoder     *zstd.Encoder
	decoder     *zstd.Decoder
}

// NewCodec creates a codec for the given compression.
func NewCodec(compression Compression) (*Codec, error) {
	if compression == "" {
		compression = CompressionNone
	}
	switch compression {
	case CompressionNone, CompressionSnappy, CompressionZstd:
	default:
		return nil, fmt.Errorf("unknown broadcast compression %q", compression)
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		_ = encoder.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &Codec{
		compression: compression,
		minSize:     DefaultMinCompressSize,
		encoder:     encoder,
		decoder:     decoder,
	}, nil
}

// MustCodec is NewCodec for compile-time constant settings.
func MustCodec(compression Compression) *Codec {
	c, err := NewCodec(compression)
	if err != nil {
		panic(err)
	}
	return c
}

// Marshal encodes an envelope into a wire frame.
func (c *Codec) Marshal(env *relay.Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if len(raw) < c.minSize {
		return raw, nil
	}

	switch c.compression {
	case CompressionSnappy:
		return append([]byte{tagSnappy}, snappy.Encode(nil, raw)...), nil
	case CompressionZstd:
		return c.encoder.EncodeAll(raw, []byte{tagZstd}), nil
	default:
		return raw, nil
	}
}

// Unmarshal decodes a wire frame.
func (c *Codec) Unmarshal(frame []byte) (*relay.Envelope, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("empty broadcast frame")
	}

	raw := frame
	var err error
	switch frame[0] {
	case tagSnappy:
		raw, err = snappy.Decode(nil, frame[1:])
	case tagZstd:
		raw, err = c.decoder.DecodeAll(frame[1:], nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decompress frame: %w", err)
	}

	var env relay.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return &env, nil
}

// Close releases the zstd resources.
func (c *Codec) Close() {
	_ = c.encoder.Close()
	c.decoder.Close()
}
