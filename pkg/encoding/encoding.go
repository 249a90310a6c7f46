// Package encoding holds the byte layouts shared by the storage packages: the
// one byte payload header of stored records and fixed width integers used
// inside keys.
package encoding

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const (
	payloadHeaderRaw  = 0x00
	payloadHeaderZstd = 0x10
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// EncodePayload prefixes body with a header byte. Bodies of at least
// compressThreshold bytes are stored zstd compressed; a threshold <= 0
// disables compression.
//
// The function does not modify its input slice.
func EncodePayload(body []byte, compressThreshold int) []byte { // A
	if compressThreshold > 0 && len(body) >= compressThreshold {
		out := make([]byte, 1, len(body)/2+1)
		out[0] = payloadHeaderZstd
		compressed := zstdEncoder.EncodeAll(body, out)
		// incompressible bodies are kept raw
		if len(compressed) < len(body)+1 {
			return compressed
		}
	}
	encoded := make([]byte, 1+len(body))
	encoded[0] = payloadHeaderRaw
	copy(encoded[1:], body)
	return encoded
}

// DecodePayload reverses EncodePayload.
func DecodePayload(payload []byte) ([]byte, error) { // A
	if len(payload) < 1 {
		return nil, errors.New("payload is impossible short, it must be at least 1 byte")
	}

	switch payload[0] {
	case payloadHeaderRaw:
		return payload[1:], nil
	case payloadHeaderZstd:
		body, err := zstdDecoder.DecodeAll(payload[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("decompress payload: %w", err)
		}
		return body, nil
	default:
		return nil, fmt.Errorf("invalid payload header flag 0x%02x", payload[0])
	}
}

// PutUint64 appends n big endian, so byte order equals numeric order.
func PutUint64(dst []byte, n uint64) []byte {
	return binary.BigEndian.AppendUint64(dst, n)
}

// Uint64 decodes an 8 byte big endian value.
func Uint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("expected 8 bytes, got %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// Key joins a namespace prefix with the given parts.
func Key(prefix string, parts ...[]byte) []byte {
	size := len(prefix)
	for _, p := range parts {
		size += len(p)
	}
	key := make([]byte, 0, size)
	key = append(key, prefix...)
	for _, p := range parts {
		key = append(key, p...)
	}
	return key
}
