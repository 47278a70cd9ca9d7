// Package codec implements the wire formats shared by every shop: the
// serialize→compress→base64 payload pipeline used for queue bodies and table
// output columns, and the binary multicast frame.
//
// Logical values are framed with RLP (length-prefixed, big-endian,
// minimal-width integers), compressed with parallel gzip at level 6, and —
// for queue bodies only — encoded with unpadded standard base64.
package codec

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/klauspost/pgzip"
)

// MaxEncodedBytes is the queue body size limit. Payloads whose base64
// encoding exceeds it are rejected before any queue call.
const MaxEncodedBytes = 256 * 1024

// CompressionLevel is the gzip level applied to every payload.
const CompressionLevel = 6

// ErrPayloadTooLarge reports an encoded queue body over MaxEncodedBytes.
var ErrPayloadTooLarge = fmt.Errorf("codec: encoded payload exceeds %d bytes", MaxEncodedBytes)

// Envelope carries the marshaled {query, input} pair through the queue.
// The framework never inspects the user value bytes.
type Envelope struct {
	Query []byte
	Input []byte
}

// Compress runs the RLP+gzip half of the pipeline on an already-framed value.
func Compress(framed []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := pgzip.NewWriterLevel(&buf, CompressionLevel)
	if err != nil {
		return nil, fmt.Errorf("codec: gzip writer: %w", err)
	}
	if _, err := zw.Write(framed); err != nil {
		zw.Close()
		return nil, fmt.Errorf("codec: compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("codec: compress: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress. Multi-member gzip streams are accepted.
func Decompress(compressed []byte) ([]byte, error) {
	zr, err := pgzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("codec: gzip reader: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("codec: decompress: %w", err)
	}
	return out, nil
}

// EncodeEnvelope produces the base64 queue body for an envelope.
// Returns ErrPayloadTooLarge when the encoded body exceeds the queue limit.
func EncodeEnvelope(env *Envelope) (string, error) {
	framed, err := rlp.EncodeToBytes(env)
	if err != nil {
		return "", fmt.Errorf("codec: frame envelope: %w", err)
	}
	compressed, err := Compress(framed)
	if err != nil {
		return "", err
	}
	if base64.RawStdEncoding.EncodedLen(len(compressed)) > MaxEncodedBytes {
		return "", ErrPayloadTooLarge
	}
	return base64.RawStdEncoding.EncodeToString(compressed), nil
}

// DecodeEnvelope reverses EncodeEnvelope.
func DecodeEnvelope(body string) (*Envelope, error) {
	compressed, err := base64.RawStdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("codec: base64: %w", err)
	}
	framed, err := Decompress(compressed)
	if err != nil {
		return nil, err
	}
	var env Envelope
	if err := rlp.DecodeBytes(framed, &env); err != nil {
		return nil, fmt.Errorf("codec: unframe envelope: %w", err)
	}
	return &env, nil
}

// EncodeOutput produces the binary table column for a marshaled output value.
// No base64 here; the table stores raw bytes.
func EncodeOutput(marshaled []byte) ([]byte, error) {
	framed, err := rlp.EncodeToBytes(marshaled)
	if err != nil {
		return nil, fmt.Errorf("codec: frame output: %w", err)
	}
	return Compress(framed)
}

// DecodeOutput reverses EncodeOutput.
func DecodeOutput(column []byte) ([]byte, error) {
	framed, err := Decompress(column)
	if err != nil {
		return nil, err
	}
	var marshaled []byte
	if err := rlp.DecodeBytes(framed, &marshaled); err != nil {
		return nil, fmt.Errorf("codec: unframe output: %w", err)
	}
	return marshaled, nil
}
