package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const (
	// CodecJSON is the default, human-readable wire encoding.
	CodecJSON = "json"
	// CodecCBOR is the compact binary wire encoding.
	CodecCBOR = "cbor"
)

// Codec serializes protocol messages for one connection. Both ends of a
// connection must use the same codec.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec encodes messages with encoding/json.
type JSONCodec struct{}

// Name returns "json".
func (JSONCodec) Name() string { return CodecJSON }

// Marshal encodes v as JSON.
func (JSONCodec) Marshal(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// Unmarshal decodes JSON data into v.
func (JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// CBORCodec encodes messages with Core Deterministic CBOR. Struct fields
// reuse their json tags as CBOR map keys.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORCodec builds a CBOR codec.
func NewCBORCodec() (*CBORCodec, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("init CBOR encoder: %w", err)
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("init CBOR decoder: %w", err)
	}
	return &CBORCodec{enc: enc, dec: dec}, nil
}

// Name returns "cbor".
func (c *CBORCodec) Name() string { return CodecCBOR }

// Marshal encodes v as CBOR.
func (c *CBORCodec) Marshal(v any) ([]byte, error) {
	payload, err := c.enc.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// Unmarshal decodes CBOR data into v.
func (c *CBORCodec) Unmarshal(data []byte, v any) error {
	return c.dec.Unmarshal(data, v)
}

// CodecByName returns the codec registered under name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", CodecJSON:
		return JSONCodec{}, nil
	case CodecCBOR:
		return NewCBORCodec()
	default:
		return nil, fmt.Errorf("unknown wire codec %q", name)
	}
}
