// Package codec provides the payload encodings used on the wire.
//
// Session snapshots, telemetry batches and schema documents are encoded with a
// named Codec. JSON is the default; CBOR uses Core Deterministic Encoding so the
// same document always yields the same bytes, which the schema registry relies
// on for content IDs. Encoded payloads may additionally be compressed with LZ4
// or zstd.
package codec

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/c360/telemetryrelay/errors"
)

// Codec marshals values to and from bytes.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Names of the built-in codecs.
const (
	NameJSON = "json"
	NameCBOR = "cbor"
)

var (
	// JSON encodes with encoding/json.
	JSON Codec = jsonCodec{}

	// CBOR encodes with RFC 8949 Core Deterministic Encoding.
	CBOR Codec = cborCodec{}
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Lookup returns the codec registered under name. An empty name selects JSON.
func Lookup(name string) (Codec, error) {
	switch name {
	case "", NameJSON:
		return JSON, nil
	case NameCBOR:
		return CBOR, nil
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("%w: unknown codec %q", errors.ErrInvalidConfig, name),
			"codec", "Lookup", "resolve codec")
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return NameJSON }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
	}
	return nil
}

type cborCodec struct{}

func (cborCodec) Name() string { return NameCBOR }

func (cborCodec) Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func (cborCodec) Unmarshal(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
	}
	return nil
}

// Canonical encodes v with deterministic CBOR regardless of the wire codec.
func Canonical(v any) ([]byte, error) {
	return encMode.Marshal(v)
}
