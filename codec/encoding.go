package codec

import (
	"github.com/c360/telemetryrelay/errors"
)

// Encoding pairs a codec with a compression for frame payloads.
type Encoding struct {
	Codec       Codec
	Compression Compression
}

// DefaultEncoding is uncompressed JSON.
func DefaultEncoding() Encoding {
	return Encoding{Codec: JSON, Compression: CompressionNone}
}

// NewEncoding resolves an encoding from configuration names.
func NewEncoding(codecName, compressionName string) (Encoding, error) {
	c, err := Lookup(codecName)
	if err != nil {
		return Encoding{}, err
	}
	comp, err := ParseCompression(compressionName)
	if err != nil {
		return Encoding{}, err
	}
	return Encoding{Codec: c, Compression: comp}, nil
}

// Name returns the codec name carried alongside each frame.
func (e Encoding) Name() string {
	if e.Codec == nil {
		return NameJSON
	}
	return e.Codec.Name()
}

// Encode marshals v and compresses the result.
func (e Encoding) Encode(v any) ([]byte, error) {
	c := e.Codec
	if c == nil {
		c = JSON
	}
	raw, err := c.Marshal(v)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Encoding", "Encode", "marshal "+c.Name())
	}
	return Compress(raw, e.Compression)
}

// Decode decompresses payload and unmarshals it with the codec named codecName.
// The codec comes from the frame, so a reader decodes whatever the writer chose.
func Decode(codecName string, payload []byte, v any) error {
	c, err := Lookup(codecName)
	if err != nil {
		return err
	}
	raw, err := Decompress(payload)
	if err != nil {
		return err
	}
	if err := c.Unmarshal(raw, v); err != nil {
		return errors.WrapInvalid(err, "codec", "Decode", "unmarshal "+c.Name())
	}
	return nil
}
