package codec

import (
	"encoding/binary"
	stderrors "errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/c360/telemetryrelay/errors"
)

// Compression identifies the algorithm applied to an encoded payload.
// The value is written as the first byte of every compressed payload.
type Compression uint8

const (
	// CompressionNone leaves the payload as is.
	CompressionNone Compression = 0
	// CompressionLZ4 applies LZ4 block compression.
	CompressionLZ4 Compression = 1
	// CompressionZstd applies zstd at the default level.
	CompressionZstd Compression = 2
)

var errIncompressible = stderrors.New("incompressible")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("codec: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("codec: zstd decoder initialization failed: " + err.Error())
	}
}

// String returns the configuration name of the compression.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses a compression name. An empty name means none.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, errors.WrapInvalid(fmt.Errorf("%w: unknown compression %q", errors.ErrInvalidConfig, name),
			"codec", "ParseCompression", "parse compression")
	}
}

// Compress returns a self-describing payload: one tag byte, the uncompressed
// length as a uvarint, then the body. Data that does not shrink is stored
// uncompressed under CompressionNone.
func Compress(data []byte, c Compression) ([]byte, error) {
	var body []byte
	var err error

	switch c {
	case CompressionNone:
	case CompressionLZ4:
		body, err = compressLZ4(data)
	case CompressionZstd:
		body, err = compressZstd(data)
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("unsupported compression %d", c),
			"codec", "Compress", "select algorithm")
	}

	if c == CompressionNone || stderrors.Is(err, errIncompressible) {
		c, body = CompressionNone, data
	} else if err != nil {
		return nil, errors.Wrap(err, "codec", "Compress", c.String()+" compress")
	}

	out := make([]byte, 1, 1+binary.MaxVarintLen64+len(body))
	out[0] = byte(c)
	out = binary.AppendUvarint(out, uint64(len(data)))
	return append(out, body...), nil
}

// Decompress reverses Compress.
func Decompress(payload []byte) ([]byte, error) {
	if len(payload) < 2 {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "codec", "Decompress", "read header")
	}
	c := Compression(payload[0])
	size, n := binary.Uvarint(payload[1:])
	if n <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "codec", "Decompress", "read length")
	}
	body := payload[1+n:]

	switch c {
	case CompressionNone:
		if uint64(len(body)) != size {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: size %d does not match %d", errors.ErrInvalidData, len(body), size),
				"codec", "Decompress", "check length")
		}
		return body, nil
	case CompressionLZ4:
		return decompressLZ4(body, int(size))
	case CompressionZstd:
		return decompressZstd(body, int(size))
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("%w: unknown compression tag %d", errors.ErrInvalidData, c),
			"codec", "Decompress", "select algorithm")
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, uncompressedSize int) ([]byte, error) {
	destination := make([]byte, uncompressedSize)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidData, err),
			"codec", "Decompress", "lz4 decompress")
	}
	if read != uncompressedSize {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: got %d bytes, expected %d", errors.ErrInvalidData, read, uncompressedSize),
			"codec", "Decompress", "lz4 decompress")
	}
	return destination, nil
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, uncompressedSize int) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, uncompressedSize))
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidData, err),
			"codec", "Decompress", "zstd decompress")
	}
	if len(out) != uncompressedSize {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: got %d bytes, expected %d", errors.ErrInvalidData, len(out), uncompressedSize),
			"codec", "Decompress", "zstd decompress")
	}
	return out, nil
}
