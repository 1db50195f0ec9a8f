// Package compress shrinks cached advisory payloads before they are persisted.
//
// Advisory responses are verbose JSON (NVD pages routinely exceed 100KB), so
// the persistent cache stores them ZSTD-compressed. Payloads below MinSize
// are stored as-is since the frame overhead outweighs the gain.
//
//	codec := compress.NewCodec(compress.AlgorithmZSTD, compress.LevelDefault)
//	data, algo, err := codec.Encode(payload)
//	...
//	payload, err = codec.Decode(data, algo)
package compress

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Algorithm represents a compression algorithm.
type Algorithm string

const (
	// AlgorithmZSTD is the Zstandard compression algorithm.
	AlgorithmZSTD Algorithm = "zstd"

	// AlgorithmGzip is the gzip compression algorithm.
	AlgorithmGzip Algorithm = "gzip"

	// AlgorithmNone stores data uncompressed.
	AlgorithmNone Algorithm = "none"
)

// ParseAlgorithm maps a stored algorithm tag back to an Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case AlgorithmZSTD, AlgorithmGzip, AlgorithmNone:
		return Algorithm(s), nil
	case "":
		return AlgorithmNone, nil
	default:
		return "", fmt.Errorf("unsupported compression algorithm: %s", s)
	}
}

// Level represents compression level.
type Level int

const (
	LevelFastest Level = 1
	LevelDefault Level = 3
	LevelBest    Level = 9
)

// MinSize is the payload size below which Encode skips compression.
const MinSize = 512

// Codec compresses and decompresses payloads. It is safe for concurrent use.
type Codec struct {
	algorithm Algorithm
	level     Level

	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
}

// NewCodec creates a codec that encodes with algorithm. It decodes any
// supported algorithm regardless.
func NewCodec(algorithm Algorithm, level Level) *Codec {
	c := &Codec{
		algorithm: algorithm,
		level:     level,
	}
	c.zstdEncoderPool = sync.Pool{
		New: func() any {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(int(level))))
			return enc
		},
	}
	c.zstdDecoderPool = sync.Pool{
		New: func() any {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}
	return c
}

// Algorithm returns the encoding algorithm.
func (c *Codec) Algorithm() Algorithm {
	return c.algorithm
}

// Encode compresses data and reports the algorithm actually used.
func (c *Codec) Encode(data []byte) ([]byte, Algorithm, error) {
	if len(data) < MinSize {
		return data, AlgorithmNone, nil
	}
	switch c.algorithm {
	case AlgorithmZSTD:
		out, err := c.compressZSTD(data)
		return out, AlgorithmZSTD, err
	case AlgorithmGzip:
		out, err := c.compressGzip(data)
		return out, AlgorithmGzip, err
	case AlgorithmNone, "":
		return data, AlgorithmNone, nil
	default:
		return nil, "", fmt.Errorf("unsupported compression algorithm: %s", c.algorithm)
	}
}

// Decode reverses Encode.
func (c *Codec) Decode(data []byte, algorithm Algorithm) ([]byte, error) {
	switch algorithm {
	case AlgorithmZSTD:
		return c.decompressZSTD(data)
	case AlgorithmGzip:
		return decompressGzip(data)
	case AlgorithmNone, "":
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}
}

func (c *Codec) compressZSTD(data []byte) ([]byte, error) {
	enc := c.zstdEncoderPool.Get().(*zstd.Encoder)
	defer c.zstdEncoderPool.Put(enc)

	var buf bytes.Buffer
	enc.Reset(&buf)

	if _, err := enc.Write(data); err != nil {
		return nil, fmt.Errorf("zstd write error: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("zstd close error: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *Codec) decompressZSTD(data []byte) ([]byte, error) {
	dec := c.zstdDecoderPool.Get().(*zstd.Decoder)
	defer c.zstdDecoderPool.Put(dec)

	if err := dec.Reset(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("zstd reset error: %w", err)
	}
	result, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress error: %w", err)
	}
	return result, nil
}

func (c *Codec) compressGzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	level := gzip.DefaultCompression
	if c.level <= LevelDefault {
		level = gzip.BestSpeed
	} else if c.level >= 7 {
		level = gzip.BestCompression
	}

	writer, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("gzip writer error: %w", err)
	}
	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("gzip write error: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("gzip close error: %w", err)
	}
	return buf.Bytes(), nil
}

func decompressGzip(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader error: %w", err)
	}
	defer reader.Close()

	result, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("gzip decompress error: %w", err)
	}
	return result, nil
}
