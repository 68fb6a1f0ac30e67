// Package compression compresses the exchange blobs written by the codec.
//
// Algorithm selection:
//   - Snappy/S2: fastest, moderate ratio
//   - LZ4: very fast, decent ratio
//   - Zstd: best ratio, good speed
//   - Gzip: widest compatibility
//
// Every algorithm has a one-byte code so that a stored blob records how it was
// written and can be read back after the configured algorithm changes.
package compression

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm represents a compression algorithm.
type Algorithm string

const (
	// None stores data as is
	None Algorithm = "none"
	// Gzip represents gzip compression
	Gzip Algorithm = "gzip"
	// Snappy represents snappy block compression
	Snappy Algorithm = "snappy"
	// LZ4 represents lz4 frame compression
	LZ4 Algorithm = "lz4"
	// Zstd represents zstandard compression
	Zstd Algorithm = "zstd"
	// S2 represents s2 block compression
	S2 Algorithm = "s2"
)

var algorithmCodes = map[Algorithm]byte{
	None:   0,
	Gzip:   1,
	Snappy: 2,
	LZ4:    3,
	Zstd:   4,
	S2:     5,
}

// Code returns the one-byte identifier recorded in blob headers.
func (a Algorithm) Code() (byte, error) {
	c, ok := algorithmCodes[a]
	if !ok {
		return 0, fmt.Errorf("unsupported compression algorithm: %s", a)
	}
	return c, nil
}

// AlgorithmForCode is the inverse of Algorithm.Code.
func AlgorithmForCode(code byte) (Algorithm, error) {
	for a, c := range algorithmCodes {
		if c == code {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown compression code: %d", code)
}

// ParseAlgorithm validates a configured algorithm name. The empty string maps to None.
func ParseAlgorithm(name string) (Algorithm, error) {
	if name == "" {
		return None, nil
	}
	a := Algorithm(name)
	if _, err := a.Code(); err != nil {
		return "", err
	}
	return a, nil
}

// Level controls the speed/ratio trade-off.
type Level int

const (
	// Fastest prioritizes speed over compression ratio.
	Fastest Level = 1
	// Default balances speed and compression.
	Default Level = 5
	// Better improves compression at cost of speed.
	Better Level = 7
	// Best maximizes compression ratio.
	Best Level = 9
)

// DefaultMaxDecodedSize bounds decompressed output. Blobs come from a database
// shared with other nodes, so the size is not trusted.
const DefaultMaxDecodedSize = 64 << 20

// ErrTooLarge is returned when decompressed output exceeds the configured limit.
var ErrTooLarge = fmt.Errorf("compression: decoded size exceeds limit")

// Compressor compresses and decompresses byte slices. Implementations are
// safe for concurrent use.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Algorithm() Algorithm
}

// Config represents compressor configuration.
type Config struct {
	Algorithm      Algorithm
	Level          Level
	MaxDecodedSize int64
}

// DefaultConfig returns no compression; blobs stay readable in SQL tooling.
func DefaultConfig() *Config {
	return &Config{
		Algorithm:      None,
		Level:          Default,
		MaxDecodedSize: DefaultMaxDecodedSize,
	}
}

// NewCompressor creates a compressor for config. A nil config uses DefaultConfig.
func NewCompressor(config *Config) (Compressor, error) {
	if config == nil {
		config = DefaultConfig()
	}
	limit := config.MaxDecodedSize
	if limit <= 0 {
		limit = DefaultMaxDecodedSize
	}
	base := baseCompressor{algorithm: config.Algorithm, limit: limit}

	switch config.Algorithm {
	case None, "":
		base.algorithm = None
		return &noneCompressor{baseCompressor: base}, nil
	case Gzip:
		return newGzipCompressor(base, config.Level), nil
	case Snappy:
		return &snappyCompressor{baseCompressor: base}, nil
	case LZ4:
		return &lz4Compressor{baseCompressor: base, level: mapLZ4Level(config.Level)}, nil
	case Zstd:
		return newZstdCompressor(base, config.Level)
	case S2:
		return &s2Compressor{baseCompressor: base}, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", config.Algorithm)
	}
}

type baseCompressor struct {
	algorithm Algorithm
	limit     int64
}

func (bc *baseCompressor) Algorithm() Algorithm {
	return bc.algorithm
}

// readLimited drains r, failing once more than limit bytes are produced.
func (bc *baseCompressor) readLimited(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, bc.limit+1))
	if err != nil {
		return nil, err
	}
	if n > bc.limit {
		return nil, ErrTooLarge
	}
	return buf.Bytes(), nil
}

func (bc *baseCompressor) checkLen(n int, err error) error {
	if err != nil {
		return err
	}
	if int64(n) > bc.limit {
		return ErrTooLarge
	}
	return nil
}

type noneCompressor struct {
	baseCompressor
}

func (nc *noneCompressor) Compress(data []byte) ([]byte, error) {
	return data, nil
}

func (nc *noneCompressor) Decompress(data []byte) ([]byte, error) {
	return data, nil
}

type gzipCompressor struct {
	baseCompressor
	writerPool sync.Pool
}

func newGzipCompressor(base baseCompressor, level Level) *gzipCompressor {
	gzLevel := mapGzipLevel(level)
	gc := &gzipCompressor{baseCompressor: base}
	gc.writerPool.New = func() interface{} {
		w, _ := gzip.NewWriterLevel(nil, gzLevel)
		return w
	}
	return gc
}

func (gc *gzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gc.writerPool.Get().(*gzip.Writer)
	defer gc.writerPool.Put(w)

	w.Reset(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gc *gzipCompressor) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return gc.readLimited(r)
}

type snappyCompressor struct {
	baseCompressor
}

func (sc *snappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (sc *snappyCompressor) Decompress(data []byte) ([]byte, error) {
	if err := sc.checkLen(snappy.DecodedLen(data)); err != nil {
		return nil, err
	}
	return snappy.Decode(nil, data)
}

type s2Compressor struct {
	baseCompressor
}

func (sc *s2Compressor) Compress(data []byte) ([]byte, error) {
	return s2.Encode(nil, data), nil
}

func (sc *s2Compressor) Decompress(data []byte) ([]byte, error) {
	if err := sc.checkLen(s2.DecodedLen(data)); err != nil {
		return nil, err
	}
	return s2.Decode(nil, data)
}

type lz4Compressor struct {
	baseCompressor
	level lz4.CompressionLevel
}

func (lc *lz4Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if err := w.Apply(lz4.CompressionLevelOption(lc.level)); err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (lc *lz4Compressor) Decompress(data []byte) ([]byte, error) {
	return lc.readLimited(lz4.NewReader(bytes.NewReader(data)))
}

type zstdCompressor struct {
	baseCompressor
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newZstdCompressor(base baseCompressor, level Level) (*zstdCompressor, error) {
	// EncodeAll/DecodeAll are safe for concurrent use on a shared instance.
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(mapZstdLevel(level)))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(base.limit)))
	if err != nil {
		return nil, err
	}
	return &zstdCompressor{baseCompressor: base, encoder: enc, decoder: dec}, nil
}

func (zc *zstdCompressor) Compress(data []byte) ([]byte, error) {
	return zc.encoder.EncodeAll(data, nil), nil
}

func (zc *zstdCompressor) Decompress(data []byte) ([]byte, error) {
	out, err := zc.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > zc.limit {
		return nil, ErrTooLarge
	}
	return out, nil
}

func mapGzipLevel(level Level) int {
	switch level {
	case Fastest:
		return gzip.BestSpeed
	case Best:
		return gzip.BestCompression
	default:
		return gzip.DefaultCompression
	}
}

func mapLZ4Level(level Level) lz4.CompressionLevel {
	switch level {
	case Fastest:
		return lz4.Fast
	case Best:
		return lz4.Level9
	default:
		return lz4.Level5
	}
}

func mapZstdLevel(level Level) zstd.EncoderLevel {
	switch level {
	case Fastest:
		return zstd.SpeedFastest
	case Better:
		return zstd.SpeedBetterCompression
	case Best:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}
