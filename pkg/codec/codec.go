// Package codec serializes an exchange to the blob stored by the aggregation
// repository and reads it back.
//
// A blob is a four byte header followed by a (possibly compressed) JSON
// envelope:
//
//	'N' 'B' <format version> <compression code> <payload...>
//
// Values are written with a type tag so that numbers, byte slices and times
// come back as the Go types they went in as. Struct bodies must be registered
// in a TypeRegistry; on read, an unknown type name is a data error rather than
// a silent decode into the wrong shape. Each repository owns its registry, so
// components sharing a database do not have to agree on a global type set.
package codec

import (
	"bytes"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-components/pkg/compression"
	"github.com/ajitpratap0/nebula-components/pkg/exchange"
	"github.com/ajitpratap0/nebula-components/pkg/logger"
	"github.com/ajitpratap0/nebula-components/pkg/nebulaerrors"
)

const (
	magic0        = 'N'
	magic1        = 'B'
	formatVersion = 1
	headerLen     = 4
)

// Codec marshals exchanges to blobs and back.
type Codec struct {
	registry              *TypeRegistry
	compressor            compression.Compressor
	allowSerializedHeader bool
	logger                *zap.Logger

	decoders map[compression.Algorithm]compression.Compressor
}

// Option configures a Codec.
type Option func(*Codec) error

// WithRegistry sets the type registry used for struct bodies and headers.
func WithRegistry(r *TypeRegistry) Option {
	return func(c *Codec) error {
		c.registry = r
		return nil
	}
}

// WithCompression compresses new blobs with algo. Existing blobs are always
// read with the algorithm recorded in their header.
func WithCompression(algo compression.Algorithm, level compression.Level) Option {
	return func(c *Codec) error {
		comp, err := compression.NewCompressor(&compression.Config{Algorithm: algo, Level: level})
		if err != nil {
			return err
		}
		c.compressor = comp
		return nil
	}
}

// WithAllowSerializedHeaders keeps headers whose values are registered struct
// types. Without it only scalar, byte, time and plain JSON values are stored
// and other headers are dropped.
func WithAllowSerializedHeaders(allow bool) Option {
	return func(c *Codec) error {
		c.allowSerializedHeader = allow
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Codec) error {
		c.logger = l
		return nil
	}
}

// New creates a codec. By default it uses an empty registry and no compression.
func New(opts ...Option) (*Codec, error) {
	c := &Codec{
		registry: NewTypeRegistry(),
		decoders: make(map[compression.Algorithm]compression.Compressor),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "configure codec")
		}
	}
	if c.compressor == nil {
		c.compressor, _ = compression.NewCompressor(nil)
	}
	c.decoders[c.compressor.Algorithm()] = c.compressor
	c.logger = logger.OrGlobal(c.logger).With(zap.String("component", "exchange_codec"))
	return c, nil
}

// Registry returns the codec's type registry.
func (c *Codec) Registry() *TypeRegistry {
	return c.registry
}

type envelope struct {
	ID         string                `json:"id"`
	CreatedAt  time.Time             `json:"created_at"`
	Body       *typedValue           `json:"body,omitempty"`
	Headers    map[string]typedValue `json:"headers,omitempty"`
	Properties map[string]typedValue `json:"properties,omitempty"`
}

// Marshal encodes ex. A body that cannot be encoded is an error; headers
// and properties that cannot be encoded are skipped.
func (c *Codec) Marshal(ex *exchange.Exchange) ([]byte, error) {
	if ex == nil {
		return nil, nebulaerrors.New(nebulaerrors.ErrorTypeValidation, "exchange is nil")
	}

	env := envelope{
		ID:        ex.ID(),
		CreatedAt: ex.CreatedAt(),
	}

	if ex.Body() != nil {
		body, err := c.encodeValue(ex.Body(), true)
		if err != nil {
			return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeSerialization, "encode exchange body").
				WithDetail("exchange_id", ex.ID())
		}
		env.Body = &body
	}

	env.Headers = c.encodeMap(ex.ID(), "header", ex.Headers(), c.allowSerializedHeader)
	// Properties other than the aggregation bookkeeping are owner-local.
	props := make(map[string]any)
	if v, ok := ex.Property(exchange.PropertyCorrelationKey); ok {
		props[exchange.PropertyCorrelationKey] = v
	}
	env.Properties = c.encodeMap(ex.ID(), "property", props, false)

	raw, err := json.Marshal(env)
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeSerialization, "encode exchange envelope").
			WithDetail("exchange_id", ex.ID())
	}

	payload, err := c.compressor.Compress(raw)
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeSerialization, "compress exchange envelope")
	}
	code, err := c.compressor.Algorithm().Code()
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeSerialization, "compression code")
	}

	out := make([]byte, 0, headerLen+len(payload))
	out = append(out, magic0, magic1, formatVersion, code)
	return append(out, payload...), nil
}

// Unmarshal decodes a blob written by Marshal.
func (c *Codec) Unmarshal(blob []byte) (*exchange.Exchange, error) {
	if len(blob) < headerLen || blob[0] != magic0 || blob[1] != magic1 {
		return nil, nebulaerrors.New(nebulaerrors.ErrorTypeSerialization, "not an exchange blob")
	}
	if blob[2] != formatVersion {
		return nil, nebulaerrors.Newf(nebulaerrors.ErrorTypeSerialization, "unsupported blob format version %d", blob[2])
	}

	dec, err := c.decoderFor(blob[3])
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeSerialization, "select decompressor")
	}
	raw, err := dec.Decompress(blob[headerLen:])
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeSerialization, "decompress exchange envelope")
	}

	var env envelope
	d := json.NewDecoder(bytes.NewReader(raw))
	d.UseNumber()
	if err := d.Decode(&env); err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeSerialization, "decode exchange envelope")
	}

	var body any
	if env.Body != nil {
		body, err = c.decodeValue(*env.Body)
		if err != nil {
			return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeSerialization, "decode exchange body").
				WithDetail("exchange_id", env.ID)
		}
	}

	headers, err := c.decodeMap(env.Headers)
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeSerialization, "decode exchange headers").
			WithDetail("exchange_id", env.ID)
	}
	props, err := c.decodeMap(env.Properties)
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeSerialization, "decode exchange properties").
			WithDetail("exchange_id", env.ID)
	}

	return exchange.New(body,
		exchange.WithID(env.ID),
		exchange.WithCreatedAt(env.CreatedAt),
		exchange.WithHeaders(headers),
		exchange.WithProperties(props),
	), nil
}

func (c *Codec) decoderFor(code byte) (compression.Compressor, error) {
	algo, err := compression.AlgorithmForCode(code)
	if err != nil {
		return nil, err
	}
	if d, ok := c.decoders[algo]; ok {
		return d, nil
	}
	return compression.NewCompressor(&compression.Config{Algorithm: algo})
}

func (c *Codec) encodeMap(id, kind string, in map[string]any, allowStructs bool) map[string]typedValue {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]typedValue, len(in))
	for k, v := range in {
		tv, err := c.encodeValue(v, allowStructs)
		if err != nil {
			c.logger.Debug("skipping value that cannot be stored",
				zap.String("exchange_id", id),
				zap.String("kind", kind),
				zap.String("name", k),
				zap.Error(err))
			continue
		}
		out[k] = tv
	}
	return out
}

func (c *Codec) decodeMap(in map[string]typedValue) (map[string]any, error) {
	out := make(map[string]any, len(in))
	for k, tv := range in {
		v, err := c.decodeValue(tv)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}
