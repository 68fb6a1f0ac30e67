// Package payload turns an exchange into the bytes a producer writes.
package payload

import (
	stdjson "encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/linkedin/goavro/v2"

	"github.com/ajitpratap0/nebula-components/pkg/codec"
	"github.com/ajitpratap0/nebula-components/pkg/exchange"
	"github.com/ajitpratap0/nebula-components/pkg/nebulaerrors"
)

// Format selects what a producer writes.
type Format string

const (
	// FormatBlob writes the codec blob, readable back into an exchange.
	FormatBlob Format = "blob"
	// FormatBody writes the body alone: bytes and strings as is, anything
	// else as JSON.
	FormatBody Format = "body"
	// FormatJSON writes a JSON document with id, headers and body.
	FormatJSON Format = "json"
	// FormatAvro writes the same document Avro binary encoded with
	// AvroSchema.
	FormatAvro Format = "avro"
)

// AvroSchema is the writer schema of FormatAvro payloads.
const AvroSchema = `{
  "type": "record",
  "name": "Exchange",
  "namespace": "nebula.components",
  "fields": [
    {"name": "id", "type": "string"},
    {"name": "headers", "type": {"type": "map", "values": "string"}},
    {"name": "body", "type": "bytes"}
  ]
}`

var avroCodec = sync.OnceValues(func() (*goavro.Codec, error) {
	return goavro.NewCodec(AvroSchema)
})

// ParseFormat validates a format name. Empty means def.
func ParseFormat(s string, def Format) (Format, error) {
	if s == "" {
		return def, nil
	}
	switch f := Format(strings.ToLower(s)); f {
	case FormatBlob, FormatBody, FormatJSON, FormatAvro:
		return f, nil
	default:
		return "", nebulaerrors.Newf(nebulaerrors.ErrorTypeConfig, "unknown payload format %q", s)
	}
}

// Encoder encodes exchanges in one format.
type Encoder struct {
	Format Format
	Codec  *codec.Codec
}

// NewEncoder creates an encoder. FormatBlob needs a codec; a default one is
// created when c is nil.
func NewEncoder(format Format, c *codec.Codec) (*Encoder, error) {
	if format == FormatBlob && c == nil {
		var err error
		if c, err = codec.New(); err != nil {
			return nil, err
		}
	}
	return &Encoder{Format: format, Codec: c}, nil
}

// ContentType returns the MIME type of encoded payloads.
func (e *Encoder) ContentType() string {
	switch e.Format {
	case FormatBlob:
		return "application/octet-stream"
	case FormatAvro:
		return "application/avro"
	default:
		return "application/json"
	}
}

// Extension returns the file extension for object keys.
func (e *Encoder) Extension() string {
	switch e.Format {
	case FormatBlob:
		return ".nbx"
	case FormatJSON:
		return ".json"
	case FormatAvro:
		return ".avro"
	default:
		return ""
	}
}

type document struct {
	ID      string            `json:"id"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
}

// Encode returns the payload for ex.
func (e *Encoder) Encode(ex *exchange.Exchange) ([]byte, error) {
	switch e.Format {
	case FormatBlob:
		return e.Codec.Marshal(ex)
	case FormatJSON:
		doc := document{ID: ex.ID(), Headers: StringHeaders(ex), Body: jsonBody(ex.Body())}
		b, err := json.Marshal(doc)
		if err != nil {
			return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeSerialization, "encode exchange document")
		}
		return b, nil
	case FormatAvro:
		return encodeAvro(ex)
	default:
		return Body(ex)
	}
}

func encodeAvro(ex *exchange.Exchange) ([]byte, error) {
	ac, err := avroCodec()
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "compile avro schema")
	}
	body, err := Body(ex)
	if err != nil {
		return nil, err
	}
	headers := make(map[string]any)
	for k, v := range StringHeaders(ex) {
		headers[k] = v
	}
	out, err := ac.BinaryFromNative(nil, map[string]any{
		"id":      ex.ID(),
		"headers": headers,
		"body":    body,
	})
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeSerialization, "encode exchange avro record")
	}
	return out, nil
}

// Body returns the body bytes of ex.
func Body(ex *exchange.Exchange) ([]byte, error) {
	switch b := ex.Body().(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	case stdjson.RawMessage:
		return b, nil
	default:
		out, err := json.Marshal(b)
		if err != nil {
			return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeSerialization, "encode exchange body")
		}
		return out, nil
	}
}

func jsonBody(v any) any {
	switch b := v.(type) {
	case []byte:
		if json.Valid(b) {
			return stdjson.RawMessage(b)
		}
		return string(b)
	default:
		return v
	}
}

// StringHeaders returns the headers of ex rendered as strings.
func StringHeaders(ex *exchange.Exchange) map[string]string {
	names := ex.HeaderNames()
	if len(names) == 0 {
		return nil
	}
	out := make(map[string]string, len(names))
	for _, name := range names {
		v, _ := ex.Header(name)
		switch s := v.(type) {
		case string:
			out[name] = s
		case []byte:
			out[name] = string(s)
		default:
			out[name] = fmt.Sprint(v)
		}
	}
	return out
}
