// Package exchange defines the unit of work that flows between components:
// a body, headers, properties and completion callbacks.
//
// An Exchange is passed by ownership. The With* methods return a modified
// copy and leave the receiver untouched, so a value handed to a repository or
// a producer is never changed behind the caller's back. Completion callbacks
// are shared between copies and run at most once.
package exchange

import (
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Well-known header names set by the components.
const (
	HeaderRedelivered         = "NebulaRedelivered"
	HeaderRedeliveryCounter   = "NebulaRedeliveryCounter"
	HeaderRedeliveryMaxCount  = "NebulaRedeliveryMaxCounter"
	HeaderEventID             = "NebulaEventID"
	HeaderEventType           = "NebulaEventType"
	HeaderStreamPosition      = "NebulaStreamPosition"
	HeaderCorrelationKey      = "NebulaCorrelationKey"
	HeaderDeadLetterCause     = "NebulaDeadLetterCause"
	PropertyCorrelationKey    = "NebulaAggregatedCorrelationKey"
	PropertyAggregatedVersion = "NebulaAggregatedVersion"
)

// Synchronization is a pair of completion callbacks. Either may be nil.
type Synchronization struct {
	OnComplete func(ex *Exchange)
	OnFailure  func(ex *Exchange, err error)
}

type completion struct {
	mu    sync.Mutex
	syncs []Synchronization
	done  bool
}

// Exchange is the in-flight message record.
type Exchange struct {
	id         string
	createdAt  time.Time
	body       any
	headers    map[string]any
	properties map[string]any
	completion *completion
}

// Option configures a new Exchange.
type Option func(*Exchange)

// WithID sets an explicit exchange id instead of a generated one.
func WithID(id string) Option {
	return func(e *Exchange) {
		if id != "" {
			e.id = id
		}
	}
}

// WithCreatedAt overrides the creation timestamp.
func WithCreatedAt(t time.Time) Option {
	return func(e *Exchange) {
		e.createdAt = t
	}
}

// WithHeaders seeds the header map.
func WithHeaders(h map[string]any) Option {
	return func(e *Exchange) {
		maps.Copy(e.headers, h)
	}
}

// WithProperties seeds the property map.
func WithProperties(p map[string]any) Option {
	return func(e *Exchange) {
		maps.Copy(e.properties, p)
	}
}

// New creates an exchange carrying body.
func New(body any, opts ...Option) *Exchange {
	e := &Exchange{
		id:         uuid.NewString(),
		createdAt:  time.Now().UTC(),
		body:       body,
		headers:    make(map[string]any),
		properties: make(map[string]any),
		completion: &completion{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ID returns the exchange identity. It is stable across copies.
func (e *Exchange) ID() string { return e.id }

// CreatedAt returns when the exchange was first created.
func (e *Exchange) CreatedAt() time.Time { return e.createdAt }

// Body returns the message body.
func (e *Exchange) Body() any { return e.body }

// Header returns a header value and whether it was present.
func (e *Exchange) Header(name string) (any, bool) {
	v, ok := e.headers[name]
	return v, ok
}

// HeaderString returns a header as a string, or "" when absent or not a string.
func (e *Exchange) HeaderString(name string) string {
	s, _ := e.headers[name].(string)
	return s
}

// Headers returns a copy of the header map.
func (e *Exchange) Headers() map[string]any {
	return maps.Clone(e.headers)
}

// HeaderNames returns the header names in sorted order.
func (e *Exchange) HeaderNames() []string {
	names := make([]string, 0, len(e.headers))
	for k := range e.headers {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Property returns a property value and whether it was present.
func (e *Exchange) Property(name string) (any, bool) {
	v, ok := e.properties[name]
	return v, ok
}

// Properties returns a copy of the property map.
func (e *Exchange) Properties() map[string]any {
	return maps.Clone(e.properties)
}

// Version returns the aggregation version recorded by a repository read,
// or 0 when the exchange has never been persisted.
func (e *Exchange) Version() int64 {
	switch v := e.properties[PropertyAggregatedVersion].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func (e *Exchange) clone() *Exchange {
	return &Exchange{
		id:         e.id,
		createdAt:  e.createdAt,
		body:       e.body,
		headers:    maps.Clone(e.headers),
		properties: maps.Clone(e.properties),
		completion: e.completion,
	}
}

// WithBody returns a copy with the body replaced.
func (e *Exchange) WithBody(body any) *Exchange {
	c := e.clone()
	c.body = body
	return c
}

// WithHeader returns a copy with the header set.
func (e *Exchange) WithHeader(name string, value any) *Exchange {
	c := e.clone()
	c.headers[name] = value
	return c
}

// WithoutHeader returns a copy with the header removed.
func (e *Exchange) WithoutHeader(name string) *Exchange {
	c := e.clone()
	delete(c.headers, name)
	return c
}

// WithProperty returns a copy with the property set.
func (e *Exchange) WithProperty(name string, value any) *Exchange {
	c := e.clone()
	c.properties[name] = value
	return c
}

// WithVersion returns a copy carrying the given aggregation version.
func (e *Exchange) WithVersion(v int64) *Exchange {
	return e.WithProperty(PropertyAggregatedVersion, v)
}

// AddSynchronization registers completion callbacks. Callbacks registered
// after Done has run are never invoked.
func (e *Exchange) AddSynchronization(s Synchronization) {
	e.completion.mu.Lock()
	defer e.completion.mu.Unlock()
	e.completion.syncs = append(e.completion.syncs, s)
}

// Done runs the completion callbacks once. A nil err runs OnComplete,
// otherwise OnFailure. Subsequent calls are no-ops and return false.
func (e *Exchange) Done(err error) bool {
	e.completion.mu.Lock()
	if e.completion.done {
		e.completion.mu.Unlock()
		return false
	}
	e.completion.done = true
	syncs := e.completion.syncs
	e.completion.syncs = nil
	e.completion.mu.Unlock()

	for _, s := range syncs {
		if err == nil {
			if s.OnComplete != nil {
				s.OnComplete(e)
			}
			continue
		}
		if s.OnFailure != nil {
			s.OnFailure(e, err)
		}
	}
	return true
}
