package longpoll

import (
	"context"
	"encoding/json"
	"time"
)

// Lease is a real-time server the provider hands out for long polling.
type Lease struct {
	URL        string        `json:"url"`
	Timeout    time.Duration `json:"timeout"`
	MaxRetries int           `json:"max_retries"`
}

// Event is one entry of the provider's change feed.
type Event struct {
	ID        string          `json:"event_id"`
	Type      string          `json:"event_type"`
	CreatedAt time.Time       `json:"created_at"`
	Source    json.RawMessage `json:"source,omitempty"`
}

// Batch is the result of one event fetch.
type Batch struct {
	Events       []Event `json:"entries"`
	NextPosition string  `json:"next_stream_position"`
}

// Provider is the remote change feed.
type Provider interface {
	// Lease returns a fresh real-time server.
	Lease(ctx context.Context) (Lease, error)
	// Events returns the events after position.
	Events(ctx context.Context, position string) (Batch, error)
	// CurrentPosition returns the position of the head of the feed.
	CurrentPosition(ctx context.Context) (string, error)
	// Token returns a bearer token for the real-time server.
	Token(ctx context.Context) (string, error)
}

// Listener receives what a session observes. Calls come from the session's
// goroutine, one at a time.
type Listener interface {
	OnEvent(batch Batch)
	OnException(err error)
}

// ListenerFuncs adapts function values to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Event     func(batch Batch)
	Exception func(err error)
}

// OnEvent implements Listener.
func (f ListenerFuncs) OnEvent(batch Batch) {
	if f.Event != nil {
		f.Event(batch)
	}
}

// OnException implements Listener.
func (f ListenerFuncs) OnException(err error) {
	if f.Exception != nil {
		f.Exception(err)
	}
}
