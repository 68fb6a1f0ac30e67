package events

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/nebula-components/pkg/connector/core"
	"github.com/ajitpratap0/nebula-components/pkg/exchange"
	"github.com/ajitpratap0/nebula-components/pkg/longpoll"
)

// boxAPI serves the events API and a real-time server that answers the
// first poll with message and holds every later one.
type boxAPI struct {
	srv     *httptest.Server
	message string
	polls   atomic.Int32
}

func newBoxAPI(t *testing.T, message string) *boxAPI {
	t.Helper()
	api := &boxAPI{message: message}
	api.srv = httptest.NewServer(http.HandlerFunc(api.serve))
	t.Cleanup(api.srv.Close)
	return api
}

func (a *boxAPI) serve(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/2.0/events" && r.Method == http.MethodOptions:
		_, _ = w.Write([]byte(`{"entries":[{"url":"` + a.srv.URL + `/subscribe","retry_timeout":60,"max_retries":"10"}]}`))
	case r.URL.Path == "/2.0/events":
		switch r.URL.Query().Get("stream_position") {
		case "now":
			_, _ = w.Write([]byte(`{"next_stream_position":"100","entries":[]}`))
		case "100":
			_, _ = w.Write([]byte(`{"next_stream_position":"102","entries":[
				{"event_id":"e1","event_type":"ITEM_UPLOAD","source":{"type":"file","id":"1"}},
				{"event_id":"e2","event_type":"ITEM_TRASH","source":{"type":"file","id":"2"}}]}`))
		default:
			_, _ = w.Write([]byte(`{"next_stream_position":"` + r.URL.Query().Get("stream_position") + `","entries":[]}`))
		}
	case r.URL.Path == "/subscribe":
		if a.polls.Add(1) == 1 {
			_, _ = w.Write([]byte(`{"message":"` + a.message + `"}`))
			return
		}
		<-r.Context().Done()
	default:
		http.NotFound(w, r)
	}
}

func (a *boxAPI) params() core.Parameters {
	return core.Parameters{
		"baseUrl":     a.srv.URL + "/2.0",
		"accessToken": "tok",
		"stopTimeout": "2s",
	}
}

type recordingHandler struct {
	mu     sync.Mutex
	errs   []error
	detail []map[string]interface{}
}

func (h *recordingHandler) HandleError(_ context.Context, err error, details map[string]interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, err)
	h.detail = append(h.detail, details)
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.errs)
}

type collector struct {
	mu   sync.Mutex
	seen []*exchange.Exchange
	fail error
}

func (c *collector) Process(_ context.Context, ex *exchange.Exchange) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, ex)
	return c.fail
}

func (c *collector) exchanges() []*exchange.Exchange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*exchange.Exchange(nil), c.seen...)
}

func startConsumer(t *testing.T, comp *Component, params core.Parameters, p core.Processor) *Consumer {
	t.Helper()
	ep, err := comp.CreateEndpoint(context.Background(), "box-events:test", "test", params)
	require.NoError(t, err)
	cons, err := ep.CreateConsumer(context.Background(), p)
	require.NoError(t, err)
	require.NoError(t, cons.Start(context.Background()))
	t.Cleanup(func() { _ = cons.Stop(context.Background()) })
	return cons.(*Consumer)
}

func TestConsumerDeliversEventsAsExchanges(t *testing.T) {
	api := newBoxAPI(t, longpoll.MessageNewChange)
	handler := &recordingHandler{}
	sink := &collector{}
	cons := startConsumer(t, NewComponent(zaptest.NewLogger(t), WithErrorHandler(handler)), api.params(), sink)

	require.Eventually(t, func() bool { return len(sink.exchanges()) == 2 }, 5*time.Second, 10*time.Millisecond)

	got := sink.exchanges()
	assert.Equal(t, "ITEM_UPLOAD", got[0].HeaderString(exchange.HeaderEventType))
	assert.Equal(t, "e1", got[0].HeaderString(exchange.HeaderEventID))
	assert.Equal(t, "102", got[0].HeaderString(exchange.HeaderStreamPosition))
	assert.Equal(t, "ITEM_TRASH", got[1].HeaderString(exchange.HeaderEventType))

	var ev longpoll.Event
	require.NoError(t, json.Unmarshal(got[0].Body().([]byte), &ev))
	assert.Equal(t, "e1", ev.ID)
	assert.JSONEq(t, `{"type":"file","id":"1"}`, string(ev.Source))

	require.Eventually(t, func() bool { return cons.Session().Position() == "102" }, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, handler.count())
}

func TestConsumerRoutesProcessingFailures(t *testing.T) {
	api := newBoxAPI(t, longpoll.MessageNewChange)
	handler := &recordingHandler{}
	sink := &collector{fail: errors.New("downstream unavailable")}
	startConsumer(t, NewComponent(zaptest.NewLogger(t), WithErrorHandler(handler)), api.params(), sink)

	require.Eventually(t, func() bool { return handler.count() == 2 }, 5*time.Second, 10*time.Millisecond)
	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.EqualError(t, handler.errs[0], "downstream unavailable")
	assert.Equal(t, "e1", handler.detail[0]["event_id"])
	assert.Equal(t, "102", handler.detail[0]["stream_position"])
}

func TestConsumerCompletesExchanges(t *testing.T) {
	api := newBoxAPI(t, longpoll.MessageNewChange)
	var completed atomic.Int32
	sink := core.ProcessorFunc(func(_ context.Context, ex *exchange.Exchange) error {
		ex.AddSynchronization(exchange.Synchronization{OnComplete: func(*exchange.Exchange) { completed.Add(1) }})
		return nil
	})
	startConsumer(t, NewComponent(zaptest.NewLogger(t)), api.params(), sink)

	require.Eventually(t, func() bool { return completed.Load() == 2 }, 5*time.Second, 10*time.Millisecond)
}

func TestConsumerInterruptedBatchIsRedelivered(t *testing.T) {
	api := newBoxAPI(t, longpoll.MessageNewChange)
	ep, err := NewComponent(zaptest.NewLogger(t)).CreateEndpoint(context.Background(), "box-events:test", "test", api.params())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var seen []string
	sink := core.ProcessorFunc(func(_ context.Context, ex *exchange.Exchange) error {
		seen = append(seen, ex.HeaderString(exchange.HeaderEventID))
		cancel()
		return nil
	})
	c, err := ep.CreateConsumer(context.Background(), sink)
	require.NoError(t, err)
	cons := c.(*Consumer)
	require.NoError(t, cons.Start(ctx))
	t.Cleanup(func() { _ = cons.Stop(context.Background()) })

	select {
	case <-cons.Session().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
	}
	assert.Equal(t, []string{"e1"}, seen)
	assert.Equal(t, "100", cons.Session().Position())
	assert.NoError(t, cons.Session().Err())
}

func TestConsumerReportsFatalSessionErrors(t *testing.T) {
	api := newBoxAPI(t, "surprise")
	handler := &recordingHandler{}
	cons := startConsumer(t, NewComponent(zaptest.NewLogger(t), WithErrorHandler(handler)), api.params(), &collector{})

	select {
	case <-cons.Session().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
	}
	require.Equal(t, 1, handler.count())
	assert.ErrorIs(t, handler.errs[0], longpoll.ErrUnexpectedMessage)
	assert.Equal(t, "test", handler.detail[0]["session"])
}

func TestConsumerRegistersWithManager(t *testing.T) {
	api := newBoxAPI(t, longpoll.MessageNewChange)
	m := longpoll.NewManager(zaptest.NewLogger(t))
	comp := NewComponent(zaptest.NewLogger(t), WithManager(m))

	ep, err := comp.CreateEndpoint(context.Background(), "box-events:test", "test", api.params())
	require.NoError(t, err)
	_, err = ep.CreateConsumer(context.Background(), &collector{})
	require.NoError(t, err)
	_, ok := m.Session("test")
	assert.True(t, ok)

	_, err = ep.CreateConsumer(context.Background(), &collector{})
	assert.ErrorIs(t, err, longpoll.ErrDuplicateSession)
}

func TestEndpointValidation(t *testing.T) {
	comp := NewComponent(zaptest.NewLogger(t))
	ctx := context.Background()

	_, err := comp.CreateEndpoint(ctx, "box-events:x", "x", core.Parameters{})
	assert.ErrorIs(t, err, longpoll.ErrCredentialsRequired)

	_, err = comp.CreateEndpoint(ctx, "box-events:x", "x", core.Parameters{"accessToken": "t", "pageLimit": "many"})
	assert.Error(t, err)

	ep, err := comp.CreateEndpoint(ctx, "box-events:x", "x", core.Parameters{"clientId": "id", "clientSecret": "s"})
	require.NoError(t, err)
	assert.Equal(t, "box-events:x", ep.URI())
	_, err = ep.CreateProducer(ctx)
	assert.ErrorIs(t, err, core.ErrNotSupported)
	_, err = ep.CreateConsumer(ctx, nil)
	assert.Error(t, err)
}
