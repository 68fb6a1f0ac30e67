package longpoll

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/ajitpratap0/nebula-components/pkg/clients"
	"github.com/ajitpratap0/nebula-components/pkg/logger"
	"github.com/ajitpratap0/nebula-components/pkg/nebulaerrors"
)

const (
	// DefaultBaseURL is the Box API root.
	DefaultBaseURL = "https://api.box.com/2.0"
	// DefaultTokenURL is the Box OAuth2 token endpoint.
	DefaultTokenURL = "https://api.box.com/oauth2/token"

	defaultStreamType = "all"
	defaultPageLimit  = 100
	defaultMaxRetries = 10
	defaultRetryWait  = 610 * time.Second
)

var (
	ErrTokenSourceRequired = errors.New("longpoll: token source is required")
	ErrCredentialsRequired = errors.New("longpoll: an access token or client id, secret and token url are required")
	ErrNoRealtimeServer    = errors.New("longpoll: provider offered no real-time server")
)

// Credentials selects how bearer tokens are obtained. A static AccessToken
// wins over the client credentials grant.
type Credentials struct {
	AccessToken  string   `json:"access_token" yaml:"access_token"`
	ClientID     string   `json:"client_id" yaml:"client_id"`
	ClientSecret string   `json:"client_secret" yaml:"client_secret"`
	TokenURL     string   `json:"token_url" yaml:"token_url"`
	Scopes       []string `json:"scopes" yaml:"scopes"`
	// SubjectType and SubjectID are sent as box_subject_type and
	// box_subject_id, e.g. "enterprise" and the enterprise id.
	SubjectType string `json:"subject_type" yaml:"subject_type"`
	SubjectID   string `json:"subject_id" yaml:"subject_id"`
}

// NewTokenSource builds a token source from creds. Token requests go through
// httpClient when it is non-nil.
func NewTokenSource(ctx context.Context, creds Credentials, httpClient *http.Client) (oauth2.TokenSource, error) {
	if creds.AccessToken != "" {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: creds.AccessToken, TokenType: "Bearer"}), nil
	}
	if creds.ClientID == "" || creds.ClientSecret == "" {
		return nil, ErrCredentialsRequired
	}
	tokenURL := creds.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}

	cc := &clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       creds.Scopes,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if creds.SubjectType != "" {
		cc.EndpointParams = url.Values{
			"box_subject_type": {creds.SubjectType},
			"box_subject_id":   {creds.SubjectID},
		}
	}
	if httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	}
	return cc.TokenSource(ctx), nil
}

// HTTPProviderConfig configures an HTTPProvider.
type HTTPProviderConfig struct {
	BaseURL    string `json:"base_url" yaml:"base_url"`
	StreamType string `json:"stream_type" yaml:"stream_type"`
	PageLimit  int    `json:"page_limit" yaml:"page_limit"`
}

// HTTPProvider implements Provider against the Box events API.
type HTTPProvider struct {
	cfg    HTTPProviderConfig
	client *clients.HTTPClient
	tokens oauth2.TokenSource
	logger *zap.Logger
}

// NewHTTPProvider creates a provider. The token source is required.
func NewHTTPProvider(cfg HTTPProviderConfig, client *clients.HTTPClient, tokens oauth2.TokenSource, log *zap.Logger) (*HTTPProvider, error) {
	if tokens == nil {
		return nil, ErrTokenSourceRequired
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "invalid events base url")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.StreamType == "" {
		cfg.StreamType = defaultStreamType
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = defaultPageLimit
	}
	log = logger.OrGlobal(log)
	if client == nil {
		client = clients.NewHTTPClient(nil, log)
	}
	return &HTTPProvider{
		cfg:    cfg,
		client: client,
		tokens: tokens,
		logger: log.With(zap.String("component", "events_provider")),
	}, nil
}

// Token implements Provider.
func (p *HTTPProvider) Token(ctx context.Context) (string, error) {
	tok, err := p.tokens.Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			return "", nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeAuthentication, "retrieve access token")
		}
		return "", err
	}
	return tok.AccessToken, nil
}

type leaseEntry struct {
	URL          string  `json:"url"`
	RetryTimeout flexInt `json:"retry_timeout"`
	MaxRetries   flexInt `json:"max_retries"`
}

// Lease implements Provider with OPTIONS /events.
func (p *HTTPProvider) Lease(ctx context.Context) (Lease, error) {
	var body struct {
		Entries []leaseEntry `json:"entries"`
	}
	if err := p.call(ctx, http.MethodOptions, p.cfg.BaseURL+"/events", &body); err != nil {
		return Lease{}, err
	}
	if len(body.Entries) == 0 || body.Entries[0].URL == "" {
		return Lease{}, nebulaerrors.Wrap(ErrNoRealtimeServer, nebulaerrors.ErrorTypeProtocol, "lease real-time server")
	}

	e := body.Entries[0]
	lease := Lease{
		URL:        e.URL,
		Timeout:    time.Duration(e.RetryTimeout) * time.Second,
		MaxRetries: int(e.MaxRetries),
	}
	if lease.Timeout <= 0 {
		lease.Timeout = defaultRetryWait
	}
	if lease.MaxRetries <= 0 {
		lease.MaxRetries = defaultMaxRetries
	}
	return lease, nil
}

type eventPage struct {
	Entries            []Event    `json:"entries"`
	NextStreamPosition flexString `json:"next_stream_position"`
}

// Events implements Provider with GET /events.
func (p *HTTPProvider) Events(ctx context.Context, position string) (Batch, error) {
	var page eventPage
	if err := p.call(ctx, http.MethodGet, p.eventsURL(position, p.cfg.PageLimit), &page); err != nil {
		return Batch{}, err
	}
	return Batch{Events: page.Entries, NextPosition: string(page.NextStreamPosition)}, nil
}

// CurrentPosition implements Provider with stream_position=now.
func (p *HTTPProvider) CurrentPosition(ctx context.Context) (string, error) {
	var page eventPage
	if err := p.call(ctx, http.MethodGet, p.eventsURL(PositionNow, 0), &page); err != nil {
		return "", err
	}
	return string(page.NextStreamPosition), nil
}

func (p *HTTPProvider) eventsURL(position string, limit int) string {
	q := url.Values{}
	q.Set("stream_position", position)
	q.Set("stream_type", p.cfg.StreamType)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return p.cfg.BaseURL + "/events?" + q.Encode()
}

func (p *HTTPProvider) call(ctx context.Context, method, target string, out any) error {
	token, err := p.Token(ctx)
	if err != nil {
		return err
	}
	req, err := p.client.NewRequest(ctx, method, target, nil, map[string]string{
		"Authorization": "Bearer " + token,
		"Accept":        "application/json",
	})
	if err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "build events request")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return err
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nebulaerrors.Newf(nebulaerrors.ErrorTypeAuthentication, "%s %s: status %d", method, req.URL.Path, resp.StatusCode).
			WithDetail("body", snippet(raw))
	case resp.StatusCode == http.StatusTooManyRequests:
		return nebulaerrors.Newf(nebulaerrors.ErrorTypeRateLimit, "%s %s: status %d", method, req.URL.Path, resp.StatusCode).
			WithDetail("retry_after", resp.Header.Get("Retry-After"))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nebulaerrors.Newf(nebulaerrors.ErrorTypeProtocol, "%s %s: status %d", method, req.URL.Path, resp.StatusCode).
			WithDetail("body", snippet(raw))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeProtocol, fmt.Sprintf("decode %s response", req.URL.Path))
	}
	return nil
}

func snippet(raw []byte) string {
	const limit = 512
	if len(raw) > limit {
		return string(raw[:limit]) + "..."
	}
	return string(raw)
}

// flexInt accepts a JSON number or a numeric string.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

// flexString keeps a JSON number or string verbatim. Stream positions are
// larger than a float64 can carry exactly.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(b)
	return nil
}
