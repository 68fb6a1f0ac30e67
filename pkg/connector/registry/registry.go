// Package registry maps URI schemes to components and resolves endpoint
// URIs of the form scheme:remaining?key=value.
package registry

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-components/pkg/connector/core"
	"github.com/ajitpratap0/nebula-components/pkg/logger"
	"github.com/ajitpratap0/nebula-components/pkg/nebulaerrors"
)

// Registry manages component registration and endpoint resolution
type Registry struct {
	components map[string]core.Component
	mu         sync.RWMutex
	logger     *zap.Logger
}

// Global registry instance
var globalRegistry = NewRegistry(nil)

// NewRegistry creates a new component registry
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		components: make(map[string]core.Component),
		logger:     logger.OrGlobal(log).With(zap.String("component", "connector_registry")),
	}
}

// Register adds a component under its scheme.
func (r *Registry) Register(c core.Component) error {
	scheme := strings.ToLower(c.Scheme())
	if scheme == "" {
		return nebulaerrors.New(nebulaerrors.ErrorTypeConfig, "component scheme is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.components[scheme]; exists {
		return nebulaerrors.New(nebulaerrors.ErrorTypeConfig, fmt.Sprintf("component %s already registered", scheme))
	}
	r.components[scheme] = c
	r.logger.Debug("component registered", zap.String("scheme", scheme))
	return nil
}

// Component returns the component for scheme.
func (r *Registry) Component(scheme string) (core.Component, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.components[strings.ToLower(scheme)]
	return c, ok
}

// Schemes returns the registered schemes in order.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemes := make([]string, 0, len(r.components))
	for s := range r.components {
		schemes = append(schemes, s)
	}
	sort.Strings(schemes)
	return schemes
}

// Resolve parses uri and asks the matching component for an endpoint.
func (r *Registry) Resolve(ctx context.Context, uri string) (core.Endpoint, error) {
	scheme, remaining, params, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}

	c, ok := r.Component(scheme)
	if !ok {
		return nil, nebulaerrors.New(nebulaerrors.ErrorTypeConfig, fmt.Sprintf("no component for scheme %s", scheme)).
			WithDetail("uri", uri)
	}

	ep, err := c.CreateEndpoint(ctx, uri, remaining, params)
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, fmt.Sprintf("failed to create %s endpoint", scheme)).
			WithDetail("uri", uri)
	}
	return ep, nil
}

// Clear removes all registered components (mainly for testing)
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components = make(map[string]core.Component)
}

// ParseURI splits scheme:remaining?key=value. A "//" after the scheme is
// dropped, so s3://bucket and s3:bucket are the same endpoint. Repeated
// parameters keep their first value.
func ParseURI(uri string) (scheme, remaining string, params core.Parameters, err error) {
	idx := strings.Index(uri, ":")
	if idx <= 0 {
		return "", "", nil, nebulaerrors.New(nebulaerrors.ErrorTypeValidation, "endpoint uri has no scheme").
			WithDetail("uri", uri)
	}
	scheme = strings.ToLower(uri[:idx])
	rest := strings.TrimPrefix(uri[idx+1:], "//")

	params = core.Parameters{}
	if q := strings.IndexByte(rest, '?'); q >= 0 {
		values, perr := url.ParseQuery(rest[q+1:])
		if perr != nil {
			return "", "", nil, nebulaerrors.Wrap(perr, nebulaerrors.ErrorTypeValidation, "invalid endpoint parameters").
				WithDetail("uri", uri)
		}
		for k, v := range values {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		rest = rest[:q]
	}
	return scheme, rest, params, nil
}

// Global registry functions

// Register registers a component in the global registry
func Register(c core.Component) error {
	return globalRegistry.Register(c)
}

// Resolve resolves uri with the global registry
func Resolve(ctx context.Context, uri string) (core.Endpoint, error) {
	return globalRegistry.Resolve(ctx, uri)
}

// GetRegistry returns the global registry instance.
func GetRegistry() *Registry {
	return globalRegistry
}
