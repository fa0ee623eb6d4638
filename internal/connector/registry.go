package connector

import (
	"fmt"
	"log/slog"
	"sort"

	"TagRelay/internal/config"
	"TagRelay/internal/ports"
)

// Deps carries shared collaborators handed to every factory.
type Deps struct {
	FederationTag string
	Media         ports.MediaFetcher
	Logger        *slog.Logger
}

// Factory builds a connector for one named endpoint.
type Factory func(name string, cfg config.EndpointConfig, deps Deps) (ports.Connector, error)

// Registry keeps a mapping from endpoint types to their factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register adds or replaces the factory for an endpoint type.
func (r *Registry) Register(kind string, factory Factory) {
	if r.factories == nil {
		r.factories = map[string]Factory{}
	}
	r.factories[kind] = factory
}

// Types lists the registered endpoint types.
func (r *Registry) Types() []string {
	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Build returns a connector for the endpoint or an error if its type is absent.
func (r *Registry) Build(name string, cfg config.EndpointConfig, deps Deps) (ports.Connector, error) {
	factory, ok := r.factories[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("endpoint %s: connector type %q is not registered", name, cfg.Type)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	conn, err := factory(name, cfg, deps)
	if err != nil {
		return nil, fmt.Errorf("endpoint %s: build %s connector: %w", name, cfg.Type, err)
	}
	return conn, nil
}

// Source builds the endpoint and checks that it can discover posts.
func (r *Registry) Source(name string, cfg config.EndpointConfig, deps Deps) (ports.SourceConnector, error) {
	conn, err := r.Build(name, cfg, deps)
	if err != nil {
		return nil, err
	}
	src, ok := conn.(ports.SourceConnector)
	if !ok {
		return nil, fmt.Errorf("endpoint %s: %s cannot be used as inbound", name, cfg.Type)
	}
	return src, nil
}

// Destination builds the endpoint and checks that it can publish posts.
func (r *Registry) Destination(name string, cfg config.EndpointConfig, deps Deps) (ports.DestinationConnector, error) {
	conn, err := r.Build(name, cfg, deps)
	if err != nil {
		return nil, err
	}
	dst, ok := conn.(ports.DestinationConnector)
	if !ok {
		return nil, fmt.Errorf("endpoint %s: %s cannot be used as outbound", name, cfg.Type)
	}
	return dst, nil
}
