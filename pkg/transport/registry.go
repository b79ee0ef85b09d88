package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Registry maps URI schemes to transports and caches endpoints by normalized
// URI. It is owned by the runtime and torn down with it.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]Transport
	endpoints  map[string]*Endpoint
	group      singleflight.Group
}

func NewRegistry(transports ...Transport) *Registry {
	r := &Registry{
		transports: make(map[string]Transport),
		endpoints:  make(map[string]*Endpoint),
	}

	for _, t := range transports {
		r.Register(t)
	}

	return r
}

// Register adds a transport, replacing any transport registered for the same
// scheme.
func (r *Registry) Register(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.transports[t.Protocol()] = t
}

func (r *Registry) Transport(scheme string) (Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.transports[scheme]
	if !ok {
		return nil, &UnknownTransportSchemeError{Scheme: scheme}
	}

	return t, nil
}

// Resolve returns the cached endpoint for uri. It fails with
// ErrUnknownTransportScheme when no transport serves the scheme and with
// ErrEndpointNotFound when the endpoint was never created.
func (r *Registry) Resolve(uri string) (*Endpoint, error) {
	u, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}

	key := u.String()

	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.transports[u.Scheme]; !ok {
		return nil, &UnknownTransportSchemeError{Scheme: u.Scheme, URI: uri}
	}

	ep, ok := r.endpoints[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEndpointNotFound, key)
	}

	return ep, nil
}

// GetOrCreate returns the endpoint for uri, creating and caching it on first
// reference. Concurrent first calls for the same URI share one creation.
func (r *Registry) GetOrCreate(uri string) (*Endpoint, error) {
	u, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}

	key := u.String()

	r.mu.RLock()
	ep, ok := r.endpoints[key]
	r.mu.RUnlock()

	if ok {
		return ep, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		r.mu.RLock()
		existing, ok := r.endpoints[key]
		t, known := r.transports[u.Scheme]
		r.mu.RUnlock()

		if ok {
			return existing, nil
		}

		if !known {
			return nil, &UnknownTransportSchemeError{Scheme: u.Scheme, URI: uri}
		}

		spec, err := t.ParseEndpoint(u)
		if err != nil {
			return nil, fmt.Errorf("parse endpoint %s: %w", key, err)
		}

		created := newEndpoint(u, t, spec)

		r.mu.Lock()
		r.endpoints[key] = created
		r.mu.Unlock()

		logger.Infof("created %s endpoint %s", spec.Mode, key)

		return created, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*Endpoint), nil
}

// Endpoints returns every created endpoint ordered by URI.
func (r *Registry) Endpoints() []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	eps := make([]*Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		eps = append(eps, ep)
	}

	sort.Slice(eps, func(i, j int) bool { return eps[i].String() < eps[j].String() })

	return eps
}

// Close closes every endpoint and then every transport.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	endpoints := r.endpoints
	transports := r.transports
	r.endpoints = make(map[string]*Endpoint)
	r.mu.Unlock()

	var errs []error

	for _, ep := range endpoints {
		if err := ep.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close endpoint %s: %w", ep, err))
		}
	}

	for scheme, t := range transports {
		if err := t.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close transport %s: %w", scheme, err))
		}
	}

	return errors.Join(errs...)
}
