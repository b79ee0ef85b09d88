// Package routing resolves the destination endpoints of an outbound message
// from an explicit destination, static subscriptions and topic routers.
package routing

import (
	"fmt"
	"net/url"
	"sync"

	"github.com/quarks-tech/courier-go/pkg/envelope"
	"github.com/quarks-tech/courier-go/pkg/transport"
)

// TopicRouter derives a topic from a message and maps it to a destination
// URI. The same topic must always map to the same URI. An empty topic falls
// back to the message type alias.
type TopicRouter interface {
	TopicFor(msg any) string
	URIForTopic(topic string) string
}

// TopicRouterFunc adapts a single function to a TopicRouter whose topic is
// always the message type alias.
type TopicRouterFunc func(topic string) string

func (f TopicRouterFunc) TopicFor(any) string {
	return ""
}

func (f TopicRouterFunc) URIForTopic(topic string) string {
	return f(topic)
}

type subscription struct {
	matcher *Matcher
	uris    []string
}

type topicRoute struct {
	matcher *Matcher
	router  TopicRouter
}

type Router struct {
	registry *transport.Registry
	types    *envelope.TypeRegistry

	mu            sync.RWMutex
	subscriptions []subscription
	topics        []topicRoute
}

func NewRouter(registry *transport.Registry, types *envelope.TypeRegistry) *Router {
	return &Router{
		registry: registry,
		types:    types,
	}
}

// Subscribe routes every message whose alias matches pattern to uris, in the
// given order.
func (r *Router) Subscribe(pattern string, uris ...string) error {
	for _, uri := range uris {
		if _, err := transport.ParseURI(uri); err != nil {
			return fmt.Errorf("subscribe %q: %w", pattern, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.subscriptions = append(r.subscriptions, subscription{
		matcher: NewMatcher(pattern),
		uris:    append([]string(nil), uris...),
	})

	return nil
}

// AddTopicRouter routes every message whose alias matches pattern through tr.
func (r *Router) AddTopicRouter(pattern string, tr TopicRouter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.topics = append(r.topics, topicRoute{
		matcher: NewMatcher(pattern),
		router:  tr,
	})
}

// Route returns the endpoints msg must be delivered to. An explicit
// destination short-circuits routing. Otherwise the union of subscribed and
// topic-routed endpoints is returned, deduplicated by URI, in configuration
// order.
func (r *Router) Route(msg any, explicit *url.URL) ([]*transport.Endpoint, error) {
	if explicit != nil {
		ep, err := r.registry.GetOrCreate(explicit.String())
		if err != nil {
			return nil, err
		}

		return []*transport.Endpoint{ep}, nil
	}

	alias := r.types.AliasFor(msg)

	uris, err := r.uris(alias, msg)
	if err != nil {
		return nil, err
	}

	if len(uris) == 0 {
		return nil, &NoRouteFoundError{MessageType: alias}
	}

	endpoints := make([]*transport.Endpoint, 0, len(uris))
	seen := make(map[string]struct{}, len(uris))

	for _, uri := range uris {
		ep, err := r.registry.GetOrCreate(uri)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", alias, err)
		}

		if _, ok := seen[ep.String()]; ok {
			continue
		}

		seen[ep.String()] = struct{}{}
		endpoints = append(endpoints, ep)
	}

	return endpoints, nil
}

func (r *Router) uris(alias string, msg any) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var uris []string

	for _, s := range r.subscriptions {
		if s.matcher.Matches(alias) {
			uris = append(uris, s.uris...)
		}
	}

	for _, t := range r.topics {
		if !t.matcher.Matches(alias) {
			continue
		}

		topic := t.router.TopicFor(msg)
		if topic == "" {
			topic = alias
		}

		uri := t.router.URIForTopic(topic)
		if uri == "" {
			return nil, fmt.Errorf("route %s: topic %q has no destination", alias, topic)
		}

		uris = append(uris, uri)
	}

	return uris, nil
}
