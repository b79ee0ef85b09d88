package rabbitmq

import (
	"fmt"
	"net/url"

	"github.com/quarks-tech/courier-go/pkg/transport"
)

// Address is the broker location encoded in an endpoint URI:
//
//	rabbitmq://queue/<queue>[/durable]
//	rabbitmq://exchange/<exchange>[/routing/<key>][/durable]
type Address struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

func ParseAddress(uri *url.URL) (Address, error) {
	var segments []string

	for _, s := range transport.PathSegments(uri) {
		if s == "durable" {
			continue
		}

		segments = append(segments, s)
	}

	switch uri.Host {
	case "queue":
		if len(segments) != 1 {
			return Address{}, fmt.Errorf("%w: %s: expected rabbitmq://queue/<name>", transport.ErrInvalidEndpoint, uri)
		}

		return Address{Queue: segments[0]}, nil
	case "exchange":
		switch {
		case len(segments) == 1:
			return Address{Exchange: segments[0]}, nil
		case len(segments) == 3 && segments[1] == "routing":
			return Address{Exchange: segments[0], RoutingKey: segments[2]}, nil
		}

		return Address{}, fmt.Errorf("%w: %s: expected rabbitmq://exchange/<name>[/routing/<key>]", transport.ErrInvalidEndpoint, uri)
	}

	return Address{}, fmt.Errorf("%w: %s: unknown rabbitmq address kind %q", transport.ErrInvalidEndpoint, uri, uri.Host)
}

// Target returns the exchange and routing key used to publish to the address.
// Queues are addressed through the default exchange.
func (a Address) Target() (exchange, routingKey string) {
	if a.Queue != "" {
		return "", a.Queue
	}

	return a.Exchange, a.RoutingKey
}

func QueueURI(queue string) string {
	return fmt.Sprintf("%s://queue/%s", Protocol, url.PathEscape(queue))
}

// TopicURI builds the endpoint URI of a topic published through exchange.
// The same topic always yields the same URI.
func TopicURI(exchange, topic string) string {
	return fmt.Sprintf("%s://exchange/%s/routing/%s", Protocol, url.PathEscape(exchange), url.PathEscape(topic))
}
