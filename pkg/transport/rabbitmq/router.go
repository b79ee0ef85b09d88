package rabbitmq

// TopicRouter routes messages to topics of a single exchange. Topic derives
// the topic from the message; a nil Topic or an empty result lets the router
// fall back to the message type alias.
type TopicRouter struct {
	Exchange string
	Topic    func(msg any) string
}

func (r TopicRouter) TopicFor(msg any) string {
	if r.Topic == nil {
		return ""
	}

	return r.Topic(msg)
}

func (r TopicRouter) URIForTopic(topic string) string {
	return TopicURI(r.Exchange, topic)
}
