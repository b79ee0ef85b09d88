package envelope

import "time"

// Option customizes an envelope before it is sent.
type Option func(e *Envelope)

// WithDelay defers delivery by d from now.
func WithDelay(d time.Duration) Option {
	return func(e *Envelope) {
		if d > 0 {
			e.ScheduleAt(time.Now().Add(d))
		}
	}
}

func WithExecutionTime(t time.Time) Option {
	return func(e *Envelope) {
		e.ScheduleAt(t)
	}
}

func WithCorrelationID(id string) Option {
	return func(e *Envelope) {
		e.CorrelationID = id
	}
}

func WithConversationID(id string) Option {
	return func(e *Envelope) {
		e.ConversationID = id
	}
}

func WithReplyURI(uri string) Option {
	return func(e *Envelope) {
		e.ReplyURI = uri
	}
}

func WithContentType(contentType string) Option {
	return func(e *Envelope) {
		e.ContentType = contentType
	}
}

// WithHeader sets an application header. Reserved keys are ignored on the
// wire.
func WithHeader(key, value string) Option {
	return func(e *Envelope) {
		e.SetHeader(key, value)
	}
}

// Apply runs opts against e in order.
func (e *Envelope) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(e)
	}
}
