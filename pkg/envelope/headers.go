package envelope

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Reserved header keys used when an envelope travels over a transport.
const (
	HeaderID             = "id"
	HeaderMessageType    = "message-type"
	HeaderContentType    = "content-type"
	HeaderSource         = "source"
	HeaderDestination    = "destination"
	HeaderReplyURI       = "reply-uri"
	HeaderCorrelationID  = "correlation-id"
	HeaderConversationID = "conversation-id"
	HeaderSentAt         = "sent-at"
	HeaderExecutionTime  = "execution-time"
	HeaderAttempts       = "attempts"
)

var ErrMalformed = errors.New("courier: malformed envelope")

var reservedHeaders = map[string]struct{}{
	HeaderID:             {},
	HeaderMessageType:    {},
	HeaderContentType:    {},
	HeaderSource:         {},
	HeaderDestination:    {},
	HeaderReplyURI:       {},
	HeaderCorrelationID:  {},
	HeaderConversationID: {},
	HeaderSentAt:         {},
	HeaderExecutionTime:  {},
	HeaderAttempts:       {},
}

func IsReservedHeader(key string) bool {
	_, ok := reservedHeaders[key]
	return ok
}

// WriteHeaders flattens the envelope metadata and its application headers
// into a single map. Reserved keys take precedence.
func WriteHeaders(e *Envelope) map[string]string {
	h := make(map[string]string, len(e.Headers)+len(reservedHeaders))

	for k, v := range e.Headers {
		if !IsReservedHeader(k) {
			h[k] = v
		}
	}

	h[HeaderID] = e.ID
	h[HeaderMessageType] = e.MessageType

	setIfNotEmpty(h, HeaderContentType, e.ContentType)
	setIfNotEmpty(h, HeaderSource, e.Source)
	setIfNotEmpty(h, HeaderDestination, e.Destination)
	setIfNotEmpty(h, HeaderReplyURI, e.ReplyURI)
	setIfNotEmpty(h, HeaderCorrelationID, e.CorrelationID)
	setIfNotEmpty(h, HeaderConversationID, e.ConversationID)

	if !e.SentAt.IsZero() {
		h[HeaderSentAt] = e.SentAt.UTC().Format(time.RFC3339Nano)
	}

	if e.ExecutionTime != nil {
		h[HeaderExecutionTime] = e.ExecutionTime.UTC().Format(time.RFC3339Nano)
	}

	if e.Attempts > 0 {
		h[HeaderAttempts] = strconv.Itoa(e.Attempts)
	}

	return h
}

// ReadHeaders rebuilds an incoming envelope from a header map and body.
// The id and message type are mandatory.
func ReadHeaders(h map[string]string, body []byte) (*Envelope, error) {
	e := &Envelope{
		ID:             h[HeaderID],
		MessageType:    h[HeaderMessageType],
		ContentType:    h[HeaderContentType],
		Source:         h[HeaderSource],
		Destination:    h[HeaderDestination],
		ReplyURI:       h[HeaderReplyURI],
		CorrelationID:  h[HeaderCorrelationID],
		ConversationID: h[HeaderConversationID],
		Data:           body,
		Headers:        make(map[string]string),
		Status:         StatusIncoming,
		OwnerID:        AnyNode,
	}

	if e.ID == "" {
		return nil, fmt.Errorf("%w: missing %s header", ErrMalformed, HeaderID)
	}

	if e.MessageType == "" {
		return nil, fmt.Errorf("%w: missing %s header", ErrMalformed, HeaderMessageType)
	}

	if v, ok := h[HeaderSentAt]; ok {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, HeaderSentAt, err)
		}

		e.SentAt = t
	}

	if v, ok := h[HeaderExecutionTime]; ok {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, HeaderExecutionTime, err)
		}

		e.ExecutionTime = &t
	}

	if v, ok := h[HeaderAttempts]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: %s: %q", ErrMalformed, HeaderAttempts, v)
		}

		e.Attempts = n
	}

	for k, v := range h {
		if !IsReservedHeader(k) {
			e.Headers[k] = v
		}
	}

	return e, nil
}

func setIfNotEmpty(h map[string]string, key, value string) {
	if value != "" {
		h[key] = value
	}
}
