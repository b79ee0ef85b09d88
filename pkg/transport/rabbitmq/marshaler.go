package rabbitmq

import (
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/quarks-tech/courier-go/pkg/envelope"
	"github.com/quarks-tech/courier-go/pkg/transport"
)

// deliveryCountHeader is maintained by quorum queues.
const deliveryCountHeader = "x-delivery-count"

// newPublishing maps payload headers onto native AMQP properties. Headers
// without a native property travel in the header table.
func newPublishing(p *transport.Payload, deliveryMode uint8) amqp.Publishing {
	msg := amqp.Publishing{
		Headers:      amqp.Table{},
		DeliveryMode: deliveryMode,
		Body:         p.Body,
	}

	for k, v := range p.Headers {
		switch k {
		case envelope.HeaderID:
			msg.MessageId = v
		case envelope.HeaderMessageType:
			msg.Type = v
		case envelope.HeaderContentType:
			msg.ContentType = v
		case envelope.HeaderCorrelationID:
			msg.CorrelationId = v
		case envelope.HeaderReplyURI:
			msg.ReplyTo = v
		case envelope.HeaderSentAt:
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				msg.Timestamp = t
			}

			msg.Headers[k] = v
		default:
			msg.Headers[k] = v
		}
	}

	return msg
}

// newPayload maps a delivery back into the flat header vocabulary.
func newPayload(d *amqp.Delivery) *transport.Payload {
	headers := make(map[string]string, len(d.Headers)+6)

	for k, v := range d.Headers {
		switch tv := v.(type) {
		case string:
			headers[k] = tv
		case int, int8, int16, int32, int64, uint8, uint16, uint32, uint64, bool, float32, float64:
			headers[k] = fmt.Sprint(tv)
		}
	}

	setHeader(headers, envelope.HeaderID, d.MessageId)
	setHeader(headers, envelope.HeaderMessageType, d.Type)
	setHeader(headers, envelope.HeaderContentType, d.ContentType)
	setHeader(headers, envelope.HeaderCorrelationID, d.CorrelationId)
	setHeader(headers, envelope.HeaderReplyURI, d.ReplyTo)

	if _, ok := headers[envelope.HeaderSentAt]; !ok && !d.Timestamp.IsZero() {
		headers[envelope.HeaderSentAt] = d.Timestamp.UTC().Format(time.RFC3339Nano)
	}

	if redeliveries := redeliveryCount(d); redeliveries > 0 {
		attempts, _ := strconv.Atoi(headers[envelope.HeaderAttempts])
		headers[envelope.HeaderAttempts] = strconv.Itoa(attempts + redeliveries)
	}

	delete(headers, deliveryCountHeader)

	return &transport.Payload{
		Headers: headers,
		Body:    d.Body,
	}
}

func redeliveryCount(d *amqp.Delivery) int {
	switch v := d.Headers[deliveryCountHeader].(type) {
	case int64:
		return int(v)
	case int32:
		return int(v)
	case int:
		return v
	}

	if d.Redelivered {
		return 1
	}

	return 0
}

func hasDeliveryCount(d *amqp.Delivery) bool {
	_, ok := d.Headers[deliveryCountHeader]
	return ok
}

// requeuePublishing copies d for a republish to its own queue that carries one
// more attempt. Classic queues do not count deliveries.
func requeuePublishing(d *amqp.Delivery) amqp.Publishing {
	p := newPayload(d)

	attempts, _ := strconv.Atoi(p.Headers[envelope.HeaderAttempts])
	p.Headers[envelope.HeaderAttempts] = strconv.Itoa(attempts + 1)

	mode := d.DeliveryMode
	if mode == 0 {
		mode = amqp.Persistent
	}

	return newPublishing(p, mode)
}

func setHeader(h map[string]string, key, value string) {
	if value != "" {
		h[key] = value
	}
}
