// Package envelope defines the unit of transit: an addressed, durable wrapper
// around one application message.
package envelope

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an envelope. The string values are part of
// the persisted vocabulary and must not change.
type Status string

const (
	StatusIncoming  Status = "Incoming"
	StatusScheduled Status = "Scheduled"
	StatusOutgoing  Status = "Outgoing"
	StatusHandled   Status = "Handled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusIncoming, StatusScheduled, StatusOutgoing, StatusHandled:
		return true
	}

	return false
}

// AnyNode marks an envelope as unclaimed: any node may pick it up.
const AnyNode = "*"

var ErrInvalidNodeID = errors.New("courier: invalid node id")

// ValidateNodeID rejects empty ids and the AnyNode sentinel.
func ValidateNodeID(id string) error {
	if id == "" || id == AnyNode {
		return fmt.Errorf("%w: %q", ErrInvalidNodeID, id)
	}

	return nil
}

type Envelope struct {
	// ID is generated once by New and never reassigned.
	ID string

	// Message is the decoded application message. It is nil until a
	// serializer decodes Data.
	Message any
	// MessageType is the stable alias of the message type.
	MessageType string
	// Data holds the encoded message.
	Data        []byte
	ContentType string

	Source         string
	Destination    string
	ReplyURI       string
	CorrelationID  string
	ConversationID string

	// Headers carries application headers.
	Headers map[string]string

	SentAt time.Time
	// ExecutionTime is nil for immediate delivery.
	ExecutionTime *time.Time

	Status   Status
	OwnerID  string
	Attempts int
}

// New wraps msg into an envelope with a fresh time-ordered id owned by
// AnyNode.
func New(msg any) *Envelope {
	return &Envelope{
		ID:      newID(),
		Message: msg,
		Headers: make(map[string]string),
		OwnerID: AnyNode,
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}

	return id.String()
}

// IsDelayed reports whether the envelope must not be delivered before now.
func (e *Envelope) IsDelayed(now time.Time) bool {
	return e.ExecutionTime != nil && e.ExecutionTime.After(now)
}

// ScheduleAt sets the execution time.
func (e *Envelope) ScheduleAt(t time.Time) {
	e.ExecutionTime = &t
}

// MarkScheduled transitions the envelope to Scheduled and releases it to any
// node so the recovery sweep of every node can execute it.
func (e *Envelope) MarkScheduled(at time.Time) {
	e.ScheduleAt(at)
	e.Status = StatusScheduled
	e.OwnerID = AnyNode
}

func (e *Envelope) Header(key string) string {
	return e.Headers[key]
}

func (e *Envelope) SetHeader(key, value string) {
	if e.Headers == nil {
		e.Headers = make(map[string]string)
	}

	e.Headers[key] = value
}

// Clone returns a deep copy sharing only the message and the data slice.
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.Headers = maps.Clone(e.Headers)

	if c.Headers == nil {
		c.Headers = make(map[string]string)
	}

	if e.ExecutionTime != nil {
		t := *e.ExecutionTime
		c.ExecutionTime = &t
	}

	return &c
}

// ForDestination clones the envelope for one fan-out destination. The clone
// gets its own id and is correlated with the original.
func (e *Envelope) ForDestination(uri string) *Envelope {
	c := e.Clone()
	c.ID = newID()
	c.Destination = uri

	if c.CorrelationID == "" {
		c.CorrelationID = e.ID
	}

	return c
}

func (e *Envelope) String() string {
	if e.MessageType == "" {
		return e.ID
	}

	return e.MessageType + "#" + e.ID
}
