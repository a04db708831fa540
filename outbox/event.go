package outbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultMaxPayloadBytes = 1 << 20
	DefaultPayloadVersion  = 1
)

// Event is a domain event recorded in the outbox for reliable delivery.
type Event struct {
	ID              uuid.UUID
	Topic           string
	Payload         []byte
	PayloadVersion  int
	AggregateID     string
	OccurredAt      time.Time
	Priority        int
	Status          Status
	AttemptCount    int
	LastAttemptedAt *time.Time
	LastError       string
	NotBefore       time.Time
	ClaimToken      uuid.UUID
	ClaimedBy       string
	PublishedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Message is the producer-side input for a new event. Zero ID, OccurredAt and
// PayloadVersion are filled in when the event is built.
type Message struct {
	ID             uuid.UUID
	Topic          string
	Payload        []byte
	PayloadVersion int
	AggregateID    string
	Priority       int
	OccurredAt     time.Time
}

// Claim identifies one dispatcher's ownership of an in-process event.
type Claim struct {
	EventID uuid.UUID
	Token   uuid.UUID
}

// Claim returns the ownership handle stamped on the event by ClaimBatch.
func (event *Event) Claim() Claim {
	if event == nil {
		return Claim{}
	}

	return Claim{EventID: event.ID, Token: event.ClaimToken}
}

// Clone returns a deep copy so handlers cannot mutate dispatcher state.
func (event *Event) Clone() Event {
	if event == nil {
		return Event{}
	}

	clone := *event
	clone.Payload = append([]byte(nil), event.Payload...)

	if event.LastAttemptedAt != nil {
		lastAttempted := *event.LastAttemptedAt
		clone.LastAttemptedAt = &lastAttempted
	}

	if event.PublishedAt != nil {
		publishedAt := *event.PublishedAt
		clone.PublishedAt = &publishedAt
	}

	return clone
}

// NewEvent builds a pending event from msg.
func NewEvent(msg Message, now time.Time) (*Event, error) {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}

	if msg.PayloadVersion == 0 {
		msg.PayloadVersion = DefaultPayloadVersion
	}

	now = now.UTC()
	if msg.OccurredAt.IsZero() {
		msg.OccurredAt = now
	}

	event := &Event{
		ID:             msg.ID,
		Topic:          strings.TrimSpace(msg.Topic),
		Payload:        msg.Payload,
		PayloadVersion: msg.PayloadVersion,
		AggregateID:    strings.TrimSpace(msg.AggregateID),
		OccurredAt:     msg.OccurredAt.UTC(),
		Priority:       msg.Priority,
		Status:         StatusPending,
		NotBefore:      msg.OccurredAt.UTC(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := event.Validate(); err != nil {
		return nil, err
	}

	return event, nil
}

// Validate checks the fields a store requires before persisting the event.
func (event *Event) Validate() error {
	if event == nil {
		return ErrEventRequired
	}

	if event.ID == uuid.Nil {
		return fmt.Errorf("%w: id is required", ErrEventRequired)
	}

	if strings.TrimSpace(event.Topic) == "" {
		return ErrTopicRequired
	}

	if len(event.Payload) == 0 {
		return ErrPayloadRequired
	}

	if len(event.Payload) > DefaultMaxPayloadBytes {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(event.Payload))
	}

	if !json.Valid(event.Payload) {
		return ErrPayloadNotJSON
	}

	if event.PayloadVersion < 1 {
		return fmt.Errorf("%w: %d", ErrPayloadVersionInvalid, event.PayloadVersion)
	}

	if !event.Status.IsValid() {
		return fmt.Errorf("%w: %q", ErrStatusInvalid, event.Status)
	}

	return nil
}
