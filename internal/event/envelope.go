package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	ErrSerialization    = errors.New("event serialization failed")
	ErrUnknownEventType = errors.New("unknown event type")
)

// Payload is implemented by every message body carried in an Envelope
type Payload interface {
	EventType() string
}

// Envelope is the wire format shared by all saga messages.
// Payload holds the JSON body selected by EventType.
type Envelope struct {
	EventID     string          `json:"eventId"`
	AggregateID string          `json:"aggregateId"`
	Version     int             `json:"version"`
	OccurredAt  time.Time       `json:"occurredAt"`
	EventType   string          `json:"eventType"`
	Payload     json.RawMessage `json:"payload"`
}

// New wraps a payload in an envelope with a fresh event id
func New(aggregateID string, version int, p Payload) (Envelope, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, errors.Wrapf(ErrSerialization, "%s: %v", p.EventType(), err)
	}
	return Envelope{
		EventID:     uuid.New().String(),
		AggregateID: aggregateID,
		Version:     version,
		OccurredAt:  time.Now().UTC(),
		EventType:   p.EventType(),
		Payload:     data,
	}, nil
}

// Marshal returns the JSON encoding of the envelope
func (e Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrapf(ErrSerialization, "envelope %s: %v", e.EventID, err)
	}
	return data, nil
}

// Parse decodes an envelope and checks the fields every consumer relies on
func Parse(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, errors.Wrapf(ErrSerialization, "envelope: %v", err)
	}
	if env.EventID == "" || env.EventType == "" {
		return Envelope{}, errors.Wrap(ErrSerialization, "envelope: missing eventId or eventType")
	}
	return env, nil
}

// Decode unmarshals the payload into the type named by EventType
func Decode(env Envelope) (Payload, error) {
	var p Payload
	switch env.EventType {
	case TypeOrderSagaStarted:
		p = &OrderSagaStarted{}
	case TypeCartValidationRequested:
		p = &CartValidationRequested{}
	case TypeCartValidationCompleted:
		p = &CartValidationCompleted{}
	case TypePaymentInitiationRequested:
		p = &PaymentInitiationRequested{}
	case TypePaymentProcessingCompleted:
		p = &PaymentProcessingCompleted{}
	case TypeOrderConfirmed:
		p = &OrderConfirmed{}
	case TypeOrderCancelled:
		p = &OrderCancelled{}
	default:
		return nil, errors.Wrapf(ErrUnknownEventType, "%q", env.EventType)
	}
	if err := json.Unmarshal(env.Payload, p); err != nil {
		return nil, errors.Wrapf(ErrSerialization, "%s payload: %v", env.EventType, err)
	}
	return p, nil
}
