package event

import "strings"

const (
	TopicCartValidationRequested    = "cart-validation-requested"
	TopicCartValidationCompleted    = "cart-validation-completed"
	TopicPaymentInitiationRequested = "payment-initiation-requested"
	TopicPaymentProcessingCompleted = "payment-processing-completed"
	TopicOrderSagaStarted           = "order-saga-started"
	TopicOrderConfirmed             = "order-confirmed"
	TopicOrderCancelled             = "order-cancelled"
)

// TopicResolver maps event types to the topic that carries them
type TopicResolver struct {
	topics map[string]string
}

// NewTopicResolver returns the default mapping with optional per-type overrides.
// Override keys match event types case-insensitively since config keys are lowercased.
func NewTopicResolver(overrides map[string]string) *TopicResolver {
	topics := map[string]string{
		TypeCartValidationRequested:    TopicCartValidationRequested,
		TypeCartValidationCompleted:    TopicCartValidationCompleted,
		TypePaymentInitiationRequested: TopicPaymentInitiationRequested,
		TypePaymentProcessingCompleted: TopicPaymentProcessingCompleted,
		TypeOrderSagaStarted:           TopicOrderSagaStarted,
		TypeOrderConfirmed:             TopicOrderConfirmed,
		TypeOrderCancelled:             TopicOrderCancelled,
	}
	for key, topic := range overrides {
		for eventType := range topics {
			if strings.EqualFold(key, eventType) {
				topics[eventType] = topic
			}
		}
	}
	return &TopicResolver{topics: topics}
}

func (r *TopicResolver) Topic(eventType string) (string, bool) {
	topic, ok := r.topics[eventType]
	return topic, ok
}

// InboundTopics lists the response topics the orchestrator consumes
func (r *TopicResolver) InboundTopics() []string {
	return []string{
		r.topics[TypeCartValidationCompleted],
		r.topics[TypePaymentProcessingCompleted],
	}
}
