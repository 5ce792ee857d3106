package saga

import (
	"math"
	"time"
)

type Config struct {
	PaymentMethod         string
	CartValidationTimeout time.Duration
	PaymentTimeout        time.Duration
	ConfirmationTimeout   time.Duration
	MaxRetries            int
	RetryInitialDelay     time.Duration
	RetryMultiplier       float64
	RetryMaxDelay         time.Duration
	SweepInterval         time.Duration
	SweepBatchSize        int
}

func DefaultConfig() Config {
	return Config{
		PaymentMethod:         "CREDIT_CARD",
		CartValidationTimeout: 2 * time.Minute,
		PaymentTimeout:        5 * time.Minute,
		ConfirmationTimeout:   time.Minute,
		MaxRetries:            3,
		RetryInitialDelay:     time.Second,
		RetryMultiplier:       2.0,
		RetryMaxDelay:         5 * time.Minute,
		SweepInterval:         30 * time.Second,
		SweepBatchSize:        100,
	}
}

// TimeoutFor returns how long a saga may sit in state before the sweep acts.
// Zero means the state is never swept.
func (c Config) TimeoutFor(state State) time.Duration {
	switch state {
	case StateStarted, StateCartValidationRequested:
		return c.CartValidationTimeout
	case StateCartValidated, StatePaymentRequested:
		return c.PaymentTimeout
	case StatePaymentCompleted, StateCompensating:
		return c.ConfirmationTimeout
	default:
		return 0
	}
}

// RetryDelay is the backoff added to the timeout of a saga retried n times
func (c Config) RetryDelay(n int) time.Duration {
	if c.RetryInitialDelay <= 0 {
		return 0
	}
	d := float64(c.RetryInitialDelay) * math.Pow(c.RetryMultiplier, float64(n))
	if c.RetryMaxDelay > 0 && d > float64(c.RetryMaxDelay) {
		return c.RetryMaxDelay
	}
	return time.Duration(d)
}

// sweptStates are the states the sweep inspects
var sweptStates = []State{
	StateStarted,
	StateCartValidationRequested,
	StateCartValidated,
	StatePaymentRequested,
	StatePaymentCompleted,
	StateCompensating,
}
