package event

const (
	TypeOrderSagaStarted           = "OrderSagaStarted"
	TypeCartValidationRequested    = "CartValidationRequested"
	TypeCartValidationCompleted    = "CartValidationCompleted"
	TypePaymentInitiationRequested = "PaymentInitiationRequested"
	TypePaymentProcessingCompleted = "PaymentProcessingCompleted"
	TypeOrderConfirmed             = "OrderConfirmed"
	TypeOrderCancelled             = "OrderCancelled"
)

type PaymentStatus string

const (
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentTimeout   PaymentStatus = "TIMEOUT"
)

type OrderItem struct {
	ItemID   string  `json:"itemId" validate:"required"`
	Name     string  `json:"name" validate:"required"`
	Price    float64 `json:"price" validate:"gt=0"`
	Quantity int     `json:"quantity" validate:"gt=0"`
}

type OrderSagaStarted struct {
	OrderID      string      `json:"orderId"`
	CustomerID   string      `json:"customerId"`
	RestaurantID string      `json:"restaurantId"`
	Items        []OrderItem `json:"items"`
	TotalAmount  float64     `json:"totalAmount"`
}

type CartValidationRequested struct {
	CartID     string `json:"cartId"`
	CustomerID string `json:"customerId"`
	OrderID    string `json:"orderId"`
}

type CartValidationCompleted struct {
	CartID           string   `json:"cartId"`
	OrderID          string   `json:"orderId"`
	Valid            bool     `json:"isValid"`
	ValidationErrors []string `json:"validationErrors,omitempty"`
}

type PaymentInitiationRequested struct {
	PaymentID     string  `json:"paymentId"`
	OrderID       string  `json:"orderId"`
	CustomerID    string  `json:"customerId"`
	Amount        float64 `json:"amount"`
	PaymentMethod string  `json:"paymentMethod"`
}

type PaymentProcessingCompleted struct {
	PaymentID     string        `json:"paymentId"`
	OrderID       string        `json:"orderId"`
	Amount        float64       `json:"amount"`
	Status        PaymentStatus `json:"status"`
	FailureReason string        `json:"failureReason,omitempty"`
}

type OrderConfirmed struct {
	OrderID      string  `json:"orderId"`
	CustomerID   string  `json:"customerId"`
	RestaurantID string  `json:"restaurantId"`
	TotalAmount  float64 `json:"totalAmount"`
	PaymentID    string  `json:"paymentId"`
}

// OrderCancelled also tells the cart service to release the reservation held for CartID
type OrderCancelled struct {
	OrderID    string `json:"orderId"`
	CustomerID string `json:"customerId"`
	CartID     string `json:"cartId,omitempty"`
	Reason     string `json:"reason"`
}

func (OrderSagaStarted) EventType() string           { return TypeOrderSagaStarted }
func (CartValidationRequested) EventType() string    { return TypeCartValidationRequested }
func (CartValidationCompleted) EventType() string    { return TypeCartValidationCompleted }
func (PaymentInitiationRequested) EventType() string { return TypePaymentInitiationRequested }
func (PaymentProcessingCompleted) EventType() string { return TypePaymentProcessingCompleted }
func (OrderConfirmed) EventType() string             { return TypeOrderConfirmed }
func (OrderCancelled) EventType() string             { return TypeOrderCancelled }

// CartID derives the cart identifier the cart service keys reservations by
func CartID(customerID, restaurantID string) string {
	return customerID + "-" + restaurantID + "-cart"
}
