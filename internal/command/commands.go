package command

// Order Commands
type CreateOrder struct {
	OrderID      string      `json:"order_id,omitempty" validate:"omitempty,max=64"`
	CustomerID   string      `json:"customer_id" validate:"required,max=64"`
	RestaurantID string      `json:"restaurant_id" validate:"required,max=64"`
	Items        []OrderItem `json:"items" validate:"required,min=1,dive"`
	TotalAmount  float64     `json:"total_amount" validate:"gt=0"`
}

type OrderItem struct {
	ItemID   string  `json:"item_id" validate:"required"`
	Name     string  `json:"name" validate:"required"`
	Price    float64 `json:"price" validate:"gt=0"`
	Quantity int     `json:"quantity" validate:"gt=0"`
}

// Saga Commands
type CompensateSaga struct {
	OrderID string `json:"order_id" validate:"required"`
	Reason  string `json:"reason"`
}
