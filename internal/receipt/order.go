package receipt

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// Order is the application's order record as delivered over the API. Only
// the fields the printer needs are decoded; unknown fields are ignored.
type Order struct {
	ID            any             `json:"id,omitempty"`
	OrderNumber   string          `json:"order_number"`
	CustomerName  string          `json:"customer_name"`
	CustomerEmail string          `json:"customer_email,omitempty"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	CreatedAt     string          `json:"created_at,omitempty"`
	Items         []OrderItem     `json:"order_items"`
}

// OrderItem is one row of order_items, optionally joined with menu_items.
type OrderItem struct {
	Name                string          `json:"name,omitempty"`
	MenuItem            *MenuItem       `json:"menu_items,omitempty"`
	Quantity            Quantity        `json:"quantity"`
	UnitPrice           decimal.Decimal `json:"unit_price"`
	TotalPrice          decimal.Decimal `json:"total_price"`
	SpecialInstructions string          `json:"special_instructions,omitempty"`
	Toppings            []OrderTopping  `json:"toppings,omitempty"`
}

// MenuItem is the joined menu row.
type MenuItem struct {
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

// OrderTopping is a structured topping breakdown, when the application
// sends one instead of embedding it in the instructions text.
type OrderTopping struct {
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

// DisplayName prefers the joined menu item name over the flat one.
func (oi OrderItem) DisplayName() string {
	if oi.MenuItem != nil && oi.MenuItem.Name != "" {
		return oi.MenuItem.Name
	}
	return oi.Name
}

// Quantity is an item count that decodes from a JSON number or a quoted
// number, the way the decimal price fields do.
type Quantity int

// UnmarshalJSON implements json.Unmarshaler.
func (q *Quantity) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) >= 2 && data[0] == '"' && data[len(data)-1] == '"' {
		data = bytes.TrimSpace(data[1 : len(data)-1])
		if len(data) == 0 {
			*q = 0
			return nil
		}
	}
	n, err := strconv.Atoi(string(data))
	if err != nil {
		return fmt.Errorf("quantity %s: not an integer", data)
	}
	*q = Quantity(n)
	return nil
}
