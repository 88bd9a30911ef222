// Package receipt turns application orders into a normalized Receipt and
// renders receipts as ESC/POS byte streams for thermal printers.
//
// Everything in this package is pure: no I/O, no clocks except the one
// passed in through BuildOptions, so output is byte-for-byte reproducible.
package receipt

import (
	"time"

	"github.com/shopspring/decimal"
)

// Alignment positions a text block on the paper.
type Alignment string

const (
	AlignLeft   Alignment = "left"
	AlignCenter Alignment = "center"
	AlignRight  Alignment = "right"
)

// TextBlock is a header or footer paragraph. Text may span several lines.
type TextBlock struct {
	Text      string    `json:"text"`
	Alignment Alignment `json:"alignment"`
	Bold      bool      `json:"bold,omitempty"`
}

// Topping is an add-on printed under its parent item.
type Topping struct {
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

// Item is one receipt line with its sub-lines.
type Item struct {
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	LineTotal decimal.Decimal `json:"line_total"`
	Size      string          `json:"size,omitempty"`
	Toppings  []Topping       `json:"toppings,omitempty"`
	Notes     string          `json:"notes,omitempty"`
}

// ExpectedTotal is unit price × quantity plus the topping prices.
func (it Item) ExpectedTotal() decimal.Decimal {
	total := it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity)))
	for _, tp := range it.Toppings {
		total = total.Add(tp.Price)
	}
	return total.Round(2)
}

// Receipt is the printable form of one order. Build returns a fresh value per
// print request; nothing mutates it afterwards.
type Receipt struct {
	Header       *TextBlock      `json:"header,omitempty"`
	Items        []Item          `json:"items"`
	Total        decimal.Decimal `json:"total"`
	Footer       *TextBlock      `json:"footer,omitempty"`
	OrderNumber  string          `json:"order_number"`
	CustomerName string          `json:"customer_name,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// ItemsTotal sums the line totals.
func (r Receipt) ItemsTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, it := range r.Items {
		sum = sum.Add(it.LineTotal)
	}
	return sum.Round(2)
}

// TestReceipt is the fixed receipt sent by a printer self-test.
func TestReceipt(now time.Time) Receipt {
	return Receipt{
		Header: &TextBlock{
			Text:      "TEST RECEIPT\n==================",
			Alignment: AlignCenter,
			Bold:      true,
		},
		Items: []Item{
			{
				Name:      "Test Item 1",
				Quantity:  1,
				UnitPrice: decimal.RequireFromString("10.50"),
				LineTotal: decimal.RequireFromString("10.50"),
			},
			{
				Name:      "Test Item 2",
				Quantity:  2,
				UnitPrice: decimal.RequireFromString("5.25"),
				LineTotal: decimal.RequireFromString("10.50"),
			},
		},
		Total: decimal.RequireFromString("21.00"),
		Footer: &TextBlock{
			Text:      "Thank you for testing!\n==================",
			Alignment: AlignCenter,
		},
		OrderNumber: "TEST-001",
		Timestamp:   now,
	}
}
