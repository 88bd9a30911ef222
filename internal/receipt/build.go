package receipt

import (
	"fmt"
	"strings"
	"time"
)

// BuildOptions controls the fixed parts of a receipt.
type BuildOptions struct {
	Header string           // Restaurant name; "ORDER" when empty.
	Footer string           // Omitted when empty.
	Now    func() time.Time // Fallback timestamp source; time.Now when nil.
}

// Build maps an application order into a Receipt. Missing optional data
// (toppings, notes, customer details) is left out rather than treated as an
// error; Validate reports what is missing.
func Build(order Order, opts BuildOptions) Receipt {
	header := opts.Header
	if header == "" {
		header = "ORDER"
	}

	r := Receipt{
		Header:       &TextBlock{Text: header, Alignment: AlignCenter, Bold: true},
		OrderNumber:  strings.TrimSpace(order.OrderNumber),
		CustomerName: strings.TrimSpace(order.CustomerName),
		Timestamp:    orderTime(order.CreatedAt, opts.Now),
	}
	if opts.Footer != "" {
		r.Footer = &TextBlock{Text: opts.Footer, Alignment: AlignCenter}
	}

	for _, oi := range order.Items {
		r.Items = append(r.Items, buildItem(oi))
	}

	r.Total = order.TotalAmount.Round(2)
	if r.Total.IsZero() {
		r.Total = r.ItemsTotal()
	}
	return r
}

func buildItem(oi OrderItem) Item {
	in := ParseInstructions(oi.SpecialInstructions)

	qty := int(oi.Quantity)
	if qty <= 0 {
		qty = 1
	}

	unit := oi.UnitPrice
	if unit.IsZero() && oi.MenuItem != nil {
		unit = oi.MenuItem.Price
	}

	toppings := in.Toppings
	if len(oi.Toppings) > 0 {
		toppings = make([]Topping, 0, len(oi.Toppings))
		for _, t := range oi.Toppings {
			toppings = append(toppings, Topping{Name: t.Name, Price: t.Price.Round(2)})
		}
	}

	it := Item{
		Name:      withSize(strings.TrimSpace(oi.DisplayName()), in.Size),
		Quantity:  qty,
		UnitPrice: unit.Round(2),
		Size:      in.Size,
		Toppings:  toppings,
		Notes:     in.Notes,
	}
	it.LineTotal = oi.TotalPrice.Round(2)
	if it.LineTotal.IsZero() {
		it.LineTotal = it.ExpectedTotal()
	}
	return it
}

func orderTime(createdAt string, now func() time.Time) time.Time {
	if createdAt != "" {
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
			if t, err := time.Parse(layout, createdAt); err == nil {
				return t
			}
		}
	}
	if now == nil {
		return time.Now()
	}
	return now()
}

// Validation is the outcome of Validate. Errors are fatal; warnings are not.
type Validation struct {
	Warnings []string `json:"warnings"`
	Errors   []string `json:"errors"`
}

// Valid reports whether there are no fatal errors.
func (v Validation) Valid() bool { return len(v.Errors) == 0 }

// Err returns a *ValidationError when there are fatal errors.
func (v Validation) Err() error {
	if v.Valid() {
		return nil
	}
	return &ValidationError{Errors: v.Errors, Warnings: v.Warnings}
}

// ValidationError aborts a print before any byte reaches a transport.
type ValidationError struct {
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings,omitempty"`
}

func (e *ValidationError) Error() string {
	return "invalid receipt: " + strings.Join(e.Errors, ", ")
}

// Validate checks a receipt before encoding.
func Validate(r Receipt) Validation {
	var v Validation

	if strings.TrimSpace(r.OrderNumber) == "" {
		v.Errors = append(v.Errors, "missing order id")
	}
	if len(r.Items) == 0 {
		v.Errors = append(v.Errors, "no items")
	}
	if strings.TrimSpace(r.CustomerName) == "" {
		v.Warnings = append(v.Warnings, "missing customer name")
	}

	for i, it := range r.Items {
		label := fmt.Sprintf("item %d", i+1)
		if strings.TrimSpace(it.Name) == "" {
			v.Warnings = append(v.Warnings, label+": missing name")
		} else {
			label += " (" + it.Name + ")"
		}
		if it.UnitPrice.Sign() <= 0 {
			v.Warnings = append(v.Warnings, label+": missing price")
		}
		if want := it.ExpectedTotal(); !it.LineTotal.Equal(want) {
			v.Warnings = append(v.Warnings, fmt.Sprintf("%s: line total %s does not match %s",
				label, it.LineTotal.StringFixed(2), want.StringFixed(2)))
		}
	}

	if len(r.Items) > 0 {
		if sum := r.ItemsTotal(); !r.Total.Round(2).Equal(sum) {
			v.Warnings = append(v.Warnings, fmt.Sprintf("total %s does not match items %s",
				r.Total.StringFixed(2), sum.StringFixed(2)))
		}
	}
	return v
}
