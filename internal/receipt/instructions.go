package receipt

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	sizePattern     = regexp.MustCompile(`(?i)\b(?:size|koko):\s*([^;,\n]+)`)
	toppingsPattern = regexp.MustCompile(`(?i)\b(?:toppings|täytteet):\s*([^;\n]+)`)
	notesLabel      = regexp.MustCompile(`(?i)^(special instructions|special|notes?):\s*`)
	toppingPrice    = regexp.MustCompile(`^(.*?)\s*\(\s*\+?\s*€?\s*([0-9]+(?:[.,][0-9]{1,2})?)\s*€?\s*\)$`)
)

// Instructions is the structured content of a special-instructions string.
type Instructions struct {
	Size     string
	Toppings []Topping
	Notes    string
}

// ParseInstructions splits free text such as
// "Size: Large; Toppings: Cheese (+1.50), Olives; no onions" into its size,
// topping, and note parts. Each token is consumed exactly once.
func ParseInstructions(text string) Instructions {
	var in Instructions
	rest := text

	if m := sizePattern.FindStringSubmatchIndex(rest); m != nil {
		in.Size = strings.TrimSpace(rest[m[2]:m[3]])
		rest = rest[:m[0]] + rest[m[1]:]
	}

	if m := toppingsPattern.FindStringSubmatchIndex(rest); m != nil {
		in.Toppings = parseToppings(rest[m[2]:m[3]])
		rest = rest[:m[0]] + rest[m[1]:]
	}

	in.Notes = cleanNotes(rest)
	return in
}

func parseToppings(list string) []Topping {
	var out []Topping
	for _, raw := range splitTopLevel(list) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		tp := Topping{Name: raw}
		if m := toppingPrice.FindStringSubmatch(raw); m != nil {
			if price, err := decimal.NewFromString(strings.ReplaceAll(m[2], ",", ".")); err == nil {
				tp.Name = strings.TrimSpace(m[1])
				tp.Price = price.Round(2)
			}
		}
		out = append(out, tp)
	}
	return out
}

// splitTopLevel splits on commas outside parentheses so "(+2,50)" survives.
func splitTopLevel(list string) []string {
	var (
		out   []string
		depth int
		start int
	)
	for i, r := range list {
		switch r {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				out = append(out, list[start:i])
				start = i + 1
			}
		}
	}
	return append(out, list[start:])
}

// cleanNotes trims leftover separators after the structured tokens are cut out.
func cleanNotes(rest string) string {
	parts := strings.FieldsFunc(rest, func(r rune) bool { return r == ';' || r == '\n' })
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(strings.TrimSpace(p), ",")
		p = strings.TrimSpace(notesLabel.ReplaceAllString(p, ""))
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "; ")
}

// withSize folds size into name as "Name (Size)" unless it is already there.
func withSize(name, size string) string {
	if size == "" {
		return name
	}
	if strings.Contains(strings.ToLower(name), "("+strings.ToLower(size)+")") {
		return name
	}
	return name + " (" + size + ")"
}
