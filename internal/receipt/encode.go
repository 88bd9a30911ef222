package receipt

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// EncodeOptions sets the column layout. Zero values take the defaults used
// for 58mm paper with Font A.
type EncodeOptions struct {
	NameWidth  int    // Item name column, in characters. Default 20.
	PriceWidth int    // Amount column excluding the currency sign. Default 7.
	Currency   string // Default "€".
}

func (o EncodeOptions) withDefaults() EncodeOptions {
	if o.NameWidth <= 0 {
		o.NameWidth = 20
	}
	if o.PriceWidth <= 0 {
		o.PriceWidth = 7
	}
	if o.Currency == "" {
		o.Currency = "€"
	}
	return o
}

// LineWidth is the full width of an item line.
func (o EncodeOptions) LineWidth() int {
	o = o.withDefaults()
	return o.NameWidth + 1 + utf8.RuneCountInString(o.Currency) + o.PriceWidth
}

// Encode renders r as an ESC/POS byte stream: reset, code page select,
// layout, partial cut. The same receipt always yields the same bytes.
func Encode(r Receipt, opts EncodeOptions) []byte {
	w := &escposWriter{buf: make([]byte, 0, 512)}
	w.buf = append(w.buf, cmdInit...)
	w.buf = append(w.buf, cmdCodePageCP850...)
	layout(r, opts.withDefaults(), w)
	w.buf = append(w.buf, cmdPartialCut...)
	return w.buf
}

// Preview renders r as plain text with the same line structure as Encode.
func Preview(r Receipt, opts EncodeOptions) string {
	opts = opts.withDefaults()
	w := &textWriter{width: opts.LineWidth()}
	layout(r, opts, w)
	w.flush()
	return strings.Join(w.lines, "\n")
}

func layout(r Receipt, o EncodeOptions, w writer) {
	if r.Header != nil {
		w.align(alignOr(r.Header.Alignment, AlignCenter))
		w.doubleSize(true)
		if r.Header.Bold {
			w.bold(true)
		}
		block(w, r.Header.Text)
		w.newline()
		if r.Header.Bold {
			w.bold(false)
		}
		w.doubleSize(false)
	}

	w.align(AlignLeft)
	meta := false
	if r.OrderNumber != "" {
		line(w, "Order: "+r.OrderNumber)
		meta = true
	}
	if !r.Timestamp.IsZero() {
		line(w, "Date: "+r.Timestamp.Format("2006-01-02 15:04"))
		meta = true
	}
	if r.CustomerName != "" {
		line(w, "Customer: "+r.CustomerName)
		meta = true
	}
	if meta {
		w.newline()
	}

	for _, it := range r.Items {
		item(w, it, o)
	}
	if len(r.Items) > 0 {
		w.newline()
	}

	w.bold(true)
	w.text(padRight("TOTAL", o.NameWidth) + " " + price(r.Total, o))
	w.bold(false)
	w.newline()
	w.newline()

	if r.Footer != nil {
		w.align(alignOr(r.Footer.Alignment, AlignCenter))
		block(w, r.Footer.Text)
		w.newline()
	}
}

func item(w writer, it Item, o EncodeOptions) {
	names := wrap(it.Name, o.NameWidth)
	line(w, padRight(names[0], o.NameWidth)+" "+price(it.LineTotal, o))
	for _, n := range names[1:] {
		line(w, n)
	}

	if it.Quantity > 1 {
		line(w, fmt.Sprintf("  Qty: %d", it.Quantity))
	}
	if it.Size != "" && !strings.Contains(strings.ToLower(it.Name), strings.ToLower(it.Size)) {
		line(w, "  Size: "+it.Size)
	}
	for _, tp := range it.Toppings {
		s := "  + " + tp.Name
		if tp.Price.Sign() > 0 {
			s += " (+" + o.Currency + tp.Price.StringFixed(2) + ")"
		}
		line(w, s)
	}
	if notes := strings.TrimSpace(it.Notes); notes != "" {
		line(w, "  Special: "+notes)
	}
}

func line(w writer, s string) {
	w.text(s)
	w.newline()
}

func block(w writer, text string) {
	for _, l := range strings.Split(text, "\n") {
		line(w, l)
	}
}

func alignOr(a, fallback Alignment) Alignment {
	if a == "" {
		return fallback
	}
	return a
}

func price(d decimal.Decimal, o EncodeOptions) string {
	return o.Currency + padLeft(d.StringFixed(2), o.PriceWidth)
}

func padRight(s string, width int) string {
	if n := utf8.RuneCountInString(s); n < width {
		return s + strings.Repeat(" ", width-n)
	}
	return s
}

func padLeft(s string, width int) string {
	if n := utf8.RuneCountInString(s); n < width {
		return strings.Repeat(" ", width-n) + s
	}
	return s
}

// wrap breaks s into lines of at most width runes, on spaces where possible.
func wrap(s string, width int) []string {
	words := strings.Fields(s)
	if len(words) == 0 {
		return []string{""}
	}

	var lines []string
	cur := ""
	for _, word := range words {
		for utf8.RuneCountInString(word) > width {
			if cur != "" {
				lines = append(lines, cur)
				cur = ""
			}
			runes := []rune(word)
			lines = append(lines, string(runes[:width]))
			word = string(runes[width:])
		}
		switch {
		case cur == "":
			cur = word
		case utf8.RuneCountInString(cur)+1+utf8.RuneCountInString(word) <= width:
			cur += " " + word
		default:
			lines = append(lines, cur)
			cur = word
		}
	}
	if cur != "" {
		lines = append(lines, cur)
	}
	return lines
}

type textWriter struct {
	width int
	cur   strings.Builder
	a     Alignment
	lines []string
}

func (w *textWriter) align(a Alignment) { w.a = a }
func (w *textWriter) doubleSize(bool)   {}
func (w *textWriter) bold(bool)         {}
func (w *textWriter) text(s string)     { w.cur.WriteString(s) }

func (w *textWriter) newline() {
	s := w.cur.String()
	w.cur.Reset()
	n := utf8.RuneCountInString(s)
	switch {
	case w.a == AlignCenter && n < w.width:
		s = strings.Repeat(" ", (w.width-n)/2) + s
	case w.a == AlignRight && n < w.width:
		s = strings.Repeat(" ", w.width-n) + s
	}
	w.lines = append(w.lines, strings.TrimRight(s, " "))
}

func (w *textWriter) flush() {
	if w.cur.Len() > 0 {
		w.newline()
	}
}
