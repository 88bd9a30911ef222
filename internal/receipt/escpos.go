package receipt

// ESC/POS command sequences.
var (
	cmdInit          = []byte{0x1B, 0x40}
	cmdCodePageCP850 = []byte{0x1B, 0x74, 0x02}
	cmdAlignLeft     = []byte{0x1B, 0x61, 0x00}
	cmdAlignCenter   = []byte{0x1B, 0x61, 0x01}
	cmdAlignRight    = []byte{0x1B, 0x61, 0x02}
	cmdBoldOn        = []byte{0x1B, 0x45, 0x01}
	cmdBoldOff       = []byte{0x1B, 0x45, 0x00}
	cmdSizeNormal    = []byte{0x1B, 0x21, 0x00}
	cmdSizeDouble    = []byte{0x1B, 0x21, 0x30}
	cmdPartialCut    = []byte{0x1D, 0x56, 0x01}
)

const lineFeed = 0x0A

// StatusRequest is the real-time printer status query (DLE EOT 1).
var StatusRequest = []byte{0x10, 0x04, 0x01}

// writer receives the receipt layout. escposWriter turns it into printer
// bytes, textWriter into a plain-text preview.
type writer interface {
	align(a Alignment)
	doubleSize(on bool)
	bold(on bool)
	text(s string)
	newline()
}

type escposWriter struct {
	buf []byte
}

func (w *escposWriter) align(a Alignment) {
	switch a {
	case AlignCenter:
		w.buf = append(w.buf, cmdAlignCenter...)
	case AlignRight:
		w.buf = append(w.buf, cmdAlignRight...)
	default:
		w.buf = append(w.buf, cmdAlignLeft...)
	}
}

func (w *escposWriter) doubleSize(on bool) {
	if on {
		w.buf = append(w.buf, cmdSizeDouble...)
		return
	}
	w.buf = append(w.buf, cmdSizeNormal...)
}

func (w *escposWriter) bold(on bool) {
	if on {
		w.buf = append(w.buf, cmdBoldOn...)
		return
	}
	w.buf = append(w.buf, cmdBoldOff...)
}

func (w *escposWriter) text(s string) { w.buf = EncodeText(w.buf, s) }
func (w *escposWriter) newline()      { w.buf = append(w.buf, lineFeed) }
