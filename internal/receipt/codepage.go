package receipt

// Unknown is written for any rune the code page cannot represent, one byte
// per rune so fixed-width columns stay aligned.
const Unknown byte = '?'

// cp850 maps the extended characters used on menus to their single-byte
// values in the printer's code page (selected with ESC t 2).
var cp850 = map[rune]byte{
	'€': 0xEE,
	'ä': 0x84,
	'Ä': 0x8E,
	'ö': 0x94,
	'Ö': 0x99,
	'å': 0x86,
	'Å': 0x8F,
	'é': 0x82,
	'É': 0x90,
	'è': 0x8A,
	'à': 0x85,
	'ü': 0x81,
	'Ü': 0x9A,
}

// MapRune returns the printer byte for r.
func MapRune(r rune) byte {
	if r < 0x80 {
		return byte(r)
	}
	if b, ok := cp850[r]; ok {
		return b
	}
	return Unknown
}

// EncodeText appends the code-page form of s to dst, one byte per rune.
func EncodeText(dst []byte, s string) []byte {
	for _, r := range s {
		dst = append(dst, MapRune(r))
	}
	return dst
}
