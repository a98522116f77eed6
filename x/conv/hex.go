// Package conv formats console numbers without fmt, so MCU builds stay small.
package conv

const hexDigits = "0123456789ABCDEF"

// AppendHex appends n as uppercase hex, zero-padded to width digits. Digits
// above width are kept, so a too-small width never truncates.
func AppendHex(dst []byte, n uint64, width int) []byte {
	var buf [16]byte
	i := len(buf)
	for n > 0 || len(buf)-i < width {
		if i == 0 {
			break
		}
		i--
		buf[i] = hexDigits[n&0xF]
		n >>= 4
	}
	return append(dst, buf[i:]...)
}
