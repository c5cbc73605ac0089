package protocol

import (
	"fmt"
	"strings"
)

// ASCIIDecimal parses a run of ASCII digits. An empty input yields 0.
func ASCIIDecimal(raw []byte) (int, error) {
	n := 0
	for _, c := range raw {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: non-digit %q in %q", ErrInvalidField, c, raw)
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// Uint accumulates raw as a big-endian unsigned integer.
func Uint(raw []byte) uint64 {
	var n uint64
	for _, c := range raw {
		n = n<<8 | uint64(c)
	}
	return n
}

// BCDString renders packed BCD as decimal digits, two per byte.
func BCDString(raw []byte) (string, error) {
	var sb strings.Builder
	sb.Grow(len(raw) * 2)
	for _, c := range raw {
		hi, lo := c>>4, c&0x0f
		if hi > 9 || lo > 9 {
			return "", fmt.Errorf("%w: invalid BCD byte 0x%02x", ErrInvalidField, c)
		}
		sb.WriteByte('0' + hi)
		sb.WriteByte('0' + lo)
	}
	return sb.String(), nil
}

// BCDDateTime renders 7 BCD bytes as "YYYY.MM.DD-hh:mm:ss".
func BCDDateTime(raw []byte) (string, error) {
	if len(raw) != 7 {
		return "", fmt.Errorf("%w: date-time needs 7 bytes, got %d", ErrInvalidField, len(raw))
	}
	d, err := BCDString(raw)
	if err != nil {
		return "", err
	}
	return d[0:4] + "." + d[4:6] + "." + d[6:8] + "-" + d[8:10] + ":" + d[10:12] + ":" + d[12:14], nil
}

// BCDDate renders 4 BCD bytes as "YYYY.MM.DD".
func BCDDate(raw []byte) (string, error) {
	if len(raw) != 4 {
		return "", fmt.Errorf("%w: date needs 4 bytes, got %d", ErrInvalidField, len(raw))
	}
	d, err := BCDString(raw)
	if err != nil {
		return "", err
	}
	return d[0:4] + "." + d[4:6] + "." + d[6:8], nil
}

// BCDTime renders 2 BCD bytes as "hh:mm".
func BCDTime(raw []byte) (string, error) {
	if len(raw) != 2 {
		return "", fmt.Errorf("%w: time needs 2 bytes, got %d", ErrInvalidField, len(raw))
	}
	d, err := BCDString(raw)
	if err != nil {
		return "", err
	}
	return d[0:2] + ":" + d[2:4], nil
}

// MAC renders 6 bytes as a colon separated hardware address.
func MAC(raw []byte) string {
	parts := make([]string, len(raw))
	for i, c := range raw {
		parts[i] = fmt.Sprintf("%02X", c)
	}
	return strings.Join(parts, ":")
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
