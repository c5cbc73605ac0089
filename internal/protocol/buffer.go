package protocol

import (
	"fmt"
)

// Buffer is a forward-only cursor over a response payload. Every read checks
// the remaining length first and fails with ErrTruncated instead of reading
// past the end.
type Buffer []byte

// NewBuffer wraps data without copying it.
func NewBuffer(data []byte) *Buffer {
	buf := Buffer(data)
	return &buf
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int {
	return len(*b)
}

// Next consumes n raw bytes.
func (b *Buffer) Next(n int) ([]byte, error) {
	if n < 0 || len(*b) < n {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrTruncated, n, len(*b))
	}
	out := (*b)[:n]
	*b = (*b)[n:]
	return out, nil
}

// ASCII consumes n bytes as text.
func (b *Buffer) ASCII(n int) (string, error) {
	raw, err := b.Next(n)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// ASCIIDecimal consumes n ASCII digits as an integer.
func (b *Buffer) ASCIIDecimal(n int) (int, error) {
	raw, err := b.Next(n)
	if err != nil {
		return 0, err
	}
	return ASCIIDecimal(raw)
}

// Uint consumes n bytes as a big-endian unsigned integer.
func (b *Buffer) Uint(n int) (uint64, error) {
	raw, err := b.Next(n)
	if err != nil {
		return 0, err
	}
	return Uint(raw), nil
}

// BCD consumes n bytes of packed BCD digits.
func (b *Buffer) BCD(n int) (string, error) {
	raw, err := b.Next(n)
	if err != nil {
		return "", err
	}
	return BCDString(raw)
}
