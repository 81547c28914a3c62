package bf

import (
	"unicode/utf16"
	"unicode/utf8"
)

// InputStream is a forward-only reader over a fixed byte sequence. Reading
// past the end yields 0.
type InputStream struct {
	values []uint8
	ptr    int
}

// NewInputStream truncates each UTF-16 code unit of the input to its low 8
// bits. Input that is not valid UTF-8 is taken as raw bytes.
func NewInputStream(input string) *InputStream {
	if !utf8.ValidString(input) {
		return NewInputStreamBytes([]byte(input))
	}
	units := utf16.Encode([]rune(input))
	values := make([]uint8, len(units))
	for i, u := range units {
		values[i] = uint8(u & 0xff)
	}
	return &InputStream{values: values}
}

// NewInputStreamBytes reads the bytes unchanged
func NewInputStreamBytes(input []byte) *InputStream {
	values := make([]uint8, len(input))
	copy(values, input)
	return &InputStream{values: values}
}

func (s *InputStream) Read() uint8 {
	if s.ptr >= len(s.values) {
		return 0
	}
	v := s.values[s.ptr]
	s.ptr++
	return v
}

// Remaining reports the number of unread bytes
func (s *InputStream) Remaining() int {
	return len(s.values) - s.ptr
}
