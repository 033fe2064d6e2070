package mqttbroker

import (
	"bufio"
	"fmt"
	"io"
)

// bytesReader consumes an MQTT packet body front to back.
type bytesReader []byte

func (b *bytesReader) readByte() (byte, error) {
	if len(*b) == 0 {
		return 0, io.EOF
	}
	v := (*b)[0]
	*b = (*b)[1:]
	return v, nil
}

func (b *bytesReader) readUint16() (uint16, error) {
	if len(*b) < 2 {
		return 0, io.EOF
	}
	v := uint16((*b)[0])<<8 | uint16((*b)[1])
	*b = (*b)[2:]
	return v, nil
}

// readString reads a length-prefixed UTF-8 string.
func (b *bytesReader) readString() (string, error) {
	n, err := b.readUint16()
	if err != nil {
		return "", err
	}
	if len(*b) < int(n) {
		return "", io.ErrUnexpectedEOF
	}
	s := string((*b)[:n])
	*b = (*b)[n:]
	return s, nil
}

func (b *bytesReader) readBytes(n int) []byte {
	n = min(n, len(*b))
	out := make([]byte, n)
	copy(out, (*b)[:n])
	*b = (*b)[n:]
	return out
}

func (b *bytesReader) remaining() int {
	return len(*b)
}

// readVarInt decodes the remaining-length field (at most four bytes).
func readVarInt(r *bufio.Reader) (int, error) {
	multiplier, value := 1, 0
	for range 4 {
		digit, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(digit&127) * multiplier
		if digit&128 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
	return 0, fmt.Errorf("malformed remaining length")
}

func encodeRemainingLength(length int) []byte {
	length = max(length, 0)
	encoded := make([]byte, 0, 4)
	for {
		digit := byte(length % 128)
		length /= 128
		if length > 0 {
			digit |= 0x80
		}
		encoded = append(encoded, digit)
		if length == 0 {
			return encoded
		}
	}
}
