package hdf5

import (
	"encoding/binary"

	"github.com/arraylab/h5slab/h5err"
)

func (s *Session) request(size int64, pos *uint64, hint int64) ([]byte, bool, error) {
	return s.cache.Request(s.rdr, size, pos, hint)
}

// readField reads a size-byte little-endian unsigned integer at *pos and
// advances *pos. Widths taken from the file, such as fractal-heap block
// offsets and fill values, can land on any width in [1,8], not just the
// power-of-two sizes.
func (s *Session) readField(size int64, pos *uint64) (uint64, error) {
	if size < 1 || size > 8 {
		return 0, h5err.E(h5err.Format, "invalid field size: %d", size)
	}
	b, _, err := s.request(size, pos, 0)
	if err != nil {
		return 0, err
	}
	switch size {
	case 8:
		return binary.LittleEndian.Uint64(b), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(b)), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(b)), nil
	case 1:
		return uint64(b[0]), nil
	default:
		var v uint64
		for i := size - 1; i >= 0; i-- {
			v = v<<8 | uint64(b[i])
		}
		return v, nil
	}
}

// readByteArray fills dst from *pos and advances *pos.
func (s *Session) readByteArray(dst []byte, pos *uint64) error {
	b, _, err := s.request(int64(len(dst)), pos, 0)
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

// readCString reads a NUL-terminated string at *pos, capped at the link
// name buffer size, advancing *pos past the terminator.
func (s *Session) readCString(pos *uint64) (string, error) {
	var name []byte
	for {
		if len(name) >= strBuffSize {
			return "", h5err.E(h5err.Format, "link name string exceeded maximum length: %d", len(name))
		}
		c, err := s.readField(1, pos)
		if err != nil {
			return "", err
		}
		if c == 0 {
			return string(name), nil
		}
		name = append(name, byte(c))
	}
}
