package hdf5

import (
	"github.com/arraylab/h5slab/h5err"
	"go.uber.org/zap"
)

const h5Signature = 0x0A1A0A0D46444889

// readSuperblock parses the superblock at offset 0, records the file's
// offset and length field widths, and returns the root group object header
// address. Versions 0 and 2 are supported; anything else fails rather than
// misparsing a newer layout.
func (s *Session) readSuperblock() (uint64, error) {
	var pos uint64

	if s.errorChecking {
		signature, err := s.readField(8, &pos)
		if err != nil {
			return 0, err
		}
		if signature != h5Signature {
			return 0, h5err.E(h5err.Format, "invalid h5 file signature: 0x%X", signature)
		}
	}

	pos = 8
	version, err := s.readField(1, &pos)
	if err != nil {
		return 0, err
	}
	switch version {
	case 0:
		return s.readSuperblockV0()
	case 2:
		return s.readSuperblockV2()
	}
	return 0, h5err.E(h5err.Format, "invalid h5 file superblock version: %d", version)
}

func (s *Session) readSuperblockV0() (uint64, error) {
	var pos uint64 = 9

	if s.errorChecking {
		// Offsets 9..12: free space version, root table version, a reserved
		// byte, and the shared header message version; all must be zero.
		for _, field := range []string{"free space version", "root table version", "reserved field", "shared header message version"} {
			version, err := s.readField(1, &pos)
			if err != nil {
				return 0, err
			}
			if version != 0 {
				return 0, h5err.E(h5err.Format, "invalid h5 file %s: %d", field, version)
			}
		}
	}

	pos = 13
	offsetSize, err := s.readField(1, &pos)
	if err != nil {
		return 0, err
	}
	lengthSize, err := s.readField(1, &pos)
	if err != nil {
		return 0, err
	}
	s.meta.OffsetSize = int64(offsetSize)
	s.meta.LengthSize = int64(lengthSize)
	leafK, err := s.readField(2, &pos)
	if err != nil {
		return 0, err
	}
	internalK, err := s.readField(2, &pos)
	if err != nil {
		return 0, err
	}

	pos = 64
	rootGroupOffset, err := s.readField(s.meta.OffsetSize, &pos)
	if err != nil {
		return 0, err
	}

	if s.verbose {
		s.log.Debug("superblock v0",
			zap.Int64("offset_size", s.meta.OffsetSize),
			zap.Int64("length_size", s.meta.LengthSize),
			zap.Uint64("group_leaf_k", leafK),
			zap.Uint64("group_internal_k", internalK),
			zap.Uint64("root_object_header", rootGroupOffset))
	}
	return rootGroupOffset, nil
}

func (s *Session) readSuperblockV2() (uint64, error) {
	var pos uint64 = 9

	offsetSize, err := s.readField(1, &pos)
	if err != nil {
		return 0, err
	}
	lengthSize, err := s.readField(1, &pos)
	if err != nil {
		return 0, err
	}
	s.meta.OffsetSize = int64(offsetSize)
	s.meta.LengthSize = int64(lengthSize)
	pos++ // file consistency flags

	// Base address, superblock extension address, and end-of-file address
	// precede the root group object header address.
	pos += 3 * uint64(s.meta.OffsetSize)
	rootGroupOffset, err := s.readField(s.meta.OffsetSize, &pos)
	if err != nil {
		return 0, err
	}

	if s.verbose {
		s.log.Debug("superblock v2",
			zap.Int64("offset_size", s.meta.OffsetSize),
			zap.Int64("length_size", s.meta.LengthSize),
			zap.Uint64("root_object_header", rootGroupOffset))
	}
	return rootGroupOffset, nil
}
