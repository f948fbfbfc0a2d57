package hdf5

import (
	"github.com/arraylab/h5slab/h5err"
	"go.uber.org/zap"
)

// readDataspaceMsg parses a v1 dataspace message into the metadata's
// dimensionality and extents. Maximum extents are skipped; permutation
// indexes are unsupported.
func (s *Session) readDataspaceMsg(pos uint64, hdrFlags uint8, dlvl int) (int64, error) {
	const (
		maxDimPresent    = 0x1
		permIndexPresent = 0x2
	)

	startingPosition := pos

	version, err := s.readField(1, &pos)
	if err != nil {
		return 0, err
	}
	dimensionality, err := s.readField(1, &pos)
	if err != nil {
		return 0, err
	}
	flags, err := s.readField(1, &pos)
	if err != nil {
		return 0, err
	}
	pos += 5 // reserved

	if s.errorChecking {
		if version != 1 {
			return 0, h5err.E(h5err.Format, "invalid dataspace version: %d", version)
		}
		if flags&permIndexPresent != 0 {
			return 0, h5err.E(h5err.Format, "unsupported permutation indexes")
		}
		if dimensionality > MaxNDims {
			return 0, h5err.E(h5err.Format, "unsupported number of dimensions: %d", dimensionality)
		}
	}

	s.meta.NDims = int(dimensionality)
	if s.meta.NDims > MaxNDims {
		s.meta.NDims = MaxNDims
	}
	if s.meta.NDims > 0 {
		for d := 0; d < s.meta.NDims; d++ {
			s.meta.Dims[d], err = s.readField(s.meta.LengthSize, &pos)
			if err != nil {
				return 0, err
			}
		}
		if flags&maxDimPresent != 0 {
			pos += uint64(s.meta.NDims) * uint64(s.meta.LengthSize)
		}
	}

	if s.verbose {
		s.log.Debug("dataspace message",
			zap.Int("dlvl", dlvl),
			zap.Uint64("position", startingPosition),
			zap.Int("ndims", s.meta.NDims),
			zap.Uint64s("dims", append([]uint64(nil), s.meta.Dims[:s.meta.NDims]...)))
	}
	return int64(pos - startingPosition), nil
}

// readDatatypeMsg parses a v1 datatype message. Fixed-point and
// floating-point classes are fully supported; the class-specific property
// fields are consumed positionally.
func (s *Session) readDatatypeMsg(pos uint64, hdrFlags uint8, dlvl int) (int64, error) {
	startingPosition := pos

	versionClass, err := s.readField(4, &pos)
	if err != nil {
		return 0, err
	}
	typeSize, err := s.readField(4, &pos)
	if err != nil {
		return 0, err
	}
	s.meta.TypeSize = int64(typeSize)
	version := (versionClass & 0xF0) >> 4
	databits := versionClass >> 8

	if s.errorChecking && version != 1 {
		return 0, h5err.E(h5err.Format, "invalid datatype version: %d", version)
	}

	s.meta.Type = TypeClass(versionClass & 0x0F)
	if s.verbose {
		s.log.Debug("datatype message",
			zap.Int("dlvl", dlvl),
			zap.Uint64("position", startingPosition),
			zap.Stringer("class", s.meta.Type),
			zap.Int64("size", s.meta.TypeSize))
	}

	switch s.meta.Type {
	case TypeFixedPoint:
		if !s.verbose {
			pos += 4
		} else {
			bitOffset, err := s.readField(2, &pos)
			if err != nil {
				return 0, err
			}
			bitPrecision, err := s.readField(2, &pos)
			if err != nil {
				return 0, err
			}
			s.log.Debug("fixed-point properties",
				zap.Uint64("byte_order", databits&0x1),
				zap.Uint64("pad_type", (databits&0x06)>>1),
				zap.Uint64("sign_location", (databits&0x08)>>3),
				zap.Uint64("bit_offset", bitOffset),
				zap.Uint64("bit_precision", bitPrecision))
		}
	case TypeFloatingPoint:
		if !s.verbose {
			pos += 12
		} else {
			bitOffset, err := s.readField(2, &pos)
			if err != nil {
				return 0, err
			}
			bitPrecision, err := s.readField(2, &pos)
			if err != nil {
				return 0, err
			}
			expLocation, err := s.readField(1, &pos)
			if err != nil {
				return 0, err
			}
			expSize, err := s.readField(1, &pos)
			if err != nil {
				return 0, err
			}
			mantLocation, err := s.readField(1, &pos)
			if err != nil {
				return 0, err
			}
			mantSize, err := s.readField(1, &pos)
			if err != nil {
				return 0, err
			}
			expBias, err := s.readField(4, &pos)
			if err != nil {
				return 0, err
			}
			s.log.Debug("floating-point properties",
				zap.Uint64("byte_order", ((databits&0x40)>>5)|(databits&0x1)),
				zap.Uint64("mantissa_norm", (databits&0x30)>>4),
				zap.Uint64("bit_offset", bitOffset),
				zap.Uint64("bit_precision", bitPrecision),
				zap.Uint64("exp_location", expLocation),
				zap.Uint64("exp_size", expSize),
				zap.Uint64("mant_location", mantLocation),
				zap.Uint64("mant_size", mantSize),
				zap.Uint64("exp_bias", expBias))
		}
	default:
		if s.errorChecking {
			return 0, h5err.E(h5err.Format, "unsupported datatype: %s", s.meta.Type)
		}
	}
	return int64(pos - startingPosition), nil
}

// readFillValueMsg parses a v2 fill value message. A defined fill value up
// to 8 bytes is stored for pre-filling the output buffer.
func (s *Session) readFillValueMsg(pos uint64, hdrFlags uint8, dlvl int) (int64, error) {
	startingPosition := pos

	version, err := s.readField(1, &pos)
	if err != nil {
		return 0, err
	}
	if s.errorChecking && version != 2 {
		return 0, h5err.E(h5err.Format, "invalid fill value version: %d", version)
	}
	pos += 2 // space allocation and fill value write times

	defined, err := s.readField(1, &pos)
	if err != nil {
		return 0, err
	}
	if defined != 0 {
		fillSize, err := s.readField(4, &pos)
		if err != nil {
			return 0, err
		}
		s.meta.FillSize = int64(fillSize)
		if s.meta.FillSize > 0 {
			s.meta.Fill, err = s.readField(s.meta.FillSize, &pos)
			if err != nil {
				return 0, err
			}
		}
	}

	if s.verbose {
		s.log.Debug("fill value message",
			zap.Int("dlvl", dlvl),
			zap.Uint64("position", startingPosition),
			zap.Int64("fill_size", s.meta.FillSize),
			zap.Uint64("fill", s.meta.Fill))
	}
	return int64(pos - startingPosition), nil
}

// readLinkInfoMsg parses a v0 link info message and, when the fractal heap
// address is valid, walks that heap for link messages.
func (s *Session) readLinkInfoMsg(pos uint64, hdrFlags uint8, dlvl int) (int64, error) {
	const (
		maxCreatePresentBit   = 0x01
		createOrderPresentBit = 0x02
	)

	startingPosition := pos

	version, err := s.readField(1, &pos)
	if err != nil {
		return 0, err
	}
	flags, err := s.readField(1, &pos)
	if err != nil {
		return 0, err
	}
	if s.errorChecking && version != 0 {
		return 0, h5err.E(h5err.Format, "invalid link info version: %d", version)
	}

	if flags&maxCreatePresentBit != 0 {
		if _, err := s.readField(8, &pos); err != nil { // maximum creation index
			return 0, err
		}
	}

	heapAddress, err := s.readField(s.meta.OffsetSize, &pos)
	if err != nil {
		return 0, err
	}
	nameIndex, err := s.readField(s.meta.OffsetSize, &pos)
	if err != nil {
		return 0, err
	}
	if flags&createOrderPresentBit != 0 {
		if _, err := s.readField(8, &pos); err != nil { // creation order index
			return 0, err
		}
	}
	if s.verbose {
		s.log.Debug("link info message",
			zap.Int("dlvl", dlvl),
			zap.Uint64("position", startingPosition),
			zap.Uint64("heap_address", heapAddress),
			zap.Uint64("name_index", nameIndex))
	}

	if !invalidField(heapAddress, s.meta.OffsetSize) {
		if err := s.readFractalHeap(msgLink, heapAddress, hdrFlags, dlvl); err != nil {
			return 0, err
		}
	}
	return int64(pos - startingPosition), nil
}

// readLinkMsg parses a v1 link message. A hard link whose name matches the
// next dataset path component descends into the referenced object header;
// soft and external links are read and never followed.
func (s *Session) readLinkMsg(pos uint64, hdrFlags uint8, dlvl int) (int64, error) {
	const (
		sizeOfLenOfNameMask   = 0x03
		createOrderPresentBit = 0x04
		linkTypePresentBit    = 0x08
		charSetPresentBit     = 0x10
	)

	startingPosition := pos

	version, err := s.readField(1, &pos)
	if err != nil {
		return 0, err
	}
	flags, err := s.readField(1, &pos)
	if err != nil {
		return 0, err
	}
	if s.errorChecking && version != 1 {
		return 0, h5err.E(h5err.Format, "invalid link version: %d", version)
	}

	var linkType uint64 // default hard link
	if flags&linkTypePresentBit != 0 {
		linkType, err = s.readField(1, &pos)
		if err != nil {
			return 0, err
		}
	}
	if flags&createOrderPresentBit != 0 {
		if _, err := s.readField(8, &pos); err != nil { // creation order
			return 0, err
		}
	}
	if flags&charSetPresentBit != 0 {
		if _, err := s.readField(1, &pos); err != nil { // character set
			return 0, err
		}
	}

	linkNameLenOfLen := int64(1) << (flags & sizeOfLenOfNameMask)
	linkNameLen, err := s.readField(linkNameLenOfLen, &pos)
	if err != nil {
		return 0, err
	}
	if s.errorChecking && linkNameLen > strBuffSize {
		return 0, h5err.E(h5err.Format, "link name exceeded maximum length: %d", linkNameLen)
	}
	nameBuf := make([]byte, linkNameLen)
	if err := s.readByteArray(nameBuf, &pos); err != nil {
		return 0, err
	}
	linkName := string(nameBuf)
	if s.verbose {
		s.log.Debug("link message",
			zap.Int("dlvl", dlvl),
			zap.Uint64("position", startingPosition),
			zap.Uint64("link_type", linkType),
			zap.String("name", linkName))
	}

	switch linkType {
	case 0: // hard link
		objHdrAddr, err := s.readField(s.meta.OffsetSize, &pos)
		if err != nil {
			return 0, err
		}
		if dlvl < len(s.path) && linkName == s.path[dlvl] {
			s.highestDataLevel = dlvl + 1
			if _, err := s.readObjHdr(objHdrAddr, s.highestDataLevel); err != nil {
				return 0, err
			}
		}
	case 1, 64: // soft and external links carry a length-prefixed payload
		linkLen, err := s.readField(2, &pos)
		if err != nil {
			return 0, err
		}
		target := make([]byte, linkLen)
		if err := s.readByteArray(target, &pos); err != nil {
			return 0, err
		}
		if s.verbose {
			s.log.Debug("unfollowed link", zap.String("name", linkName), zap.ByteString("target", target))
		}
	default:
		if s.errorChecking {
			return 0, h5err.E(h5err.Format, "invalid link type: %d", linkType)
		}
	}
	return int64(pos - startingPosition), nil
}

// readDataLayoutMsg parses a v3 data layout message into the metadata's
// layout class, data address, and chunk geometry.
func (s *Session) readDataLayoutMsg(pos uint64, hdrFlags uint8, dlvl int) (int64, error) {
	startingPosition := pos

	version, err := s.readField(1, &pos)
	if err != nil {
		return 0, err
	}
	layout, err := s.readField(1, &pos)
	if err != nil {
		return 0, err
	}
	s.meta.Layout = LayoutClass(layout)
	if s.errorChecking && version != 3 {
		return 0, h5err.E(h5err.Format, "invalid data layout version: %d", version)
	}
	if s.verbose {
		s.log.Debug("data layout message",
			zap.Int("dlvl", dlvl),
			zap.Uint64("position", startingPosition),
			zap.Stringer("layout", s.meta.Layout))
	}

	switch s.meta.Layout {
	case LayoutCompact:
		size, err := s.readField(2, &pos)
		if err != nil {
			return 0, err
		}
		s.meta.Size = int64(size)
		s.meta.Address = pos
		pos += size
	case LayoutContiguous:
		s.meta.Address, err = s.readField(s.meta.OffsetSize, &pos)
		if err != nil {
			return 0, err
		}
		size, err := s.readField(s.meta.LengthSize, &pos)
		if err != nil {
			return 0, err
		}
		s.meta.Size = int64(size)
	case LayoutChunked:
		// Dimensionality is stored plus one over the dataspace rank.
		rank, err := s.readField(1, &pos)
		if err != nil {
			return 0, err
		}
		chunkNumDim := int(rank) - 1
		if chunkNumDim > MaxNDims {
			chunkNumDim = MaxNDims
		}
		if s.errorChecking && chunkNumDim != s.meta.NDims {
			return 0, h5err.E(h5err.Format, "number of chunk dimensions does not match data dimensions: %d != %d", chunkNumDim, s.meta.NDims)
		}
		s.meta.Address, err = s.readField(s.meta.OffsetSize, &pos)
		if err != nil {
			return 0, err
		}
		if chunkNumDim > 0 {
			s.meta.ChunkElements = 1
			for d := 0; d < chunkNumDim; d++ {
				dim, err := s.readField(4, &pos)
				if err != nil {
					return 0, err
				}
				s.meta.ChunkElements *= int64(dim)
			}
		}
		elementSize, err := s.readField(4, &pos)
		if err != nil {
			return 0, err
		}
		s.meta.ElementSize = int64(elementSize)
	default:
		if s.errorChecking {
			return 0, h5err.E(h5err.Format, "invalid data layout: %d", s.meta.Layout)
		}
	}
	return int64(pos - startingPosition), nil
}

// readFilterMsg parses a v1 filter pipeline message. Only the DEFLATE and
// SHUFFLE identifiers are honored; anything past the known identifier
// range fails.
func (s *Session) readFilterMsg(pos uint64, hdrFlags uint8, dlvl int) (int64, error) {
	startingPosition := pos

	version, err := s.readField(1, &pos)
	if err != nil {
		return 0, err
	}
	numFiltersUsed, err := s.readField(1, &pos)
	if err != nil {
		return 0, err
	}
	pos += 6 // reserved
	if s.errorChecking && version != 1 {
		return 0, h5err.E(h5err.Format, "invalid filter version: %d", version)
	}
	if s.verbose {
		s.log.Debug("filter message",
			zap.Int("dlvl", dlvl),
			zap.Uint64("position", startingPosition),
			zap.Uint64("num_filters", numFiltersUsed))
	}

	for f := 0; f < int(numFiltersUsed); f++ {
		filter, err := s.readField(2, &pos)
		if err != nil {
			return 0, err
		}
		nameLen, err := s.readField(2, &pos)
		if err != nil {
			return 0, err
		}
		if _, err := s.readField(2, &pos); err != nil { // flags
			return 0, err
		}
		numParms, err := s.readField(2, &pos)
		if err != nil {
			return 0, err
		}
		pos += nameLen

		if filter >= numFilters {
			return 0, h5err.E(h5err.Format, "invalid filter specified: %d", filter)
		}
		s.meta.Filter[filter] = true

		pos += numParms * 4
		if numParms%2 == 1 {
			pos += 4
		}
	}
	return int64(pos - startingPosition), nil
}

// readHeaderContMsg follows a header continuation block. V1 headers point
// at raw v1 messages; v2 headers point at an OCHK block closed by a
// checksum.
func (s *Session) readHeaderContMsg(pos uint64, hdrFlags uint8, dlvl int) (int64, error) {
	hcOffset, err := s.readField(s.meta.OffsetSize, &pos)
	if err != nil {
		return 0, err
	}
	hcLength, err := s.readField(s.meta.LengthSize, &pos)
	if err != nil {
		return 0, err
	}
	if s.verbose {
		s.log.Debug("header continuation message",
			zap.Int("dlvl", dlvl),
			zap.Uint64("offset", hcOffset),
			zap.Uint64("length", hcLength))
	}

	pos = hcOffset
	if hdrFlags&flagV1 != 0 {
		endOfChdr := hcOffset + hcLength
		if _, err := s.readMessagesV1(pos, endOfChdr, hdrFlags, dlvl); err != nil {
			return 0, err
		}
	} else {
		if s.errorChecking {
			signature, err := s.readField(4, &pos)
			if err != nil {
				return 0, err
			}
			if signature != ochkSignature {
				return 0, h5err.E(h5err.Format, "invalid header continuation signature: 0x%X", signature)
			}
		} else {
			pos += 4
		}
		endOfChdr := hcOffset + hcLength - 4 // leave the trailing checksum
		n, err := s.readMessages(pos, endOfChdr, hdrFlags, dlvl)
		if err != nil {
			return 0, err
		}
		pos += uint64(n)
		if _, err := s.readField(4, &pos); err != nil { // checksum
			return 0, err
		}
	}
	return s.meta.OffsetSize + s.meta.LengthSize, nil
}
