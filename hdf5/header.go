package hdf5

import (
	"github.com/arraylab/h5slab/h5err"
	"go.uber.org/zap"
)

const (
	ohdrSignature = 0x5244484F // "OHDR"
	ochkSignature = 0x4B48434F // "OCHK"
)

// Header message types.
const (
	msgDataspace   = 0x01
	msgLinkInfo    = 0x02
	msgDatatype    = 0x03
	msgFillValue   = 0x05
	msgLink        = 0x06
	msgDataLayout  = 0x08
	msgFilter      = 0x0B
	msgHeaderCont  = 0x10
	msgSymbolTable = 0x11
)

// Object header flag bits.
const (
	sizeOfChunk0Mask     = 0x03
	attrCreationTrackBit = 0x04
	storeChangePhaseBit  = 0x10
	fileStatsBit         = 0x20

	// flagV1 is an internal marker on hdrFlags telling the continuation
	// reader that the containing header is version 1, whose continuation
	// blocks hold raw v1 messages with no prefix.
	flagV1 = 0x80
)

// readObjHdr parses the object header at pos, dispatching each message.
// dlvl is the depth in the dataset path the header was reached at; message
// handlers that resolve a path component recurse with dlvl+1.
func (s *Session) readObjHdr(pos uint64, dlvl int) (int64, error) {
	startingPosition := pos

	// Version 1 headers have no signature; peek one byte.
	peekPos := pos
	peek, err := s.readField(1, &peekPos)
	if err != nil {
		return 0, err
	}
	if peek == 1 {
		return s.readObjHdrV1(startingPosition, dlvl)
	}

	if !s.errorChecking {
		pos += 5
	} else {
		signature, err := s.readField(4, &pos)
		if err != nil {
			return 0, err
		}
		if signature != ohdrSignature {
			return 0, h5err.E(h5err.Format, "invalid header signature: 0x%X", signature)
		}
		version, err := s.readField(1, &pos)
		if err != nil {
			return 0, err
		}
		if version != 2 {
			return 0, h5err.E(h5err.Format, "invalid header version: %d", version)
		}
	}

	flags64, err := s.readField(1, &pos)
	if err != nil {
		return 0, err
	}
	hdrFlags := uint8(flags64)
	if hdrFlags&fileStatsBit != 0 {
		pos += 16 // access, modification, change, and birth times
	}
	if hdrFlags&storeChangePhaseBit != 0 {
		pos += 4 // max compact and min dense attribute counts
	}

	sizeOfChunk0, err := s.readField(int64(1)<<(hdrFlags&sizeOfChunk0Mask), &pos)
	if err != nil {
		return 0, err
	}
	if s.verbose {
		s.log.Debug("object header v2",
			zap.Int("dlvl", dlvl),
			zap.Uint64("position", startingPosition),
			zap.Uint64("chunk0_size", sizeOfChunk0))
	}
	endOfHdr := pos + sizeOfChunk0
	n, err := s.readMessages(pos, endOfHdr, hdrFlags, dlvl)
	if err != nil {
		return 0, err
	}
	pos += uint64(n)

	if _, err := s.readField(4, &pos); err != nil { // checksum
		return 0, err
	}
	return int64(pos - startingPosition), nil
}

func (s *Session) readObjHdrV1(pos uint64, dlvl int) (int64, error) {
	startingPosition := pos

	if !s.errorChecking {
		pos += 2
	} else {
		version, err := s.readField(1, &pos)
		if err != nil {
			return 0, err
		}
		if version != 1 {
			return 0, h5err.E(h5err.Format, "invalid header version: %d", version)
		}
		reserved, err := s.readField(1, &pos)
		if err != nil {
			return 0, err
		}
		if reserved != 0 {
			return 0, h5err.E(h5err.Format, "invalid reserved field: %d", reserved)
		}
	}

	pos += 2 // header message count
	pos += 4 // object reference count

	objHdrSize, err := s.readField(s.meta.LengthSize, &pos)
	if err != nil {
		return 0, err
	}
	endOfHdr := pos + objHdrSize
	if s.verbose {
		s.log.Debug("object header v1",
			zap.Int("dlvl", dlvl),
			zap.Uint64("position", startingPosition),
			zap.Uint64("header_size", objHdrSize))
	}

	n, err := s.readMessagesV1(pos, endOfHdr, flagV1, dlvl)
	if err != nil {
		return 0, err
	}
	pos += uint64(n)
	return int64(pos - startingPosition), nil
}

// readMessages walks the compact (v2) message stream in [pos, end).
func (s *Session) readMessages(pos, end uint64, hdrFlags uint8, dlvl int) (int64, error) {
	startingPosition := pos

	for pos < end {
		msgType, err := s.readField(1, &pos)
		if err != nil {
			return 0, err
		}
		msgSize, err := s.readField(2, &pos)
		if err != nil {
			return 0, err
		}
		if _, err := s.readField(1, &pos); err != nil { // message flags
			return 0, err
		}
		if hdrFlags&attrCreationTrackBit != 0 {
			if _, err := s.readField(2, &pos); err != nil { // creation order
				return 0, err
			}
		}

		bytesRead, err := s.readMessage(int(msgType), int64(msgSize), pos, hdrFlags, dlvl)
		if err != nil {
			return 0, err
		}
		if s.errorChecking && bytesRead != int64(msgSize) {
			return 0, h5err.E(h5err.Format, "message of type %d different size than specified: %d != %d", msgType, bytesRead, msgSize)
		}

		if s.highestDataLevel > dlvl {
			pos = end // dataset found
			break
		}
		pos += uint64(bytesRead)
	}

	if s.errorChecking && pos != end {
		return 0, h5err.E(h5err.Format, "did not read correct number of bytes: 0x%x != 0x%x", pos, end)
	}
	return int64(pos - startingPosition), nil
}

// readMessagesV1 walks the v1 message stream in [pos, end). V1 messages
// carry a 2-byte type, 3 reserved bytes, and 8-byte alignment.
func (s *Session) readMessagesV1(pos, end uint64, hdrFlags uint8, dlvl int) (int64, error) {
	const sizeOfV1Prefix = 8

	startingPosition := pos

	for pos < end-sizeOfV1Prefix {
		msgType, err := s.readField(2, &pos)
		if err != nil {
			return 0, err
		}
		msgSize, err := s.readField(2, &pos)
		if err != nil {
			return 0, err
		}
		if _, err := s.readField(1, &pos); err != nil { // message flags
			return 0, err
		}
		if !s.errorChecking {
			pos += 3
		} else {
			reserved1, err := s.readField(1, &pos)
			if err != nil {
				return 0, err
			}
			reserved2, err := s.readField(2, &pos)
			if err != nil {
				return 0, err
			}
			if reserved1 != 0 || reserved2 != 0 {
				return 0, h5err.E(h5err.Format, "invalid reserved fields: %d, %d", reserved1, reserved2)
			}
		}

		bytesRead, err := s.readMessage(int(msgType), int64(msgSize), pos, hdrFlags, dlvl)
		if err != nil {
			return 0, err
		}
		if rem := bytesRead % 8; rem > 0 {
			bytesRead += 8 - rem
		}
		if s.errorChecking && bytesRead != int64(msgSize) {
			return 0, h5err.E(h5err.Format, "message of type %d at position 0x%x different size than specified: %d != %d", msgType, pos, bytesRead, msgSize)
		}

		if s.highestDataLevel > dlvl {
			pos = end // dataset found
			break
		}
		pos += uint64(bytesRead)
	}

	// Gap smaller than a message prefix at the end of the block.
	if pos < end {
		pos = end
	}
	return int64(pos - startingPosition), nil
}

// readMessage dispatches one header message. Unknown types are skipped by
// their declared size.
func (s *Session) readMessage(msgType int, size int64, pos uint64, hdrFlags uint8, dlvl int) (int64, error) {
	switch msgType {
	case msgDataspace:
		return s.readDataspaceMsg(pos, hdrFlags, dlvl)
	case msgLinkInfo:
		return s.readLinkInfoMsg(pos, hdrFlags, dlvl)
	case msgDatatype:
		return s.readDatatypeMsg(pos, hdrFlags, dlvl)
	case msgFillValue:
		return s.readFillValueMsg(pos, hdrFlags, dlvl)
	case msgLink:
		return s.readLinkMsg(pos, hdrFlags, dlvl)
	case msgDataLayout:
		return s.readDataLayoutMsg(pos, hdrFlags, dlvl)
	case msgFilter:
		return s.readFilterMsg(pos, hdrFlags, dlvl)
	case msgHeaderCont:
		return s.readHeaderContMsg(pos, hdrFlags, dlvl)
	case msgSymbolTable:
		return s.readSymbolTableMsg(pos, hdrFlags, dlvl)
	default:
		if s.verbose {
			s.log.Debug("skipped message",
				zap.Int("dlvl", dlvl),
				zap.Int("type", msgType),
				zap.Int64("size", size),
				zap.Uint64("position", pos))
		}
		return size, nil
	}
}
