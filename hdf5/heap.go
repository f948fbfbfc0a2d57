package hdf5

import (
	"github.com/arraylab/h5slab/h5err"
	"go.uber.org/zap"
)

const (
	frhpSignature = 0x50485246 // "FRHP"
	fhdbSignature = 0x42444846 // "FHDB"
	fhibSignature = 0x42494846 // "FHIB"
)

// heapInfo carries the state of one fractal heap traversal.
type heapInfo struct {
	tableWidth      int
	currNumRows     int
	startingBlkSize int64
	maxDblkSize     int64
	blkOffsetSize   int64
	dblkChecksum    bool
	msgType         int
	numObjects      int64
	curObjects      int64
}

// readFractalHeap parses a fractal heap header and walks its block tree,
// parsing msgType messages out of every direct block until the dataset
// path resolves past dlvl. Heaps with I/O filters are unsupported.
func (s *Session) readFractalHeap(msgType int, pos uint64, hdrFlags uint8, dlvl int) error {
	const frhpChecksumDirectBlocks = 0x02

	startingPosition := pos

	if !s.errorChecking {
		pos += 5
	} else {
		signature, err := s.readField(4, &pos)
		if err != nil {
			return err
		}
		if signature != frhpSignature {
			return h5err.E(h5err.Format, "invalid heap signature: 0x%X", signature)
		}
		version, err := s.readField(1, &pos)
		if err != nil {
			return err
		}
		if version != 0 {
			return h5err.E(h5err.Format, "invalid heap version: %d", version)
		}
	}
	if s.verbose {
		s.log.Debug("fractal heap",
			zap.Int("dlvl", dlvl),
			zap.Int("msg_type", msgType),
			zap.Uint64("position", startingPosition))
	}

	pos += 2 // heap ID length
	ioFilterLen, err := s.readField(2, &pos)
	if err != nil {
		return err
	}
	flags, err := s.readField(1, &pos)
	if err != nil {
		return err
	}
	pos += 4                             // maximum size of managed objects
	pos += uint64(s.meta.LengthSize)     // next huge object id
	pos += uint64(s.meta.OffsetSize)     // v2 b-tree of huge objects
	pos += uint64(s.meta.LengthSize)     // free space in managed blocks
	pos += uint64(s.meta.OffsetSize)     // free space manager
	pos += 2 * uint64(s.meta.LengthSize) // managed space, allocated managed space
	pos += uint64(s.meta.LengthSize)     // direct block allocation iterator
	mgObjs, err := s.readField(s.meta.LengthSize, &pos)
	if err != nil {
		return err
	}
	pos += 2 * uint64(s.meta.LengthSize) // huge object size and count
	pos += 2 * uint64(s.meta.LengthSize) // tiny object size and count
	tableWidth, err := s.readField(2, &pos)
	if err != nil {
		return err
	}
	startingBlkSize, err := s.readField(s.meta.LengthSize, &pos)
	if err != nil {
		return err
	}
	maxDblkSize, err := s.readField(s.meta.LengthSize, &pos)
	if err != nil {
		return err
	}
	maxHeapSize, err := s.readField(2, &pos)
	if err != nil {
		return err
	}
	pos += 2 // starting rows in root indirect block
	rootBlkAddr, err := s.readField(s.meta.OffsetSize, &pos)
	if err != nil {
		return err
	}
	currNumRows, err := s.readField(2, &pos)
	if err != nil {
		return err
	}

	if ioFilterLen > 0 {
		return h5err.E(h5err.Format, "filtering unsupported on fractal heap: %d", ioFilterLen)
	}
	if _, err := s.readField(4, &pos); err != nil { // checksum
		return err
	}

	heap := &heapInfo{
		tableWidth:      int(tableWidth),
		currNumRows:     int(currNumRows),
		startingBlkSize: int64(startingBlkSize),
		maxDblkSize:     int64(maxDblkSize),
		blkOffsetSize:   int64(maxHeapSize+7) / 8,
		dblkChecksum:    flags&frhpChecksumDirectBlocks != 0,
		msgType:         msgType,
		numObjects:      int64(mgObjs),
	}
	if s.verbose {
		s.log.Debug("fractal heap geometry",
			zap.Int("table_width", heap.tableWidth),
			zap.Int("curr_num_rows", heap.currNumRows),
			zap.Int64("starting_blk_size", heap.startingBlkSize),
			zap.Int64("max_dblk_size", heap.maxDblkSize),
			zap.Int64("blk_offset_size", heap.blkOffsetSize),
			zap.Uint64("root_block", rootBlkAddr))
	}

	if heap.currNumRows == 0 {
		bytesRead, err := s.readDirectBlock(heap, heap.startingBlkSize, rootBlkAddr, hdrFlags, dlvl)
		if err != nil {
			return err
		}
		if s.errorChecking && bytesRead > heap.startingBlkSize {
			return h5err.E(h5err.Format, "direct block contained more bytes than specified: %d > %d", bytesRead, heap.startingBlkSize)
		}
		return nil
	}
	_, err = s.readIndirectBlock(heap, 0, rootBlkAddr, hdrFlags, dlvl)
	return err
}

// readDirectBlock parses one FHDB block, reading packed messages until the
// block is exhausted or the next (up to 8) bytes are all zero.
func (s *Session) readDirectBlock(heap *heapInfo, blockSize int64, pos uint64, hdrFlags uint8, dlvl int) (int64, error) {
	startingPosition := pos

	if !s.errorChecking {
		pos += 5
	} else {
		signature, err := s.readField(4, &pos)
		if err != nil {
			return 0, err
		}
		if signature != fhdbSignature {
			return 0, h5err.E(h5err.Format, "invalid direct block signature: 0x%X", signature)
		}
		version, err := s.readField(1, &pos)
		if err != nil {
			return 0, err
		}
		if version != 0 {
			return 0, h5err.E(h5err.Format, "invalid direct block version: %d", version)
		}
	}
	if s.verbose {
		s.log.Debug("direct block",
			zap.Int("dlvl", dlvl),
			zap.Int64("block_size", blockSize),
			zap.Uint64("position", startingPosition))
	}

	pos += uint64(s.meta.OffsetSize) + uint64(heap.blkOffsetSize) // heap header address, block offset
	checksumBytes := int64(0)
	if heap.dblkChecksum {
		checksumBytes = 4
		if _, err := s.readField(4, &pos); err != nil {
			return 0, err
		}
	}

	dataLeft := blockSize - (5 + s.meta.OffsetSize + heap.blkOffsetSize + checksumBytes)
	for dataLeft > 0 {
		// Peek ahead: an all-zero prefix means the rest of the block is
		// free space.
		peekAddr := pos
		peekSize := int64(1) << highestBit(uint64(dataLeft))
		if peekSize > 8 {
			peekSize = 8
		}
		peek, err := s.readField(peekSize, &peekAddr)
		if err != nil {
			return 0, err
		}
		if peek == 0 {
			if s.verbose {
				s.log.Debug("exiting direct block early",
					zap.Uint64("block", startingPosition),
					zap.Uint64("position", pos))
			}
			break
		}

		dataRead, err := s.readMessage(heap.msgType, dataLeft, pos, hdrFlags, dlvl)
		if err != nil {
			return 0, err
		}
		pos += uint64(dataRead)
		dataLeft -= dataRead

		// There are often more links in a heap than managed objects, so
		// the object count cannot terminate the scan.
		heap.curObjects++

		if s.errorChecking && dataLeft < 0 {
			return 0, h5err.E(h5err.Format, "reading message exceeded end of direct block: 0x%x", startingPosition)
		}
		if s.highestDataLevel > dlvl {
			break // dataset found
		}
	}
	if dataLeft > 0 {
		pos += uint64(dataLeft)
	}
	return int64(pos - startingPosition), nil
}

// readIndirectBlock parses one FHIB block, recursing into its direct and
// indirect children row by row. Row r holds blocks of the starting block
// size for r in {0,1} and double that per additional row.
func (s *Session) readIndirectBlock(heap *heapInfo, blockSize int64, pos uint64, hdrFlags uint8, dlvl int) (int64, error) {
	startingPosition := pos

	if !s.errorChecking {
		pos += 5
	} else {
		signature, err := s.readField(4, &pos)
		if err != nil {
			return 0, err
		}
		if signature != fhibSignature {
			return 0, h5err.E(h5err.Format, "invalid indirect block signature: 0x%X", signature)
		}
		version, err := s.readField(1, &pos)
		if err != nil {
			return 0, err
		}
		if version != 0 {
			return 0, h5err.E(h5err.Format, "invalid indirect block version: %d", version)
		}
	}
	if s.verbose {
		s.log.Debug("indirect block",
			zap.Int("dlvl", dlvl),
			zap.Uint64("position", startingPosition))
	}

	pos += uint64(s.meta.OffsetSize) + uint64(heap.blkOffsetSize) // heap header address, block offset

	// The root indirect block's row count comes from the header; nested
	// ones derive it from their block size.
	nrows := heap.currNumRows
	if blockSize > 0 {
		nrows = highestBit(uint64(blockSize)) - highestBit(uint64(heap.startingBlkSize*int64(heap.tableWidth))) + 1
	}
	maxDblockRows := highestBit(uint64(heap.maxDblkSize)) - highestBit(uint64(heap.startingBlkSize)) + 2
	k := nrows
	if maxDblockRows < k {
		k = maxDblockRows
	}
	k *= heap.tableWidth
	n := k - maxDblockRows*heap.tableWidth

	for row := 0; row < nrows; row++ {
		var rowBlockSize int64
		switch {
		case row <= 1:
			rowBlockSize = heap.startingBlkSize
		default:
			rowBlockSize = heap.startingBlkSize * (int64(0x2) << (row - 2))
		}

		for entry := 0; entry < heap.tableWidth; entry++ {
			if rowBlockSize <= heap.maxDblkSize {
				if s.errorChecking && row >= k {
					return 0, h5err.E(h5err.Format, "unexpected direct block row: %d, %d >= %d", rowBlockSize, row, k)
				}
				directBlockAddr, err := s.readField(s.meta.OffsetSize, &pos)
				if err != nil {
					return 0, err
				}
				// Filters are unsupported, but would be read here.
				if !invalidField(directBlockAddr, s.meta.OffsetSize) && dlvl >= s.highestDataLevel {
					bytesRead, err := s.readDirectBlock(heap, rowBlockSize, directBlockAddr, hdrFlags, dlvl)
					if err != nil {
						return 0, err
					}
					if s.errorChecking && bytesRead > rowBlockSize {
						return 0, h5err.E(h5err.Format, "direct block contained more bytes than specified: %d > %d", bytesRead, rowBlockSize)
					}
				}
			} else {
				if s.errorChecking && (row < k || row >= n) {
					return 0, h5err.E(h5err.Format, "unexpected indirect block row: %d, %d, %d", rowBlockSize, row, n)
				}
				indirectBlockAddr, err := s.readField(s.meta.OffsetSize, &pos)
				if err != nil {
					return 0, err
				}
				if !invalidField(indirectBlockAddr, s.meta.OffsetSize) && dlvl >= s.highestDataLevel {
					bytesRead, err := s.readIndirectBlock(heap, rowBlockSize, indirectBlockAddr, hdrFlags, dlvl)
					if err != nil {
						return 0, err
					}
					if s.errorChecking && bytesRead > rowBlockSize {
						return 0, h5err.E(h5err.Format, "indirect block contained more bytes than specified: %d > %d", bytesRead, rowBlockSize)
					}
				}
			}
		}
	}

	if _, err := s.readField(4, &pos); err != nil { // checksum
		return 0, err
	}
	return int64(pos - startingPosition), nil
}
