package hdf5

import (
	"github.com/arraylab/h5slab/h5err"
	"github.com/arraylab/h5slab/pkg/rangecache"
	"go.uber.org/zap"
)

// btreeNode is one key slot of a v1 chunk B-tree node: the stored chunk
// byte size, the per-chunk filter mask, and the chunk's starting slice
// coordinates in element units. rowKey is the first slice coordinate.
type btreeNode struct {
	chunkSize  uint32
	filterMask uint32
	slice      [MaxNDims]uint64
	rowKey     uint64
}

// readBTreeV1 walks a v1 chunk B-tree node at pos, copying every chunk
// whose key range overlaps the requested rows into buffer. Internal nodes
// recurse; leaves fetch, unfilter, and copy chunk data.
func (s *Session) readBTreeV1(pos uint64, buffer []byte, bufferSize, bufferOffset, numRows int64) error {
	startingPosition := pos
	dataKey1 := uint64(s.startRow)
	dataKey2 := uint64(s.startRow + numRows - 1)

	if !s.errorChecking {
		pos += 5
	} else {
		signature, err := s.readField(4, &pos)
		if err != nil {
			return err
		}
		if signature != treeSignature {
			return h5err.E(h5err.Format, "invalid b-tree signature: 0x%X", signature)
		}
		nodeType, err := s.readField(1, &pos)
		if err != nil {
			return err
		}
		if nodeType != 1 {
			return h5err.E(h5err.Format, "only raw data chunk b-trees supported: %d", nodeType)
		}
	}

	nodeLevel, err := s.readField(1, &pos)
	if err != nil {
		return err
	}
	entriesUsed, err := s.readField(2, &pos)
	if err != nil {
		return err
	}
	if s.verbose {
		s.log.Debug("b-tree node",
			zap.Uint64("position", startingPosition),
			zap.Uint64("level", nodeLevel),
			zap.Uint64("entries", entriesUsed))
	}

	pos += 2 * uint64(s.meta.OffsetSize) // sibling addresses

	currNode, err := s.readBTreeNodeV1(s.meta.NDims, &pos)
	if err != nil {
		return err
	}

	for e := 0; e < int(entriesUsed); e++ {
		childAddr, err := s.readField(s.meta.OffsetSize, &pos)
		if err != nil {
			return err
		}
		nextNode, err := s.readBTreeNodeV1(s.meta.NDims, &pos)
		if err != nil {
			return err
		}

		childKey1 := currNode.rowKey
		childKey2 := nextNode.rowKey // there is always one more key than entries
		if nextNode.chunkSize == 0 && s.meta.NDims > 0 {
			childKey2 = s.meta.Dims[0]
		}

		if (dataKey1 >= childKey1 && dataKey1 < childKey2) ||
			(dataKey2 >= childKey1 && dataKey2 < childKey2) ||
			(childKey1 >= dataKey1 && childKey1 <= dataKey2) ||
			(childKey2 > dataKey1 && childKey2 < dataKey2) {
			if nodeLevel > 0 {
				if err := s.readBTreeV1(childAddr, buffer, bufferSize, bufferOffset, numRows); err != nil {
					return err
				}
			} else if err := s.readChunk(&currNode, childAddr, buffer, bufferSize, bufferOffset); err != nil {
				return err
			}
		}
		currNode = nextNode
	}
	return nil
}

// readBTreeNodeV1 reads one chunk key: chunk byte size, filter mask, one
// slice coordinate per dimension, and a trailing element offset that must
// land on a type-size boundary.
func (s *Session) readBTreeNodeV1(ndims int, pos *uint64) (btreeNode, error) {
	var node btreeNode

	chunkSize, err := s.readField(4, pos)
	if err != nil {
		return node, err
	}
	node.chunkSize = uint32(chunkSize)
	filterMask, err := s.readField(4, pos)
	if err != nil {
		return node, err
	}
	node.filterMask = uint32(filterMask)
	for d := 0; d < ndims; d++ {
		node.slice[d], err = s.readField(8, pos)
		if err != nil {
			return node, err
		}
	}

	trailingZero, err := s.readField(8, pos)
	if err != nil {
		return node, err
	}
	if s.errorChecking && trailingZero%uint64(s.meta.TypeSize) != 0 {
		return node, h5err.E(h5err.Format, "key did not include a trailing zero: %d", trailingZero)
	}

	node.rowKey = node.slice[0]
	return node, nil
}

// readChunk copies the overlap of one leaf chunk into the output buffer,
// applying the filter pipeline.
func (s *Session) readChunk(node *btreeNode, childAddr uint64, buffer []byte, bufferSize, bufferOffset int64) error {
	// Byte offset of the chunk within the dataset's row-major image.
	var chunkOffset int64
	for i := 0; i < s.meta.NDims; i++ {
		sliceSize := int64(node.slice[i]) * s.meta.TypeSize
		for j := i + 1; j < s.meta.NDims; j++ {
			sliceSize *= int64(s.meta.Dims[j])
		}
		chunkOffset += sliceSize
	}

	chunkBufSize := int64(len(s.chunkBuf))

	var bufferIndex int64
	if chunkOffset > bufferOffset {
		bufferIndex = chunkOffset - bufferOffset
		if bufferIndex >= bufferSize {
			return h5err.E(h5err.Bounds, "invalid location to read data: %d, %d", chunkOffset, bufferOffset)
		}
	}
	var chunkIndex int64
	if bufferOffset > chunkOffset {
		chunkIndex = bufferOffset - chunkOffset
		if chunkIndex >= chunkBufSize {
			return h5err.E(h5err.Bounds, "invalid location to read chunk: %d, %d", chunkOffset, bufferOffset)
		}
	}
	chunkBytes := chunkBufSize - chunkIndex
	if chunkBytes < 0 {
		return h5err.E(h5err.Bounds, "no bytes of chunk data to read: %d, %d", chunkBytes, chunkIndex)
	}
	if bufferIndex+chunkBytes > bufferSize {
		chunkBytes = bufferSize - bufferIndex
	}

	chunkSize := int64(node.chunkSize)
	if s.meta.Filter[FilterDeflate] {
		chunkPtr, inserted, err := s.request(chunkSize, &childAddr, s.dataSizeHint)
		if err != nil {
			return err
		}
		if inserted {
			s.dataSizeHint = rangecache.L1Line
		}

		if chunkBytes == chunkBufSize && !s.meta.Filter[FilterShuffle] {
			// Whole chunk wanted: inflate straight into the output.
			if err := inflateChunk(chunkPtr[:chunkSize], buffer[bufferIndex:bufferIndex+chunkBytes]); err != nil {
				return err
			}
		} else {
			if err := inflateChunk(chunkPtr[:chunkSize], s.chunkBuf); err != nil {
				return err
			}
			if s.meta.Filter[FilterShuffle] {
				if err := unshuffleChunk(s.chunkBuf, buffer[bufferIndex:bufferIndex+chunkBytes], chunkIndex, s.meta.TypeSize); err != nil {
					return err
				}
			} else {
				copy(buffer[bufferIndex:bufferIndex+chunkBytes], s.chunkBuf[chunkIndex:chunkIndex+chunkBytes])
			}
		}
		return nil
	}

	// No supported filters on this chunk.
	if s.errorChecking {
		if s.meta.Filter[FilterShuffle] {
			return h5err.E(h5err.Format, "shuffle filter unsupported on uncompressed chunk")
		}
		if chunkBytes == chunkBufSize && chunkSize != chunkBytes {
			return h5err.E(h5err.Format, "mismatch in chunk size: %d, %d", chunkSize, chunkBytes)
		}
	}
	chunkPtr, inserted, err := s.request(chunkSize, &childAddr, s.dataSizeHint)
	if err != nil {
		return err
	}
	if inserted {
		s.dataSizeHint = rangecache.L1Line
	}
	if chunkIndex+chunkBytes > int64(len(chunkPtr)) {
		return h5err.E(h5err.Bounds, "chunk data truncated: %d + %d > %d", chunkIndex, chunkBytes, len(chunkPtr))
	}
	copy(buffer[bufferIndex:bufferIndex+chunkBytes], chunkPtr[chunkIndex:chunkIndex+chunkBytes])
	return nil
}
