package hdf5

import (
	"github.com/arraylab/h5slab/h5err"
	"go.uber.org/zap"
)

const (
	treeSignature = 0x45455254 // "TREE"
	heapSignature = 0x50414548 // "HEAP"
	snodSignature = 0x444F4E53 // "SNOD"
)

// readSymbolTableMsg parses a v1 symbol table message: the legacy group
// representation. The local heap header yields the address of the link
// name strings; the group B-tree is walked to its leftmost leaf and then
// leaf to leaf through right siblings, visiting each SNOD node.
func (s *Session) readSymbolTableMsg(pos uint64, hdrFlags uint8, dlvl int) (int64, error) {
	btreeAddr, err := s.readField(s.meta.OffsetSize, &pos)
	if err != nil {
		return 0, err
	}
	heapAddr, err := s.readField(s.meta.OffsetSize, &pos)
	if err != nil {
		return 0, err
	}
	if s.verbose {
		s.log.Debug("symbol table message",
			zap.Int("dlvl", dlvl),
			zap.Uint64("btree_address", btreeAddr),
			zap.Uint64("heap_address", heapAddr))
	}

	// Local heap header; only the data segment address matters.
	pos = heapAddr
	if !s.errorChecking {
		pos += 24
	} else {
		signature, err := s.readField(4, &pos)
		if err != nil {
			return 0, err
		}
		if signature != heapSignature {
			return 0, h5err.E(h5err.Format, "invalid heap signature: 0x%X", signature)
		}
		version, err := s.readField(1, &pos)
		if err != nil {
			return 0, err
		}
		if version != 0 {
			return 0, h5err.E(h5err.Format, "incorrect version of heap: %d", version)
		}
		pos += 19
	}
	heapDataAddr, err := s.readField(s.meta.OffsetSize, &pos)
	if err != nil {
		return 0, err
	}

	// Descend to the leftmost leaf of the group B-tree.
	pos = btreeAddr
	for {
		if !s.errorChecking {
			pos += 5
		} else {
			signature, err := s.readField(4, &pos)
			if err != nil {
				return 0, err
			}
			if signature != treeSignature {
				return 0, h5err.E(h5err.Format, "invalid group b-tree signature: 0x%X", signature)
			}
			nodeType, err := s.readField(1, &pos)
			if err != nil {
				return 0, err
			}
			if nodeType != 0 {
				return 0, h5err.E(h5err.Format, "only group b-trees supported: %d", nodeType)
			}
		}
		nodeLevel, err := s.readField(1, &pos)
		if err != nil {
			return 0, err
		}
		if nodeLevel == 0 {
			break
		}
		// Skip entries used, both sibling addresses, and the first key,
		// then follow the first child.
		pos += 2 + 2*uint64(s.meta.OffsetSize) + uint64(s.meta.LengthSize)
		pos, err = s.readField(s.meta.OffsetSize, &pos)
		if err != nil {
			return 0, err
		}
	}

	// Traverse leaves left to right.
	for {
		entriesUsed, err := s.readField(2, &pos)
		if err != nil {
			return 0, err
		}
		if _, err := s.readField(s.meta.OffsetSize, &pos); err != nil { // left sibling
			return 0, err
		}
		rightSibling, err := s.readField(s.meta.OffsetSize, &pos)
		if err != nil {
			return 0, err
		}
		if _, err := s.readField(s.meta.LengthSize, &pos); err != nil { // first key
			return 0, err
		}

		for entry := 0; entry < int(entriesUsed); entry++ {
			symbolTableAddr, err := s.readField(s.meta.OffsetSize, &pos)
			if err != nil {
				return 0, err
			}
			if err := s.readSymbolTable(symbolTableAddr, heapDataAddr, dlvl); err != nil {
				return 0, err
			}
			pos += uint64(s.meta.LengthSize) // next key
			if s.highestDataLevel > dlvl {
				break // dataset found
			}
		}

		if invalidField(rightSibling, s.meta.OffsetSize) || s.highestDataLevel > dlvl {
			break
		}
		// Skip the sibling's signature, node type, and node level.
		pos = rightSibling + 6
	}
	return 2 * s.meta.OffsetSize, nil
}

// readSymbolTable parses one SNOD leaf, reading each entry's link name out
// of the local heap and descending into the matching object header.
// Symbolic-link entries (cache type 2) are unsupported.
func (s *Session) readSymbolTable(pos, heapDataAddr uint64, dlvl int) error {
	if !s.errorChecking {
		pos += 6
	} else {
		signature, err := s.readField(4, &pos)
		if err != nil {
			return err
		}
		if signature != snodSignature {
			return h5err.E(h5err.Format, "invalid symbol table signature: 0x%X", signature)
		}
		version, err := s.readField(1, &pos)
		if err != nil {
			return err
		}
		if version != 1 {
			return h5err.E(h5err.Format, "incorrect version of symbol table: %d", version)
		}
		reserved, err := s.readField(1, &pos)
		if err != nil {
			return err
		}
		if reserved != 0 {
			return h5err.E(h5err.Format, "incorrect reserved value: %d", reserved)
		}
	}

	numSymbols, err := s.readField(2, &pos)
	if err != nil {
		return err
	}
	for i := 0; i < int(numSymbols); i++ {
		linkNameOffset, err := s.readField(s.meta.OffsetSize, &pos)
		if err != nil {
			return err
		}
		objHdrAddr, err := s.readField(s.meta.OffsetSize, &pos)
		if err != nil {
			return err
		}
		cacheType, err := s.readField(4, &pos)
		if err != nil {
			return err
		}
		pos += 20 // reserved + scratch pad
		if s.errorChecking && cacheType == 2 {
			return h5err.E(h5err.Format, "symbolic links are unsupported")
		}

		linkNameAddr := heapDataAddr + linkNameOffset
		linkName, err := s.readCString(&linkNameAddr)
		if err != nil {
			return err
		}
		if s.verbose {
			s.log.Debug("symbol table entry",
				zap.String("name", linkName),
				zap.Uint64("object_header", objHdrAddr))
		}

		if dlvl < len(s.path) && linkName == s.path[dlvl] {
			s.highestDataLevel = dlvl + 1
			if _, err := s.readObjHdr(objHdrAddr, s.highestDataLevel); err != nil {
				return err
			}
			break // dataset found
		}
	}
	return nil
}
