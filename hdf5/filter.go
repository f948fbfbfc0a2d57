package hdf5

import (
	"bytes"
	"io"

	"github.com/arraylab/h5slab/h5err"
	"github.com/klauspost/compress/zlib"
)

// inflateChunk decompresses a zlib-framed DEFLATE chunk into output, which
// must be exactly the wanted size. A stream that ends before filling
// output fails, as does one that does not end cleanly right after it.
func inflateChunk(input, output []byte) error {
	r, err := zlib.NewReader(bytes.NewReader(input))
	if err != nil {
		return h5err.E(h5err.Filter, "failed to initialize inflate: %w", err)
	}
	defer r.Close()
	if _, err := io.ReadFull(r, output); err != nil {
		return h5err.E(h5err.Filter, "failed to inflate entire chunk: %w", err)
	}
	var extra [1]byte
	if n, err := r.Read(extra[:]); n != 0 || err != io.EOF {
		return h5err.E(h5err.Filter, "failed to inflate chunk: stream does not end after %d bytes", len(output))
	}
	return nil
}

// unshuffleChunk undoes the byte shuffle filter for the slice of a chunk
// landing at output. The input is typeSize planes of N bytes; element i is
// reassembled byte by byte from plane offsets, starting at the element
// containing outputOffset.
func unshuffleChunk(input, output []byte, outputOffset int64, typeSize int64) error {
	if typeSize < 1 || typeSize > 8 {
		return h5err.E(h5err.Filter, "invalid data size to perform shuffle on: %d", typeSize)
	}
	planeSize := int64(len(input)) / typeSize
	numElements := int64(len(output)) / typeSize
	startElement := outputOffset / typeSize
	var dst int64
	for element := startElement; element < startElement+numElements; element++ {
		for b := int64(0); b < typeSize; b++ {
			output[dst] = input[b*planeSize+element]
			dst++
		}
	}
	return nil
}
