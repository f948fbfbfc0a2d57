package hdf5

import (
	"bytes"
	"testing"

	"github.com/arraylab/h5slab/h5err"
	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deflate(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestInflateChunk(t *testing.T) {
	data := make([]byte, 500)
	for i := range data {
		data[i] = byte(i % 7)
	}
	out := make([]byte, len(data))
	require.NoError(t, inflateChunk(deflate(t, data), out))
	assert.Equal(t, data, out)
}

func TestInflateChunkTruncated(t *testing.T) {
	data := make([]byte, 100)
	out := make([]byte, 200)
	err := inflateChunk(deflate(t, data), out)
	assert.True(t, h5err.IsKind(err, h5err.Filter))

	err = inflateChunk([]byte{0, 1, 2, 3}, out)
	assert.True(t, h5err.IsKind(err, h5err.Filter))
}

func TestUnshuffleChunk(t *testing.T) {
	// Four int32 elements shuffled into byte planes.
	orig := []byte{
		0x01, 0x02, 0x03, 0x04,
		0x11, 0x12, 0x13, 0x14,
		0x21, 0x22, 0x23, 0x24,
		0x31, 0x32, 0x33, 0x34,
	}
	shuffled := []byte{
		0x01, 0x11, 0x21, 0x31,
		0x02, 0x12, 0x22, 0x32,
		0x03, 0x13, 0x23, 0x33,
		0x04, 0x14, 0x24, 0x34,
	}

	out := make([]byte, 16)
	require.NoError(t, unshuffleChunk(shuffled, out, 0, 4))
	assert.Equal(t, orig, out)

	// A sub-range lands at the right elements.
	out = make([]byte, 8)
	require.NoError(t, unshuffleChunk(shuffled, out, 8, 4))
	assert.Equal(t, orig[8:16], out)
}

func TestUnshuffleChunkBadTypeSize(t *testing.T) {
	err := unshuffleChunk(make([]byte, 16), make([]byte, 16), 0, 9)
	assert.True(t, h5err.IsKind(err, h5err.Filter))
	err = unshuffleChunk(make([]byte, 16), make([]byte, 16), 0, 0)
	assert.True(t, h5err.IsKind(err, h5err.Filter))
}

func TestInvalidField(t *testing.T) {
	assert.True(t, invalidField(0xFF, 1))
	assert.False(t, invalidField(0xFE, 1))
	assert.True(t, invalidField(^uint64(0), 8))
	assert.False(t, invalidField(^uint64(0)>>1, 8))
	assert.True(t, invalidField(0xFFFFFFFF, 4))
}

func TestHighestBit(t *testing.T) {
	assert.Equal(t, 0, highestBit(1))
	assert.Equal(t, 1, highestBit(2))
	assert.Equal(t, 1, highestBit(3))
	assert.Equal(t, 8, highestBit(256))
	assert.Equal(t, 9, highestBit(1000))
}

func TestMetaURL(t *testing.T) {
	key1, url, err := metaURL("/data/atl03.h5", "/gt1l/heights")
	require.NoError(t, err)
	assert.Equal(t, "atl03.h5/gt1l/heights", url)

	// The same file under a different directory keys identically; the
	// memo key is filename plus dataset.
	key2, _, err := metaURL("/other/atl03.h5", "gt1l/heights")
	require.NoError(t, err)
	assert.Equal(t, key1, key2)

	key3, _, err := metaURL("/data/atl03.h5", "/gt1l/elevation")
	require.NoError(t, err)
	assert.NotEqual(t, key1, key3)

	long := make([]byte, maxMetaName)
	for i := range long {
		long[i] = 'x'
	}
	_, _, err = metaURL(string(long), "/d")
	assert.True(t, h5err.IsKind(err, h5err.Format))
}
